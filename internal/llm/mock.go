package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zbot/internal/fallback"
)

// MockProvider returns canned responses. It is the last resort when no real
// provider can be constructed, and the default in tests.
type MockProvider struct {
	wordDelay time.Duration
}

// NewMockProvider creates a mock provider that streams one word per wordDelay.
func NewMockProvider(wordDelay time.Duration) *MockProvider {
	return &MockProvider{wordDelay: wordDelay}
}

func (p *MockProvider) Name() string { return "mock" }

var mockTable = fallback.Table{
	Entries: []fallback.Entry{
		{Keyword: "hello", Reply: "Hello! I'm ZBot running in mock mode. Configure a real AI provider to get real answers."},
		{Keyword: "help", Reply: "I'm a mock AI service and can only give canned answers. Set AI_PROVIDER to primary, self_hosted or local_inference for real help."},
		{Keyword: "test", Reply: "Mock AI service is up. This is a test response."},
	},
	Default: func(message string) string {
		return fmt.Sprintf("You said: '%s'. I'm a mock AI service. Please configure a real AI provider.",
			fallback.Truncate(message, fallback.EchoLimit))
	},
}

// Response is the deterministic reply for message.
func (p *MockProvider) Response(message string, opts Options) string {
	if opts.SystemPrompt != "" {
		return fmt.Sprintf("[Mock AI with system: %s...] Response to: %s",
			string(truncateRunes(opts.SystemPrompt, 50)), message)
	}
	return mockTable.Lookup(message)
}

func truncateRunes(s string, n int) []rune {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return r
}

func (p *MockProvider) GenerateOnce(ctx context.Context, message string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.Response(message, opts), nil
}

func (p *MockProvider) GenerateStream(ctx context.Context, message string, opts Options) (<-chan StreamEvent, error) {
	words := strings.SplitAfter(p.Response(message, opts), " ")
	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		for i, w := range words {
			if w == "" {
				continue
			}
			if i > 0 && p.wordDelay > 0 {
				select {
				case <-time.After(p.wordDelay):
				case <-ctx.Done():
					return
				}
			}
			if !emit(ctx, ch, StreamEvent{ContentDelta: w}) {
				return
			}
		}
	}()

	return ch, nil
}

func (p *MockProvider) HealthCheck(ctx context.Context) bool { return true }
