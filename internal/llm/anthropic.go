package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider using the Anthropic API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	timeout      time.Duration
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration // bounds GenerateOnce only
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: ANTHROPIC_API_KEY is missing")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		timeout:      cfg.Timeout,
	}, nil
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) params(message string, opts Options) anthropic.MessageNewParams {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(message)),
		},
		MaxTokens: int64(maxTokens),
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: opts.SystemPrompt},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	return params
}

func (p *AnthropicProvider) GenerateOnce(ctx context.Context, message string, opts Options) (string, error) {
	ctx, cancel := onceContext(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Messages.New(ctx, p.params(message, opts))
	if err != nil {
		return "", p.wrapError(err)
	}

	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}
	return text, nil
}

func (p *AnthropicProvider) GenerateStream(ctx context.Context, message string, opts Options) (<-chan StreamEvent, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(message, opts))
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			e, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok || e.Delta.Type != "text_delta" || e.Delta.Text == "" {
				continue
			}
			if !emit(ctx, ch, StreamEvent{ContentDelta: e.Delta.Text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, StreamEvent{Error: p.wrapError(err)})
		}
	}()

	return ch, nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	return err == nil
}

func (p *AnthropicProvider) wrapError(err error) *RawError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &RawError{
			Provider:   p.Name(),
			Kind:       KindStatus,
			StatusCode: apiErr.StatusCode,
			Message:    err.Error(),
			Err:        err,
		}
	}
	return wrapUnknown(p.Name(), err)
}
