package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider using the OpenAI API.
// Also works with compatible servers (llama.cpp, vLLM, LM Studio) via BaseURL.
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
	timeout      time.Duration
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	Name       string // reported by Name(); defaults to "openai"
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	// Timeout bounds GenerateOnce. Streams are not bounded by it.
	Timeout time.Duration
	// KeyOptional allows an empty APIKey, for local OpenAI-compatible servers.
	KeyOptional bool
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && !cfg.KeyOptional {
		return nil, errors.New("openai: OPENAI_API_KEY is missing")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "no-key"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT3_5Turbo
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClient(opts...),
		defaultModel: model,
		timeout:      cfg.Timeout,
	}, nil
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) params(message string, opts Options) openai.ChatCompletionNewParams {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(message))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	return params
}

func (p *OpenAIProvider) GenerateOnce(ctx context.Context, message string, opts Options) (string, error) {
	ctx, cancel := onceContext(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Chat.Completions.New(ctx, p.params(message, opts))
	if err != nil {
		return "", p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &RawError{Provider: p.name, Kind: KindMalformed, Message: "response has no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) GenerateStream(ctx context.Context, message string, opts Options) (<-chan StreamEvent, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(message, opts))
	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !emit(ctx, ch, StreamEvent{ContentDelta: delta}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, ch, StreamEvent{Error: p.wrapError(err)})
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx)
	return err == nil
}

// wrapError keeps the SDK error intact but records its HTTP status.
func (p *OpenAIProvider) wrapError(err error) *RawError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := err.Error()
		if apiErr.Code != "" || apiErr.Type != "" {
			msg = fmt.Sprintf("%s [code=%s type=%s]", msg, apiErr.Code, apiErr.Type)
		}
		return &RawError{
			Provider:   p.name,
			Kind:       KindStatus,
			StatusCode: apiErr.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}
	return wrapUnknown(p.name, err)
}
