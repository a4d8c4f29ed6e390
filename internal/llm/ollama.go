package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama2"
	maxErrorBody       = 4 << 10
)

// OllamaProvider talks to a self-hosted Ollama server over its native HTTP API.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	http         *http.Client
	timeout      time.Duration
}

// OllamaConfig holds configuration for the Ollama provider.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration // bounds GenerateOnce only
}

// OllamaModel is one entry of GET /api/tags.
type OllamaModel struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaProvider creates a new Ollama provider. It does not contact the server.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(60*time.Second, false)
	}
	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: model,
		http:         client,
		timeout:      cfg.Timeout,
	}
}

func (p *OllamaProvider) Name() string         { return "ollama" }
func (p *OllamaProvider) DefaultModel() string { return p.defaultModel }

// Probe checks that the server answers, retrying with exponential backoff.
// retries is the number of additional attempts after the first.
func (p *OllamaProvider) Probe(ctx context.Context, retries int) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 2 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(max(retries, 0))), ctx)

	op := func() error {
		_, err := p.ListModels(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("[llm] ollama not reachable at %s, retrying in %s: %v", p.baseURL, wait, err)
	}
	return backoff.RetryNotify(op, bo, notify)
}

// ListModels returns the models installed on the server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}

	var out struct {
		Models []OllamaModel `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RawError{Provider: p.Name(), Kind: KindMalformed, Message: "decode /api/tags", Err: err}
	}
	return out.Models, nil
}

func (p *OllamaProvider) GenerateOnce(ctx context.Context, message string, opts Options) (string, error) {
	ctx, cancel := onceContext(ctx, p.timeout)
	defer cancel()
	resp, err := p.generate(ctx, message, opts, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &RawError{Provider: p.Name(), Kind: KindMalformed, Message: "decode /api/generate", Err: err}
	}
	if out.Error != "" {
		return "", &RawError{Provider: p.Name(), Kind: KindStatus, StatusCode: resp.StatusCode, Message: out.Error}
	}
	return out.Response, nil
}

func (p *OllamaProvider) GenerateStream(ctx context.Context, message string, opts Options) (<-chan StreamEvent, error) {
	resp, err := p.generate(ctx, message, opts, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				emit(ctx, ch, StreamEvent{Error: &RawError{
					Provider: p.Name(), Kind: KindMalformed, Message: string(line), Err: err,
				}})
				return
			}
			if chunk.Error != "" {
				emit(ctx, ch, StreamEvent{Error: &RawError{
					Provider: p.Name(), Kind: KindStream, Message: chunk.Error,
				}})
				return
			}
			if chunk.Response != "" {
				if !emit(ctx, ch, StreamEvent{ContentDelta: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, ch, StreamEvent{Error: &RawError{
				Provider: p.Name(), Kind: KindStream, Message: err.Error(), Err: err,
			}})
		}
	}()

	return ch, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	_, err := p.ListModels(ctx)
	return err == nil
}

// generate posts to /api/generate and returns the response once it is known to be 2xx.
func (p *OllamaProvider) generate(ctx context.Context, message string, opts Options, stream bool) (*http.Response, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: message,
		System: opts.SystemPrompt,
		Stream: stream,
	}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		body.Options = map[string]any{}
		if opts.MaxTokens > 0 {
			body.Options["num_predict"] = opts.MaxTokens
		}
		if opts.Temperature > 0 {
			body.Options["temperature"] = opts.Temperature
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, transportError(p.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, p.statusError(resp)
	}
	return resp, nil
}

// statusError captures a non-2xx response, keeping at most 4 KiB of the body.
func (p *OllamaProvider) statusError(resp *http.Response) *RawError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return &RawError{
		Provider:   p.Name(),
		Kind:       KindStatus,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
