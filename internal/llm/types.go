package llm

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"zbot/internal/config"
)

// Options are the per-call generation parameters. Zero values mean
// "use the provider default".
type Options struct {
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// OptionsFrom builds call options from a provider's generation config.
func OptionsFrom(cfg config.GenerationConfig) Options {
	return Options{
		Model:        cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		SystemPrompt: cfg.SystemPrompt,
	}
}

// StreamEvent is one element of a streaming response.
// ContentDelta is never empty unless Error is set.
type StreamEvent struct {
	ContentDelta string `json:"content_delta,omitempty"`
	Error        error  `json:"-"`
}

const dialTimeout = 10 * time.Second

// NewHTTPClient returns the HTTP client shared by a provider instance.
// The client has no overall deadline, so a stream may run as long as the
// server keeps sending. timeout bounds connecting and waiting for response
// headers; GenerateOnce applies it to the whole call through its context.
// insecure disables TLS certificate verification for that client only.
func NewHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dial := dialTimeout
	if timeout > 0 && timeout < dial {
		dial = timeout
	}
	transport.DialContext = (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = dial
	transport.ResponseHeaderTimeout = timeout
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}
	return &http.Client{Transport: transport}
}

// onceContext bounds a non-streaming call by timeout. Zero means no bound.
func onceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// emit sends ev unless ctx is done. It reports whether the event was delivered.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// transportError wraps a network-level failure.
func transportError(provider string, err error) *RawError {
	return &RawError{Provider: provider, Kind: KindTransport, Message: err.Error(), Err: err}
}

// wrapUnknown wraps an error that did not come with an HTTP status.
func wrapUnknown(provider string, err error) *RawError {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transportError(provider, err)
	}
	return &RawError{Provider: provider, Kind: KindUnknown, Message: err.Error(), Err: err}
}
