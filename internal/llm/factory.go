package llm

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"zbot/internal/config"
)

// Identity names the provider family chosen at startup.
type Identity string

const (
	IdentityPrimary        Identity = "primary"
	IdentitySelfHosted     Identity = "self_hosted"
	IdentityLocalInference Identity = "local_inference"
	IdentityMock           Identity = "mock"
	IdentityUnknown        Identity = "unknown"
)

// ParseIdentity maps a configured provider name (case-insensitive) onto an Identity.
func ParseIdentity(s string) Identity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "openai", "anthropic":
		return IdentityPrimary
	case "self_hosted", "ollama":
		return IdentitySelfHosted
	case "local_inference", "local", "llamacpp", "huggingface":
		return IdentityLocalInference
	case "mock":
		return IdentityMock
	default:
		return IdentityUnknown
	}
}

// Status is the result of a provider liveness query.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Info describes the active provider.
type Info struct {
	Provider       string   `json:"provider"`
	Identity       Identity `json:"identity"`
	Status         Status   `json:"status"`
	ServiceType    string   `json:"service_type"`
	Model          string   `json:"model,omitempty"`
	Fallback       bool     `json:"fallback"`
	ModelAvailable *bool    `json:"model_available,omitempty"`
}

// Selector owns the provider chosen at startup. Identity and provider never
// change after construction.
type Selector struct {
	requested     string
	identity      Identity
	provider      Provider
	model         string
	opts          Options
	fallback      bool
	statusTimeout time.Duration
}

// NewSelector builds the configured provider. It never fails: a provider
// that cannot be constructed is logged and replaced by the mock provider.
func NewSelector(ctx context.Context, cfg *config.Config) *Selector {
	requested := cfg.Provider.Identity
	s := &Selector{
		requested:     requested,
		statusTimeout: time.Duration(cfg.Provider.StatusTimeoutSecs) * time.Second,
	}
	if s.statusTimeout <= 0 {
		s.statusTimeout = 5 * time.Second
	}

	id := ParseIdentity(requested)
	if id == IdentityUnknown {
		log.Printf("[selector] unknown provider %q, falling back to mock", requested)
	} else if id != IdentityMock {
		p, model, err := build(ctx, id, cfg)
		if err == nil {
			s.identity, s.provider, s.model = id, p, model
			s.opts = optionsFor(id, cfg)
			log.Printf("[selector] using %s provider (%s, model %s)", id, p.Name(), model)
			return s
		}
		log.Printf("[selector] %s provider unavailable: %v, falling back to mock", id, err)
	}

	s.identity = IdentityMock
	s.provider = NewMockProvider(time.Duration(cfg.Mock.WordDelayMillis) * time.Millisecond)
	s.fallback = id != IdentityMock
	if s.fallback {
		log.Printf("[selector] using mock provider; set AI_PROVIDER to configure a real one")
	}
	return s
}

// NewStaticSelector wraps an already-built provider.
func NewStaticSelector(id Identity, p Provider) *Selector {
	return &Selector{
		requested:     string(id),
		identity:      id,
		provider:      p,
		statusTimeout: 5 * time.Second,
	}
}

func build(ctx context.Context, id Identity, cfg *config.Config) (Provider, string, error) {
	switch id {
	case IdentityPrimary:
		timeout := time.Duration(cfg.Primary.TimeoutSecs) * time.Second
		client := httpClient(timeout, cfg.TLS.InsecureSkipVerify)
		switch strings.ToLower(cfg.Primary.Vendor) {
		case "", "openai":
			p, err := NewOpenAIProvider(OpenAIConfig{
				APIKey:     cfg.Primary.APIKey,
				BaseURL:    cfg.Primary.BaseURL,
				Model:      cfg.Primary.Model,
				HTTPClient: client,
				Timeout:    timeout,
			})
			if err != nil {
				return nil, "", err
			}
			return p, p.DefaultModel(), nil
		case "anthropic":
			p, err := NewAnthropicProvider(AnthropicConfig{
				APIKey:     cfg.Primary.APIKey,
				BaseURL:    cfg.Primary.BaseURL,
				Model:      cfg.Primary.Model,
				HTTPClient: client,
				Timeout:    timeout,
			})
			if err != nil {
				return nil, "", err
			}
			return p, p.DefaultModel(), nil
		default:
			return nil, "", fmt.Errorf("unknown primary vendor: %s", cfg.Primary.Vendor)
		}

	case IdentitySelfHosted:
		timeout := time.Duration(cfg.SelfHosted.TimeoutSecs) * time.Second
		p := NewOllamaProvider(OllamaConfig{
			BaseURL:    cfg.SelfHosted.BaseURL,
			Model:      cfg.SelfHosted.Model,
			HTTPClient: httpClient(timeout, cfg.TLS.InsecureSkipVerify),
			Timeout:    timeout,
		})
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := p.Probe(probeCtx, cfg.SelfHosted.ProbeRetries); err != nil {
			return nil, "", fmt.Errorf("ollama server not running (start it with: ollama serve): %w", err)
		}
		return p, p.DefaultModel(), nil

	case IdentityLocalInference:
		timeout := time.Duration(cfg.Local.TimeoutSecs) * time.Second
		p, err := NewLocalProvider(ctx, LocalConfig{
			BinaryPath:  cfg.Local.BinaryPath,
			ModelPath:   cfg.Local.ModelPath,
			Port:        cfg.Local.Port,
			ContextSize: cfg.Local.ContextSize,
			ExtraArgs:   cfg.Local.ExtraArgs,
			StartupWait: time.Duration(cfg.Local.StartupWaitSecs) * time.Second,
			HTTPClient:  httpClient(timeout, false),
			Timeout:     timeout,
		})
		if err != nil {
			return nil, "", err
		}
		return p, cfg.Local.ModelPath, nil
	}
	return nil, "", fmt.Errorf("no constructor for %s", id)
}

func optionsFor(id Identity, cfg *config.Config) Options {
	switch id {
	case IdentityPrimary:
		return OptionsFrom(cfg.Primary.GenerationConfig)
	case IdentitySelfHosted:
		return OptionsFrom(cfg.SelfHosted.GenerationConfig)
	case IdentityLocalInference:
		return OptionsFrom(cfg.Local.GenerationConfig)
	}
	return Options{}
}

func httpClient(timeout time.Duration, insecure bool) *http.Client {
	if insecure {
		log.Printf("[llm] WARNING: TLS certificate verification is disabled")
	}
	return NewHTTPClient(timeout, insecure)
}

// Identity returns the resolved identity (Mock after a fallback).
func (s *Selector) Identity() Identity { return s.identity }

// Requested returns the identity string as configured.
func (s *Selector) Requested() string { return s.requested }

// Provider returns the active provider.
func (s *Selector) Provider() Provider { return s.provider }

// Options returns the generation options configured for the active provider.
func (s *Selector) Options() Options { return s.opts }

// Fallback reports whether the mock provider replaced the requested one.
func (s *Selector) Fallback() bool { return s.fallback }

// Status probes the provider. A probe that does not finish within the status
// timeout reports StatusUnknown.
func (s *Selector) Status(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, s.statusTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- s.provider.HealthCheck(ctx) }()

	select {
	case ok := <-done:
		if ok {
			return StatusOnline
		}
		if ctx.Err() != nil {
			return StatusUnknown
		}
		return StatusOffline
	case <-ctx.Done():
		return StatusUnknown
	}
}

// Info reports the active provider and its current status.
func (s *Selector) Info(ctx context.Context) Info {
	info := Info{
		Provider:    s.provider.Name(),
		Identity:    s.identity,
		Status:      s.Status(ctx),
		ServiceType: strings.TrimPrefix(fmt.Sprintf("%T", s.provider), "*llm."),
		Model:       s.model,
		Fallback:    s.fallback,
	}

	if lister, ok := s.provider.(interface {
		ListModels(context.Context) ([]OllamaModel, error)
	}); ok && info.Status == StatusOnline {
		listCtx, cancel := context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
		if models, err := lister.ListModels(listCtx); err == nil {
			found := false
			for _, m := range models {
				if m.Name == s.model || strings.TrimSuffix(m.Name, ":latest") == s.model {
					found = true
					break
				}
			}
			info.ModelAvailable = &found
		}
	}
	return info
}

// Close releases provider resources such as a managed inference server.
func (s *Selector) Close() error {
	if c, ok := s.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
