package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultLlamaServerPort = 8089

// LocalProvider runs an in-process-managed llama.cpp server on the loopback
// interface and talks to it through its OpenAI-compatible API.
type LocalProvider struct {
	*OpenAIProvider

	baseURL string
	health  *http.Client

	mu      sync.Mutex
	process *exec.Cmd
	exited  chan struct{}
}

// LocalConfig holds configuration for the local inference provider.
type LocalConfig struct {
	BinaryPath  string
	ModelPath   string
	Port        int
	ContextSize int
	ExtraArgs   []string
	StartupWait time.Duration
	HTTPClient  *http.Client
	Timeout     time.Duration // bounds GenerateOnce only
}

// NewLocalProvider starts llama-server and waits until it reports healthy.
// A missing binary or model file is a construction error.
func NewLocalProvider(ctx context.Context, cfg LocalConfig) (*LocalProvider, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("local: LLAMA_MODEL_PATH is not set")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("local: model file: %w", err)
	}
	bin := cfg.BinaryPath
	if bin == "" {
		bin = "llama-server"
	}
	binPath, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}

	port := cfg.Port
	if port == 0 {
		port = defaultLlamaServerPort
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	openaiProvider, err := NewOpenAIProvider(OpenAIConfig{
		Name:        "local",
		BaseURL:     baseURL + "/v1",
		Model:       "local",
		HTTPClient:  cfg.HTTPClient,
		Timeout:     cfg.Timeout,
		KeyOptional: true,
	})
	if err != nil {
		return nil, err
	}

	p := &LocalProvider{
		OpenAIProvider: openaiProvider,
		baseURL:        baseURL,
		health:         &http.Client{Timeout: 2 * time.Second},
	}
	if err := p.start(ctx, binPath, cfg, port); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *LocalProvider) start(ctx context.Context, binPath string, cfg LocalConfig, port int) error {
	args := []string{
		"-m", cfg.ModelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	if cfg.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.ContextSize))
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(binPath, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("local: start %s: %w", binPath, err)
	}
	log.Printf("[llm] started llama-server pid=%d on %s", cmd.Process.Pid, p.baseURL)

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	p.mu.Lock()
	p.process = cmd
	p.exited = exited
	p.mu.Unlock()

	wait := cfg.StartupWait
	if wait <= 0 {
		wait = 60 * time.Second
	}
	if err := p.waitForReady(ctx, wait); err != nil {
		_ = p.Close()
		return err
	}
	return nil
}

// waitForReady polls /health until the server has loaded the model.
func (p *LocalProvider) waitForReady(ctx context.Context, timeout time.Duration) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = time.Second
	expo.MaxElapsedTime = timeout

	op := func() error {
		select {
		case <-p.exited:
			return backoff.Permanent(errors.New("local: llama-server exited during startup"))
		default:
		}
		if !p.ping(ctx) {
			return errors.New("local: llama-server not ready")
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("local: server failed to start within %v: %w", timeout, err)
	}
	return nil
}

func (p *LocalProvider) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.health.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) HealthCheck(ctx context.Context) bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	return p.ping(ctx)
}

// Close stops the managed server: SIGTERM, then SIGKILL after five seconds.
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.process == nil || p.process.Process == nil {
		return nil
	}
	if err := p.process.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		_ = p.process.Process.Kill()
		<-p.exited
	}
	p.process = nil
	log.Printf("[llm] llama-server stopped")
	return nil
}
