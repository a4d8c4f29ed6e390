// Package relay streams provider output to browser clients over WebSocket.
//
// Each connection is a Session with exactly one reader (the read loop) and
// one writer (the write pump). Every inbound text message starts its own
// task; tasks of one session run concurrently and only meet at the outbound
// queue, so a failing message never disturbs its siblings.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zbot/internal/config"
	"zbot/internal/eventbus"
	"zbot/internal/llm"
)

// Config controls connection keepalive and buffering.
type Config struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// ConfigFrom converts the file config into relay settings.
func ConfigFrom(cfg config.RelayConfig, origins []string) Config {
	return Config{
		PingInterval:    time.Duration(cfg.PingIntervalSecs) * time.Second,
		PongWait:        time.Duration(cfg.PongWaitSecs) * time.Second,
		WriteWait:       time.Duration(cfg.WriteWaitSecs) * time.Second,
		SendBuffer:      cfg.SendBuffer,
		MaxMessageBytes: int64(cfg.MaxMessageBytes),
		AllowedOrigins:  origins,
	}
}

func (c *Config) applyDefaults() {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
}

// Relay is the http.Handler serving the /ws endpoint.
type Relay struct {
	cfg      Config
	provider llm.Provider
	opts     llm.Options
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// New creates a relay that streams from provider. bus may be nil.
func New(provider llm.Provider, opts llm.Options, bus *eventbus.Bus, cfg Config) *Relay {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		provider: provider,
		opts:     opts,
		bus:      bus,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range r.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	log.Printf("[relay] rejected origin %s", origin)
	return false
}

// ServeHTTP upgrades the connection and runs the session until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	s := newSession(r, conn)
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.sessions[s.id] = s
	r.wg.Add(1)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
		r.wg.Done()
	}()

	s.run()
}

// Sessions returns the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveTasks returns the number of in-flight messages across all sessions.
func (r *Relay) ActiveTasks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		n += s.activeTasks()
	}
	return n
}

// TaskStates returns how many in-flight messages are in each state, keyed by
// the state's name. States with no tasks are omitted.
func (r *Relay) TaskStates() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range r.sessions {
		s.countStates(counts)
	}
	return counts
}

// Shutdown closes every session, cancelling in-flight tasks, and waits for
// them to finish or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) publish(topic eventbus.Topic, payload any) {
	if r.bus != nil {
		r.bus.PublishAsync(topic, payload)
	}
}
