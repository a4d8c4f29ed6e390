package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"zbot/internal/classify"
	"zbot/internal/eventbus"
)

// Failure details are clipped before they are logged or published; a bad
// fragment can be arbitrarily large.
const (
	maxLogDetail   = 200
	maxEventDetail = 1 << 10
)

// TaskState tracks one inbound message through its lifetime.
type TaskState int

const (
	TaskDispatching TaskState = iota
	TaskStreaming
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskDispatching:
		return "dispatching"
	case TaskStreaming:
		return "streaming"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

type task struct {
	id     string
	cancel context.CancelFunc

	mu    sync.Mutex
	state TaskState
}

func (t *task) set(s TaskState) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	log.Printf("[relay] task %s: %s -> %s", t.id, prev, s)
}

func (t *task) current() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Session is one WebSocket connection.
type Session struct {
	id    string
	relay *Relay
	conn  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	out    chan string
	group  errgroup.Group

	mu    sync.Mutex
	tasks map[string]*task
}

func newSession(r *Relay, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(r.ctx)
	return &Session{
		id:     uuid.NewString(),
		relay:  r,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan string, r.cfg.SendBuffer),
		tasks:  make(map[string]*task),
	}
}

// run blocks until the connection is gone and every task has returned.
// Output still queued when the session closes is dropped.
func (s *Session) run() {
	remote := s.conn.RemoteAddr().String()
	log.Printf("[relay] session %s opened from %s", s.id, remote)
	s.relay.publish(eventbus.TopicSessionOpened, eventbus.Session{ID: s.id, Remote: remote})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump()
	}()

	s.readLoop()

	s.cancel()
	_ = s.group.Wait()
	<-pumpDone

	log.Printf("[relay] session %s closed", s.id)
	s.relay.publish(eventbus.TopicSessionClosed, eventbus.Session{ID: s.id, Remote: remote})
}

// readLoop is the only reader of the connection.
func (s *Session) readLoop() {
	cfg := s.relay.cfg
	s.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && s.ctx.Err() == nil {
				log.Printf("[relay] session %s read error: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if msgType != websocket.TextMessage {
			log.Printf("[relay] session %s: ignoring message type %d", s.id, msgType)
			continue
		}
		text := string(data)
		if strings.TrimSpace(text) == "" {
			continue
		}
		s.dispatch(text)
	}
}

// writePump is the only writer of the connection.
func (s *Session) writePump() {
	cfg := s.relay.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.Printf("[relay] session %s write error: %v", s.id, err)
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}

// dispatch starts an independent task for one inbound message.
func (s *Session) dispatch(text string) {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{id: uuid.NewString(), cancel: cancel, state: TaskDispatching}

	s.mu.Lock()
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.relay.publish(eventbus.TopicMessageReceived, eventbus.Outcome{
		Source:    eventbus.SourceRelay,
		SessionID: s.id,
		TaskID:    t.id,
		Provider:  s.relay.provider.Name(),
	})

	s.group.Go(func() error {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.tasks, t.id)
			s.mu.Unlock()
		}()
		s.stream(ctx, t, text)
		return nil
	})
}

// stream relays one message's fragments in order. It ends in exactly one of
// Completed or Failed; after a failure nothing more is sent for the message.
func (s *Session) stream(ctx context.Context, t *task, text string) {
	start := time.Now()
	fragments := 0
	outcome := eventbus.Outcome{
		Source:    eventbus.SourceRelay,
		SessionID: s.id,
		TaskID:    t.id,
		Provider:  s.relay.provider.Name(),
	}

	fail := func(category classify.Category, detail string) {
		t.cancel()
		t.set(TaskFailed)
		log.Printf("[relay] session %s task %s failed (%s): %s", s.id, t.id, category, clip(detail, maxLogDetail))
		s.enqueue(s.ctx, category.Message())

		outcome.Category = string(category)
		outcome.Detail = clip(detail, maxEventDetail)
		outcome.Fragments = fragments
		outcome.Duration = time.Since(start)
		s.relay.publish(eventbus.TopicStreamFailed, outcome)
	}

	defer func() {
		if r := recover(); r != nil {
			fail(classify.ServiceUnavailable, fmt.Sprintf("panic: %v", r))
		}
	}()

	events, err := s.relay.provider.GenerateStream(ctx, text, s.relay.opts)
	if err != nil {
		fail(classify.Error(err), err.Error())
		return
	}
	t.set(TaskStreaming)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				t.set(TaskCompleted)
				outcome.Fragments = fragments
				outcome.Duration = time.Since(start)
				s.relay.publish(eventbus.TopicStreamCompleted, outcome)
				return
			}
			if ev.Error != nil {
				if errors.Is(ev.Error, context.Canceled) && ctx.Err() != nil {
					return
				}
				fail(classify.Error(ev.Error), ev.Error.Error())
				return
			}
			if classify.IsAnomalous(ev.ContentDelta) {
				fail(classify.Fragment(ev.ContentDelta), ev.ContentDelta)
				return
			}
			if !s.enqueue(ctx, ev.ContentDelta) {
				return
			}
			fragments++
		}
	}
}

// enqueue hands msg to the write pump. It reports false once ctx is done.
func (s *Session) enqueue(ctx context.Context, msg string) bool {
	select {
	case s.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) activeTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// countStates adds the state of every live task to counts.
func (s *Session) countStates(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		counts[t.current().String()]++
	}
}

// clip shortens s to at most n bytes on a character boundary, marking the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
