package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbot/internal/eventbus"
	"zbot/internal/llm"
)

// scripted streams a fixed script per message. A script entry starting with
// "!err:" becomes a stream error, "!panic" panics, "!block" waits for cancel.
type scripted struct {
	mu        sync.Mutex
	scripts   map[string][]string
	delay     time.Duration
	cancelled chan string
}

func newScripted(scripts map[string][]string) *scripted {
	return &scripted{scripts: scripts, cancelled: make(chan string, 16)}
}

func (p *scripted) Name() string                         { return "scripted" }
func (p *scripted) HealthCheck(ctx context.Context) bool { return true }

func (p *scripted) GenerateOnce(ctx context.Context, message string, opts llm.Options) (string, error) {
	return strings.Join(p.scripts[message], ""), nil
}

func (p *scripted) GenerateStream(ctx context.Context, message string, opts llm.Options) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	script := p.scripts[message]
	p.mu.Unlock()

	if len(script) > 0 && script[0] == "!panic" {
		panic("provider exploded")
	}
	if len(script) > 0 && strings.HasPrefix(script[0], "!fail:") {
		return nil, &llm.RawError{Provider: "scripted", Kind: llm.KindTransport, Message: strings.TrimPrefix(script[0], "!fail:")}
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, item := range script {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					p.cancelled <- message
					return
				}
			}
			ev := llm.StreamEvent{ContentDelta: item}
			switch {
			case item == "!block":
				<-ctx.Done()
				p.cancelled <- message
				return
			case strings.HasPrefix(item, "!err:"):
				ev = llm.StreamEvent{Error: &llm.RawError{Provider: "scripted", Kind: llm.KindStream, Message: strings.TrimPrefix(item, "!err:")}}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				p.cancelled <- message
				return
			}
		}
	}()
	return ch, nil
}

func startRelay(t *testing.T, p llm.Provider, bus *eventbus.Bus) (*Relay, *websocket.Conn) {
	t.Helper()
	r := New(p, llm.Options{}, bus, Config{})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
		srv.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return r, conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// readN reads n text frames.
func readN(t *testing.T, conn *websocket.Conn, n int) []string {
	t.Helper()
	var out []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "got %v so far", out)
		out = append(out, string(data))
	}
	return out
}

// expectSilence asserts no frame arrives for a short while.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %q", data)
	}
}

// subsequence reports whether want appears in got in order.
func subsequence(got, want []string) bool {
	i := 0
	for _, g := range got {
		if i < len(want) && g == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestStreamsFragmentsInOrder(t *testing.T) {
	p := newScripted(map[string][]string{"hi": {"Hel", "lo", ",", " world"}})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "hi")
	assert.Equal(t, []string{"Hel", "lo", ",", " world"}, readN(t, conn, 4))
	expectSilence(t, conn)
}

func TestAnomalousFragmentEndsMessage(t *testing.T) {
	p := newScripted(map[string][]string{
		"q": {"partial ", "[ERROR] insufficient_quota for this key", "never sent"},
	})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "q")
	assert.Equal(t, []string{"partial ", "Quota limit reached"}, readN(t, conn, 2))
	expectSilence(t, conn)

	select {
	case msg := <-p.cancelled:
		assert.Equal(t, "q", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream was not cancelled")
	}
}

func TestOversizedAndHTMLFragments(t *testing.T) {
	p := newScripted(map[string][]string{
		"big":  {strings.Repeat("x", 501)},
		"html": {"<!DOCTYPE html><html>Error 520</html>"},
	})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "big")
	assert.Equal(t, []string{"Service unavailable"}, readN(t, conn, 1))

	send(t, conn, "html")
	assert.Equal(t, []string{"OpenAI is down"}, readN(t, conn, 1))
}

func TestStreamErrorIsClassified(t *testing.T) {
	p := newScripted(map[string][]string{
		"r": {"a", "!err:429 Too Many Requests"},
		"k": {"!fail:401 unauthorized"},
	})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "r")
	assert.Equal(t, []string{"a", "Rate limit reached"}, readN(t, conn, 2))

	send(t, conn, "k")
	assert.Equal(t, []string{"API key invalid"}, readN(t, conn, 1))
}

func TestFailureDoesNotAffectConcurrentMessage(t *testing.T) {
	p := newScripted(map[string][]string{
		"good": {"g1", "g2", "g3", "g4", "g5"},
		"bad":  {"b1", "[ERROR] rate limit"},
	})
	p.delay = 20 * time.Millisecond
	_, conn := startRelay(t, p, nil)

	send(t, conn, "good")
	send(t, conn, "bad")

	got := readN(t, conn, 7)
	assert.True(t, subsequence(got, []string{"g1", "g2", "g3", "g4", "g5"}), "%v", got)
	assert.True(t, subsequence(got, []string{"b1", "Rate limit reached"}), "%v", got)
	expectSilence(t, conn)
}

func TestPanicBecomesServiceUnavailable(t *testing.T) {
	p := newScripted(map[string][]string{
		"boom": {"!panic"},
		"ok":   {"fine"},
	})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "boom")
	assert.Equal(t, []string{"Service unavailable"}, readN(t, conn, 1))

	send(t, conn, "ok")
	assert.Equal(t, []string{"fine"}, readN(t, conn, 1))
}

func TestEmptyMessagesIgnored(t *testing.T) {
	p := newScripted(map[string][]string{"x": {"y"}})
	_, conn := startRelay(t, p, nil)

	send(t, conn, "   ")
	send(t, conn, "x")
	assert.Equal(t, []string{"y"}, readN(t, conn, 1))
}

func TestCloseCancelsInFlightTasks(t *testing.T) {
	p := newScripted(map[string][]string{"wait": {"first", "!block"}})
	r, conn := startRelay(t, p, nil)

	send(t, conn, "wait")
	assert.Equal(t, []string{"first"}, readN(t, conn, 1))
	require.Eventually(t, func() bool { return r.ActiveTasks() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	select {
	case msg := <-p.cancelled:
		assert.Equal(t, "wait", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not cancelled on close")
	}
	require.Eventually(t, func() bool { return r.Sessions() == 0 && r.ActiveTasks() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	p := newScripted(map[string][]string{"wait": {"!block"}})
	r, conn := startRelay(t, p, nil)

	send(t, conn, "wait")
	require.Eventually(t, func() bool { return r.ActiveTasks() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, 0, r.Sessions())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestOutcomesPublished(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var failed []eventbus.Outcome
	completed := 0
	bus.Subscribe(eventbus.TopicStreamFailed, func(e eventbus.Event) {
		mu.Lock()
		failed = append(failed, e.Payload.(eventbus.Outcome))
		mu.Unlock()
	})
	bus.Subscribe(eventbus.TopicStreamCompleted, func(e eventbus.Event) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	p := newScripted(map[string][]string{
		"ok":  {"a", "b"},
		"bad": {"!err:billing hard limit"},
	})
	_, conn := startRelay(t, p, bus)

	send(t, conn, "ok")
	readN(t, conn, 2)
	send(t, conn, "bad")
	readN(t, conn, 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completed == 1 && len(failed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "quota_exceeded", failed[0].Category)
	assert.Equal(t, eventbus.SourceRelay, failed[0].Source)
	assert.Contains(t, failed[0].Detail, "billing hard limit")
}

func TestCheckOrigin(t *testing.T) {
	r := New(newScripted(nil), llm.Options{}, nil, Config{AllowedOrigins: []string{"http://ok.test"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	req.Header.Set("Origin", "http://ok.test")
	assert.True(t, r.checkOrigin(req))
	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, r.checkOrigin(req))
	req.Header.Del("Origin")
	assert.True(t, r.checkOrigin(req))

	open := New(newScripted(nil), llm.Options{}, nil, Config{AllowedOrigins: []string{"*"}})
	req.Header.Set("Origin", "http://any.test")
	assert.True(t, open.checkOrigin(req))
}

func TestTaskStatesReportInFlightMessages(t *testing.T) {
	p := newScripted(map[string][]string{"wait": {"first", "!block"}})
	r, conn := startRelay(t, p, nil)
	assert.Empty(t, r.TaskStates())

	send(t, conn, "wait")
	assert.Equal(t, []string{"first"}, readN(t, conn, 1))
	require.Eventually(t, func() bool {
		return r.TaskStates()[TaskStreaming.String()] == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return len(r.TaskStates()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTaskStateTransitions(t *testing.T) {
	tk := &task{id: "t1", state: TaskDispatching}
	assert.Equal(t, "dispatching", tk.current().String())

	tk.set(TaskStreaming)
	assert.Equal(t, TaskStreaming, tk.current())
	tk.set(TaskFailed)
	assert.Equal(t, "failed", tk.current().String())
	assert.Equal(t, "TaskState(9)", TaskState(9).String())
}

func TestOversizedFragmentDetailIsClipped(t *testing.T) {
	bus := eventbus.New()
	failed := make(chan eventbus.Outcome, 1)
	bus.Subscribe(eventbus.TopicStreamFailed, func(e eventbus.Event) {
		failed <- e.Payload.(eventbus.Outcome)
	})

	huge := strings.Repeat("é", 100_000)
	p := newScripted(map[string][]string{"big": {huge}})
	_, conn := startRelay(t, p, bus)

	send(t, conn, "big")
	assert.Equal(t, []string{"Service unavailable"}, readN(t, conn, 1))

	select {
	case out := <-failed:
		assert.LessOrEqual(t, len(out.Detail), maxEventDetail+len("..."))
		assert.True(t, strings.HasSuffix(out.Detail, "..."))
		assert.True(t, utf8.ValidString(out.Detail))
	case <-time.After(2 * time.Second):
		t.Fatal("no failure outcome published")
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc...", clip("abcdef", 3))
	// "é" is two bytes; a cut inside it backs up to the rune start.
	assert.Equal(t, "a...", clip("aé", 2))
}
