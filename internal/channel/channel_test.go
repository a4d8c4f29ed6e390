package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	name     string
	startErr error
	running  bool
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}
func (s *stubChannel) Stop(ctx context.Context) error                      { s.running = false; return nil }
func (s *stubChannel) Send(ctx context.Context, msg OutboundMessage) error { return nil }
func (s *stubChannel) OnMessage(handler func(InboundMessage))              {}
func (s *stubChannel) IsRunning() bool                                     { return s.running }

func TestManagerStartAllContinuesPastFailure(t *testing.T) {
	m := NewManager()
	bad := &stubChannel{name: "a-bad", startErr: errors.New("no token")}
	good := &stubChannel{name: "b-good"}
	m.Register(bad)
	m.Register(good)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a-bad")
	assert.Equal(t, map[string]bool{"a-bad": false, "b-good": true}, m.List())

	m.StopAll(context.Background())
	assert.False(t, good.IsRunning())
}

func TestManagerGet(t *testing.T) {
	m := NewManager()
	m.Register(&stubChannel{name: "x"})

	_, ok := m.Get("x")
	assert.True(t, ok)
	_, ok = m.Get("y")
	assert.False(t, ok)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleChannel(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsoleChannel(strings.NewReader("hello\n\n  \nsecond line\n"), out)

	var mu sync.Mutex
	var got []string
	c.OnMessage(func(msg InboundMessage) {
		mu.Lock()
		got = append(got, msg.Text)
		mu.Unlock()
		_ = c.Send(context.Background(), OutboundMessage{ChatID: msg.ChatID, Text: "echo " + msg.Text})
	})

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("console channel did not finish at EOF")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello", "second line"}, got)
	assert.Contains(t, out.String(), "[ZBot]: echo hello")
	assert.Contains(t, out.String(), "[ZBot]: echo second line")
	assert.False(t, c.IsRunning())
}

func TestConsoleChannelRestart(t *testing.T) {
	pr, pw := io.Pipe()
	c := NewConsoleChannel(pr, &syncBuffer{})

	wait := func(done <-chan struct{}) {
		t.Helper()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("console run did not end")
		}
	}

	require.NoError(t, c.Start(context.Background()))
	first := c.Done()
	require.NoError(t, c.Stop(context.Background()))
	wait(first)

	require.NoError(t, c.Start(context.Background()))
	second := c.Done()
	assert.NotEqual(t, first, second)
	assert.True(t, c.IsRunning())

	require.NoError(t, c.Stop(context.Background()))
	wait(second)
	assert.False(t, c.IsRunning())
	_ = pw.Close()
}

func TestSplitRunes(t *testing.T) {
	assert.Nil(t, SplitRunes("", 4))
	assert.Equal(t, []string{"abc"}, SplitRunes("abc", 4))
	assert.Equal(t, []string{"abcd", "ef"}, SplitRunes("abcdef", 4))
	assert.Equal(t, []string{"日本", "語"}, SplitRunes("日本語", 2))
}
