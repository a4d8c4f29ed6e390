package incident

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zbot/internal/eventbus"
)

func newTestStore(t *testing.T) *SQLiteStore {
	store, err := Open(filepath.Join(t.TempDir(), "nested", "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"rate_limited", "auth_invalid", "upstream_down"} {
		if err := store.Record(ctx, Incident{Category: c, Provider: "openai", Source: "relay"}); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(recent))
	}
	if recent[0].Category != "upstream_down" {
		t.Fatalf("expected newest first, got %q", recent[0].Category)
	}
	if recent[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestDetailIsClipped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("é", maxDetailBytes)
	if err := store.Record(ctx, Incident{Category: "upstream_down", Provider: "p", Source: "http", Detail: long}); err != nil {
		t.Fatal(err)
	}
	recent, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent[0].Detail) > maxDetailBytes {
		t.Fatalf("detail not clipped: %d bytes", len(recent[0].Detail))
	}
	if !strings.HasSuffix(recent[0].Detail, "é") {
		t.Fatal("detail clipped mid-character")
	}
}

func TestCountsSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Record(ctx, Incident{Category: "rate_limited", Provider: "p", Source: "relay", CreatedAt: now.Add(-2 * time.Hour)})
	store.Record(ctx, Incident{Category: "rate_limited", Provider: "p", Source: "relay", CreatedAt: now})
	store.Record(ctx, Incident{Category: "rate_limited", Provider: "p", Source: "relay", CreatedAt: now})
	store.Record(ctx, Incident{Category: "auth_invalid", Provider: "p", Source: "http", CreatedAt: now})

	counts, err := store.Counts(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if counts["rate_limited"] != 2 || counts["auth_invalid"] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.db")
	first, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first.Record(context.Background(), Incident{Category: "x", Provider: "p", Source: "relay"})
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	recent, err := second.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected data to survive reopen, got %d rows", len(recent))
	}
}

func TestAttachRecordsFailures(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bus := eventbus.New()
	detach := Attach(store, bus)

	bus.Publish(eventbus.TopicStreamFailed, eventbus.Outcome{
		Source: eventbus.SourceRelay, SessionID: "s1", Provider: "openai",
		Category: "quota_exceeded", Detail: "insufficient_quota", Duration: 1500 * time.Millisecond,
	})
	bus.Publish(eventbus.TopicReplyFailed, eventbus.Outcome{Source: eventbus.SourceHTTP, Provider: "openai", Category: "auth_invalid"})
	bus.Publish(eventbus.TopicStreamCompleted, eventbus.Outcome{Source: eventbus.SourceRelay, Provider: "openai"})

	detach()
	bus.Publish(eventbus.TopicReplyFailed, eventbus.Outcome{Source: eventbus.SourceHTTP, Provider: "openai", Category: "rate_limited"})

	recent, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(recent))
	}
	first := recent[1]
	if first.Category != "quota_exceeded" || first.SessionID != "s1" || first.Duration != 1500 {
		t.Fatalf("unexpected incident %+v", first)
	}
	if first.Detail != "insufficient_quota" {
		t.Fatalf("expected detail to be stored, got %q", first.Detail)
	}
}
