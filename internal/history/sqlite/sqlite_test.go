package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/vrlink/internal/history"
)

func transition(name, from, to string, at time.Time) history.Event {
	return history.Event{
		Type:       history.EventTransition,
		OccurredAt: at,
		Record:     history.Record{App: "SteamVR", Name: name, PID: 100, From: from, To: to},
	}
}

func TestSQLiteSink_FileRoundTrip(t *testing.T) {
	dbPath := t.TempDir() + "/history.db"

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := sink.Send(ctx, transition("vrserver.exe", "not_running", "running", t0)); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	if err := sink.Send(ctx, transition("vrserver.exe", "running", "not_running", t0.Add(time.Minute))); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	got, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Record.To != "not_running" || !got[0].OccurredAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected newest first, got %+v", got[0])
	}
	if got[1].Type != history.EventTransition || got[1].Record.App != "SteamVR" {
		t.Fatalf("unexpected oldest event: %+v", got[1])
	}
}

func TestSQLiteSink_InMemoryWithPrefix(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	rec := history.Event{Type: history.EventRecovery, OccurredAt: time.Now(), Record: history.Record{App: "SteamVR", Name: "vrserver.exe", Reason: "ok"}}
	for i := 0; i < 3; i++ {
		if err := sink.Send(ctx, rec); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	got, err := sink.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Record.Reason != "ok" {
		t.Fatalf("unexpected events: %+v", got)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestSQLiteSink_ImplementsReader(t *testing.T) {
	var _ history.Reader = (*Sink)(nil)
	var _ history.Sink = (*Sink)(nil)
}
