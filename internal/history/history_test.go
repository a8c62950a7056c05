package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestEvent_JSONShape(t *testing.T) {
	e := Event{
		Type:       EventTransition,
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Record:     Record{App: "SteamVR", Name: "vrserver.exe", PID: 42, From: "running", To: "not_running"},
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "transition" {
		t.Fatalf("unexpected type: %v", m["type"])
	}
	rec, ok := m["record"].(map[string]any)
	if !ok {
		t.Fatalf("missing record in payload: %v", m)
	}
	if rec["name"] != "vrserver.exe" || rec["to"] != "not_running" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["reason"]; ok {
		t.Fatalf("empty reason should be omitted: %v", rec)
	}
}

func TestSendAll_ContinuesPastFailures(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	e := Event{Type: EventRecovery, OccurredAt: time.Now(), Record: Record{Reason: "ok"}}

	err := SendAll(context.Background(), []Sink{bad, good}, e)
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(good.events) != 1 {
		t.Fatalf("good sink should still receive the event, got %d", len(good.events))
	}
	if err := SendAll(context.Background(), nil, e); err != nil {
		t.Fatalf("no sinks should be a no-op: %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	if err := CloseAll([]Sink{a, b}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("expected both sinks closed")
	}
}
