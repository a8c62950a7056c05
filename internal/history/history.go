package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	// EventTransition is a tracked process flipping between running and not running.
	EventTransition EventType = "transition"
	// EventRecovery is one automatic or requested compositor recovery run.
	EventRecovery EventType = "recovery"
	// EventLink is a start, stop or reset of the link service.
	EventLink EventType = "link"
)

// Record is the payload of an Event. From and To hold state names for
// transitions; Reason carries the outcome or operation for the other types.
type Record struct {
	App    string `json:"app"`
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can return what they stored.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// DefaultTable is the table or index events are written to.
const DefaultTable = "vr_history"

// SendAll delivers e to every sink. Failures are logged and joined.
func SendAll(ctx context.Context, sinks []Sink, e Event) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "type", e.Type, "name", e.Record.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every sink that has a Close method.
func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
