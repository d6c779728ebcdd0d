package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch     EventType = "launch"
	EventExit       EventType = "exit"
	EventKill       EventType = "kill"
	EventCheckpoint EventType = "checkpoint"
)

// Event is one lifecycle fact exported to external systems. Task events
// carry PID/ExitCode; checkpoint events carry Count and the save reason in
// Detail.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Count      int       `json:"count"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := Close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases sink when it implements io.Closer.
func Close(sink Sink) error {
	if c, ok := sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Emit sends e to sink when one is configured, filling OccurredAt. Export
// failures are logged and never interrupt the caller.
func Emit(ctx context.Context, sink Sink, log *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := sink.Send(ctx, e); err != nil && log != nil {
		log.Warn("history export failed", "event", e.Type, "name", e.Name, "error", err)
	}
}
