package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/evolset/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	events := []history.Event{
		{Type: history.EventLaunch, OccurredAt: at, RunID: "r1", Name: "prep", PID: 42, Detail: "./prep.sh -O models"},
		{Type: history.EventCheckpoint, OccurredAt: at.Add(time.Second), RunID: "r1", Name: "dataset.json", Count: 5, Detail: "count"},
		{Type: history.EventExit, OccurredAt: at.Add(2 * time.Second), RunID: "r1", Name: "prep", PID: 42, ExitCode: 2, Error: "boom"},
		{Type: history.EventLaunch, OccurredAt: at, RunID: "r2", Name: "other", PID: 7},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	got, err := sink.List(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events for r1, got %d", len(got))
	}
	for i, e := range got {
		want := events[i]
		if !e.OccurredAt.Equal(want.OccurredAt) {
			t.Errorf("event %d: occurred_at %v want %v", i, e.OccurredAt, want.OccurredAt)
		}
		e.OccurredAt, want.OccurredAt = time.Time{}, time.Time{}
		if e != want {
			t.Errorf("event %d: got %+v want %+v", i, e, want)
		}
	}

	all, err := sink.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 events overall, got %d", len(all))
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, history.Event{Type: history.EventKill, OccurredAt: time.Now(), RunID: "m", Name: "long", ExitCode: -1}); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	got, err := sink.List(ctx, "m")
	if err != nil || len(got) != 1 || got[0].ExitCode != -1 {
		t.Fatalf("unexpected list result: %+v, %v", got, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{Type: history.EventLaunch, Name: "x"}); err == nil {
		t.Error("expected an error with a cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
