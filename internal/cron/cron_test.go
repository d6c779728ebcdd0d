package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	calls atomic.Int32
	due   atomic.Bool
	err   error
	block chan struct{}
}

func (f *fakeStore) CheckpointIfDue(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.due.Load(), f.err
}

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"@every 100ms", "@hourly", "*/5 * * * *", "0 */5 * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Errorf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every 5s", "* * *", "@every banana"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestSchedulerEvaluatesPolicy(t *testing.T) {
	f := &fakeStore{}
	f.due.Store(true)
	s := NewScheduler(f, "@every 1s", nil)
	ticks := make(chan bool, 16)
	s.OnTick(func(saved bool, err error) {
		if err == nil {
			select {
			case ticks <- saved:
			default:
			}
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	select {
	case saved := <-ticks:
		if !saved {
			t.Fatal("expected the tick to report a save")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("scheduler never ran")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestSchedulerReportsErrors(t *testing.T) {
	f := &fakeStore{err: errors.New("disk full")}
	s := NewScheduler(f, "@every 1s", nil)
	got := make(chan error, 16)
	s.OnTick(func(_ bool, err error) {
		select {
		case got <- err:
		default:
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	select {
	case err := <-got:
		if err == nil || err.Error() != "disk full" {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("scheduler never ran")
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	f := &fakeStore{block: make(chan struct{})}
	// @every rounds up to one second
	s := NewScheduler(f, "@every 1s", nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(4 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(1500 * time.Millisecond)
	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected a single in-flight evaluation, got %d", n)
	}
	// Stop cancels the blocked evaluation and waits for it
	s.Stop()
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&fakeStore{}, "nonsense", nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	s.Stop()
}
