package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Checkpointer is the part of a record store the scheduler drives.
type Checkpointer interface {
	CheckpointIfDue(ctx context.Context) (bool, error)
}

// ValidateSchedule checks a cron expression such as "@every 30s" or
// "*/5 * * * *" (an optional leading seconds field is accepted).
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler evaluates a store's checkpoint policy on a schedule so an idle
// store still saves once its time interval elapsed. A tick that finds the
// previous evaluation still running is skipped.
type Scheduler struct {
	target   Checkpointer
	schedule string
	log      *slog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	onTick  func(saved bool, err error)
	started bool
}

func NewScheduler(target Checkpointer, schedule string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{target: target, schedule: schedule, log: log}
}

// OnTick registers fn to observe each evaluation; mainly for tests.
func (s *Scheduler) OnTick(fn func(saved bool, err error)) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// Start schedules the evaluations. The context bounds every evaluation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.c.AddFunc(s.schedule, s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule checkpoint: %w", err)
	}
	s.c.Start()
	s.started = true
	s.log.Info("checkpoint schedule started", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx, fn := s.ctx, s.onTick
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	saved, err := s.target.CheckpointIfDue(ctx)
	switch {
	case err != nil:
		s.log.Warn("scheduled checkpoint failed", "error", err)
	case saved:
		s.log.Debug("scheduled checkpoint saved")
	}
	if fn != nil {
		fn(saved, err)
	}
}

// Stop cancels the schedule and waits for a running evaluation to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c, cancel := s.c, s.cancel
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
}
