// Package pipeline sequences a run: background tasks are launched, the store
// is populated while they work, every task is awaited or terminated, the
// store is flushed and only then handed to the next stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/evolset/internal/history"
	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/seed"
	"github.com/loykin/evolset/internal/supervisor"
)

// settleWait bounds the final read of a task's status after cleanup.
const settleWait = time.Second

// Consumer receives the flushed store once every task succeeded.
type Consumer interface {
	Consume(ctx context.Context, store *record.Store) error
}

// TaskResult is the recorded outcome of one launched task.
type TaskResult struct {
	Name   string                `json:"name"`
	Status supervisor.ExitStatus `json:"status"`
	Err    error                 `json:"-"`
}

// Result summarizes a run, successful or not.
type Result struct {
	RunID          string       `json:"run_id"`
	Tasks          []TaskResult `json:"tasks"`
	Records        int          `json:"records"`
	Saves          int          `json:"saves"`
	LastCheckpoint time.Time    `json:"last_checkpoint"`
	Output         string       `json:"output"`
}

type Coordinator struct {
	store    *record.Store
	sup      *supervisor.Supervisor
	seed     seed.Source
	tasks    []supervisor.Spec
	consumer Consumer
	failFast bool
	sink     history.Sink
	log      *slog.Logger
	runID    string
	killWait time.Duration
}

type Option func(*Coordinator)

func WithTasks(specs ...supervisor.Spec) Option {
	return func(c *Coordinator) { c.tasks = append(c.tasks, specs...) }
}

func WithSeed(src seed.Source) Option { return func(c *Coordinator) { c.seed = src } }

func WithConsumer(cons Consumer) Option { return func(c *Coordinator) { c.consumer = cons } }

// WithFailFast chooses whether the first task failure terminates the
// remaining tasks (true, the default) or lets them run to completion.
func WithFailFast(v bool) Option { return func(c *Coordinator) { c.failFast = v } }

// WithSupervisor supplies the supervisor; by default one is created with the
// coordinator's logger, history sink and run id.
func WithSupervisor(s *supervisor.Supervisor) Option { return func(c *Coordinator) { c.sup = s } }

func WithHistory(sink history.Sink) Option { return func(c *Coordinator) { c.sink = sink } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithRunID overrides the generated run id.
func WithRunID(id string) Option { return func(c *Coordinator) { c.runID = id } }

// WithKillWait bounds how long termination waits for each task.
func WithKillWait(d time.Duration) Option { return func(c *Coordinator) { c.killWait = d } }

func New(store *record.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store, failFast: true}
	for _, o := range opts {
		o(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("run_id", c.runID)
	if c.sup == nil {
		sopts := []supervisor.Option{supervisor.WithLogger(c.log), supervisor.WithHistory(c.sink, c.runID)}
		if c.killWait > 0 {
			sopts = append(sopts, supervisor.WithKillWait(c.killWait))
		}
		c.sup = supervisor.New(sopts...)
	}
	return c
}

func (c *Coordinator) RunID() string { return c.runID }

func (c *Coordinator) Supervisor() *supervisor.Supervisor { return c.sup }

func (c *Coordinator) Store() *record.Store { return c.store }

// Run executes the pipeline. Every launched task is awaited or terminated
// before Run returns, whatever failed. On failure the error is a *RunError
// and the returned Result still describes what happened.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	c.log.Info("run started", "tasks", len(c.tasks), "output", c.store.Path())
	var (
		failures []TaskFailure
		errs     []error
	)

	procs, launchFail := c.launchAll()
	if launchFail != nil {
		failures = append(failures, *launchFail)
		// nothing else may start; clean up what already runs
		c.terminate(procs)
		return c.finish(ctx, procs, failures, errs, false)
	}

	trip := make(chan struct{})
	var tripOnce sync.Once
	fail := func() { tripOnce.Do(func() { close(trip) }) }

	// outcomes are read back in finish; Await is idempotent
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.sup.Await(ctx, p); err != nil && !errors.Is(err, supervisor.ErrKilled) {
				fail()
			}
		}()
	}

	if err := c.populate(ctx); err != nil {
		errs = append(errs, err)
		fail()
	}

	joined := make(chan struct{})
	go func() { wg.Wait(); close(joined) }()
	if c.failFast {
		select {
		case <-joined:
		case <-trip:
			c.log.Warn("failure detected, terminating remaining tasks")
			c.terminate(procs)
			<-joined
		}
	} else {
		<-joined
	}

	// anything still running at this point (cancelled awaits) is terminated
	c.terminate(procs)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return c.finish(ctx, procs, failures, errs, true)
}

func (c *Coordinator) launchAll() ([]*supervisor.Process, *TaskFailure) {
	procs := make([]*supervisor.Process, 0, len(c.tasks))
	for _, spec := range c.tasks {
		p, err := c.sup.Launch(spec)
		if err != nil {
			return procs, &TaskFailure{Name: taskName(spec), Err: err}
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func taskName(s supervisor.Spec) string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Command)
}

func (c *Coordinator) populate(ctx context.Context) error {
	if c.seed == nil {
		return nil
	}
	recs, err := c.seed.Load(ctx)
	if err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	if err := c.store.Extend(ctx, recs); err != nil {
		return fmt.Errorf("populate store: %w", err)
	}
	c.log.Info("store populated from seed", "records", len(recs))
	return nil
}

func (c *Coordinator) terminate(procs []*supervisor.Process) {
	for _, p := range procs {
		if err := c.sup.Terminate(p); err != nil {
			c.log.Warn("terminate failed", "task", p.Name(), "error", err)
		}
	}
}

// finish collects the task outcomes, flushes the store when it was
// populated and hands off when nothing failed.
func (c *Coordinator) finish(ctx context.Context, procs []*supervisor.Process, failures []TaskFailure, errs []error, flush bool) (*Result, error) {
	res := &Result{RunID: c.runID, Output: c.store.Path()}
	for _, p := range procs {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleWait)
		st, err := c.sup.Await(sctx, p)
		cancel()
		res.Tasks = append(res.Tasks, TaskResult{Name: p.Name(), Status: st, Err: err})
		if err != nil && !errors.Is(err, supervisor.ErrKilled) {
			failures = append(failures, TaskFailure{Name: p.Name(), Err: err})
		}
	}

	if flush {
		// persisting what was gathered must survive a cancelled run
		if err := c.store.Flush(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
	}
	c.fillStats(res)

	if len(failures) == 0 && len(errs) == 0 && c.consumer != nil {
		if err := c.consumer.Consume(ctx, c.store); err != nil {
			errs = append(errs, fmt.Errorf("hand-off: %w", err))
		}
	}

	if len(failures) == 0 && len(errs) == 0 {
		c.log.Info("run finished", "records", res.Records, "saves", res.Saves)
		return res, nil
	}
	rerr := &RunError{RunID: c.runID, Failed: failures, LastCheckpoint: res.LastCheckpoint, Err: errors.Join(errs...)}
	c.log.Error("run failed", "failed", rerr.FailedNames(), "last_checkpoint", res.LastCheckpoint, "error", rerr.Err)
	return res, rerr
}

func (c *Coordinator) fillStats(res *Result) {
	st := c.store.Stats()
	res.Records = st.Count
	res.Saves = st.Saves
	if st.Saves > 0 {
		res.LastCheckpoint = st.LastSave
	}
}

// CheckpointHook exports every successful save as a history checkpoint event.
func CheckpointHook(sink history.Sink, runID, path string, log *slog.Logger) func(record.SaveEvent) {
	return func(ev record.SaveEvent) {
		e := history.Event{
			Type:       history.EventCheckpoint,
			OccurredAt: ev.At.UTC(),
			RunID:      runID,
			Name:       path,
			Count:      ev.Count,
			Detail:     ev.Reason,
		}
		if ev.Err != nil {
			e.Error = ev.Err.Error()
		}
		history.Emit(context.Background(), sink, log, e)
	}
}
