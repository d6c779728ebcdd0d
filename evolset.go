package evolset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	ckfactory "github.com/loykin/evolset/internal/checkpoint/factory"
	cfg "github.com/loykin/evolset/internal/config"
	"github.com/loykin/evolset/internal/cron"
	"github.com/loykin/evolset/internal/history"
	histfactory "github.com/loykin/evolset/internal/history/factory"
	"github.com/loykin/evolset/internal/metrics"
	"github.com/loykin/evolset/internal/pipeline"
	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/server"
	"github.com/loykin/evolset/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = record.Record

type Store = record.Store

type Spec = supervisor.Spec

type Config = cfg.Config

type Result = pipeline.Result

type RunError = pipeline.RunError

type Consumer = pipeline.Consumer

type HistoryEvent = history.Event

// ErrInvalidRecord is returned (wrapped) for records failing validation.
var ErrInvalidRecord = record.ErrInvalidRecord

const shutdownWait = 5 * time.Second

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewStore creates an empty store persisting to path with the default
// policy (every 5 records or 300 seconds).
func NewStore(path string, opts ...record.Option) *Store { return record.NewStore(path, opts...) }

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// App is one configured run: the store with its mirrors and history sinks,
// the supervised tasks, the optional checkpoint schedule and status server.
type App struct {
	cfg      *Config
	log      *slog.Logger
	store    *record.Store
	sup      *supervisor.Supervisor
	coord    *pipeline.Coordinator
	mirrors  []record.Writer
	sink     history.Fanout
	runID    string
	consumer pipeline.Consumer
}

type AppOption func(*App)

func WithLogger(l *slog.Logger) AppOption { return func(a *App) { a.log = l } }

// WithConsumer replaces the configured hand-off.
func WithConsumer(c Consumer) AppOption { return func(a *App) { a.consumer = c } }

// NewApp wires a run from c. Close releases mirrors and history sinks.
func NewApp(c *Config, opts ...AppOption) (*App, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: c, runID: uuid.NewString()}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = c.Log.NewSlogger()
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	env, err := c.BaseEnv()
	if err != nil {
		return nil, fmt.Errorf("build task environment: %w", err)
	}
	sink, err := histfactory.NewFanout(c.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("open history sinks: %w", err)
	}
	a.sink = sink
	mirrors, err := ckfactory.NewWriters(c.Store.Mirrors)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("open checkpoint mirrors: %w", err)
	}
	a.mirrors = mirrors

	sopts := []record.Option{
		record.WithSaveCountInterval(c.Store.SaveCountInterval),
		record.WithSaveTimeInterval(c.Store.SaveTime()),
		record.WithLogger(a.log),
	}
	for _, m := range mirrors {
		sopts = append(sopts, record.WithMirror(m))
	}
	if s := a.historySink(); s != nil {
		sopts = append(sopts, record.WithSaveHook(pipeline.CheckpointHook(s, a.runID, c.Store.Path, a.log)))
	}
	if c.Store.Resume {
		a.store, err = record.OpenStore(c.Store.Path, sopts...)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	} else {
		a.store = record.NewStore(c.Store.Path, sopts...)
	}

	supOpts := []supervisor.Option{
		supervisor.WithLogger(a.log.With("run_id", a.runID)),
		supervisor.WithHistory(a.historySink(), a.runID),
		supervisor.WithBaseEnv(env),
	}
	if c.Pipeline.KillWait > 0 {
		supOpts = append(supOpts, supervisor.WithKillWait(c.Pipeline.KillWait))
	}
	a.sup = supervisor.New(supOpts...)
	if a.consumer == nil {
		a.consumer = a.handoff()
	}
	popts := []pipeline.Option{
		pipeline.WithTasks(c.TaskSpecs()...),
		pipeline.WithConsumer(a.consumer),
		pipeline.WithFailFast(c.Pipeline.FailFast),
		pipeline.WithSupervisor(a.sup),
		pipeline.WithHistory(a.historySink()),
		pipeline.WithLogger(a.log),
		pipeline.WithRunID(a.runID),
	}
	if src := c.SeedSource(); src != nil {
		popts = append(popts, pipeline.WithSeed(src))
	}
	a.coord = pipeline.New(a.store, popts...)
	return a, nil
}

// historySink returns nil when no history DSN is configured.
func (a *App) historySink() history.Sink {
	if len(a.sink) == 0 {
		return nil
	}
	return a.sink
}

func (a *App) handoff() pipeline.Consumer {
	h := a.cfg.Handoff
	if h.Command == "" {
		return pipeline.LogConsumer{Log: a.log}
	}
	return pipeline.CommandConsumer{Supervisor: a.sup, Spec: supervisor.Spec{
		Name:    "handoff",
		Command: h.Command,
		Args:    h.Args,
		WorkDir: h.WorkDir,
	}}
}

func (a *App) RunID() string { return a.runID }

func (a *App) Store() *Store { return a.store }

// Run executes the pipeline once. The checkpoint schedule and the status
// server, when configured, live for the duration of the run.
func (a *App) Run(ctx context.Context) (*Result, error) {
	if sched := a.cfg.Store.FlushSchedule; sched != "" {
		s := cron.NewScheduler(a.store, sched, a.log)
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		defer s.Stop()
	}
	if addr := a.cfg.Server.Listen; addr != "" {
		r := server.NewRouter(a.store, a.sup, a.cfg.Server.BasePath,
			server.WithRunID(a.runID), server.WithMetrics(a.cfg.Metrics.Enabled))
		srv, err := server.Start(addr, r.Handler())
		if err != nil {
			return nil, fmt.Errorf("start status server: %w", err)
		}
		a.log.Info("status server listening", "addr", srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				a.log.Warn("status server shutdown failed", "error", err)
			}
		}()
	}
	return a.coord.Run(ctx)
}

// Close releases checkpoint mirrors and history sinks.
func (a *App) Close() error {
	return errors.Join(ckfactory.Close(a.mirrors), a.sink.Close())
}

// DemoRecords returns seven sample records with epochs 0 through 6.
func DemoRecords() []Record {
	out := make([]Record, 7)
	for i := range out {
		tag := fmt.Sprintf("test%d", i)
		out[i] = Record{
			Instruction:       "hello",
			Response:          fmt.Sprintf("hi%d", i),
			Category:          tag,
			EvolutionStrategy: tag,
			Operation:         tag,
			Epoch:             i,
		}
	}
	return out
}

// Demo appends DemoRecords one at a time to a store at path with a count
// interval of 5 and a time interval of 300 seconds, then flushes it.
func Demo(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	opts := []record.Option{record.WithSaveCountInterval(5), record.WithSaveTimeInterval(300 * time.Second)}
	if log != nil {
		opts = append(opts, record.WithLogger(log))
	}
	s := record.NewStore(path, opts...)
	for _, r := range DemoRecords() {
		if err := s.Append(ctx, r); err != nil {
			return s, err
		}
	}
	return s, s.Flush(ctx)
}

// Summary describes a persisted dataset.
type Summary struct {
	Path       string         `json:"path"`
	Records    int            `json:"records"`
	Epochs     map[int]int    `json:"epochs"`
	Categories map[string]int `json:"categories"`
	Strategies map[string]int `json:"strategies"`
}

// SortedEpochs returns the epochs present in ascending order.
func (s Summary) SortedEpochs() []int {
	out := make([]int, 0, len(s.Epochs))
	for e := range s.Epochs {
		out = append(out, e)
	}
	sort.Ints(out)
	return out
}

// Inspect reads the dataset file at path and summarizes it.
func Inspect(path string) (*Summary, error) {
	doc, err := record.ReadFile(path)
	if err != nil {
		return nil, err
	}
	recs, err := doc.Records()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s := &Summary{
		Path:       path,
		Records:    len(recs),
		Epochs:     map[int]int{},
		Categories: map[string]int{},
		Strategies: map[string]int{},
	}
	for _, r := range recs {
		s.Epochs[r.Epoch]++
		s.Categories[r.Category]++
		s.Strategies[r.EvolutionStrategy]++
	}
	return s, nil
}

type historyLister interface {
	List(ctx context.Context, runID string) ([]history.Event, error)
}

// ListHistory reads back the events stored in a sqlite or postgres history
// DSN. An empty runID lists every run.
func ListHistory(ctx context.Context, dsn, runID string) ([]HistoryEvent, error) {
	sink, err := histfactory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = history.Close(sink) }()
	l, ok := sink.(historyLister)
	if !ok {
		return nil, fmt.Errorf("history backend %T cannot list events", sink)
	}
	return l.List(ctx, runID)
}
