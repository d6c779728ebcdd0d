package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/evolset/internal/metrics"
)

// Default checkpoint policy values.
const (
	DefaultSaveCountInterval = 5
	DefaultSaveTimeInterval  = 300 * time.Second
)

// Save reasons reported in SaveEvent.Reason.
const (
	ReasonCount = "count"
	ReasonTime  = "time"
	ReasonRetry = "retry"
	ReasonFlush = "flush"
)

// SaveEvent describes one save attempt.
type SaveEvent struct {
	Reason   string
	Count    int
	At       time.Time
	Duration time.Duration
	Err      error
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	Path     string    `json:"path"`
	Count    int       `json:"count"`
	Saves    int       `json:"saves"`
	LastSave time.Time `json:"last_save"`
	Pending  bool      `json:"pending"`
}

// Store is an ordered, append-only collection of records that persists
// itself when either the count or the time trigger fires. All methods are
// safe for concurrent use.
type Store struct {
	mu sync.Mutex

	records []Record
	path    string

	countInterval int
	timeInterval  time.Duration

	lastSave time.Time
	checked  int  // record count at the last policy evaluation
	pending  bool // a due save failed and must be retried
	saves    int

	writer  Writer
	mirrors []Writer
	hooks   []func(SaveEvent)
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRecords seeds the store. The slice is copied.
func WithRecords(recs []Record) Option {
	return func(s *Store) { s.records = append(s.records, recs...) }
}

// WithSaveCountInterval sets K; values below 1 mean every append.
func WithSaveCountInterval(k int) Option {
	return func(s *Store) { s.countInterval = k }
}

// WithSaveTimeInterval sets T; negative values are treated as zero.
func WithSaveTimeInterval(d time.Duration) Option {
	return func(s *Store) { s.timeInterval = d }
}

// WithWriter replaces the default FileWriter for the store path.
func WithWriter(w Writer) Option {
	return func(s *Store) { s.writer = w }
}

// WithMirror adds a secondary writer that receives every successful checkpoint.
func WithMirror(w Writer) Option {
	return func(s *Store) {
		if w != nil {
			s.mirrors = append(s.mirrors, w)
		}
	}
}

// WithSaveHook registers fn to observe every save attempt. fn runs with the
// store locked and must not call back into the store.
func WithSaveHook(fn func(SaveEvent)) Option {
	return func(s *Store) {
		if fn != nil {
			s.hooks = append(s.hooks, fn)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store persisting to path. Every store owns a fresh
// record slice.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		records:       make([]Record, 0),
		path:          path,
		countInterval: DefaultSaveCountInterval,
		timeInterval:  DefaultSaveTimeInterval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.countInterval < 1 {
		s.countInterval = 1
	}
	if s.timeInterval < 0 {
		s.timeInterval = 0
	}
	if s.writer == nil {
		s.writer = NewFileWriter(path)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.lastSave = s.now()
	s.checked = len(s.records)
	return s
}

// OpenStore is NewStore that first loads the document already persisted at
// path, if any, so a re-run resumes the previous dataset.
func OpenStore(path string, opts ...Option) (*Store, error) {
	doc, err := ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewStore(path, opts...), nil
		}
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	recs, err := doc.Records()
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return NewStore(path, append([]Option{WithRecords(recs)}, opts...)...), nil
}

// Add builds a record from its fields and appends it.
func (s *Store) Add(ctx context.Context, instruction, response, category, strategy, operation string, epoch int) error {
	r, err := New(instruction, response, category, strategy, operation, epoch)
	if err != nil {
		return err
	}
	return s.Append(ctx, r)
}

// Append adds r and evaluates the checkpoint policy. A *PersistenceError
// means r was kept but the save failed.
func (s *Store) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	metrics.AddRecords(1)
	_, err := s.checkpointLocked(ctx)
	return err
}

// Extend appends recs as one batch and evaluates the policy once. The batch
// is validated first; an invalid record rejects the whole batch.
func (s *Store) Extend(ctx context.Context, recs []Record) error {
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("batch index %d: %w", i, err)
		}
	}
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recs...)
	metrics.AddRecords(len(recs))
	_, err := s.checkpointLocked(ctx)
	return err
}

// CheckpointIfDue saves when the policy says so and reports whether the
// primary copy was written. A mirror failure is returned alongside true.
func (s *Store) CheckpointIfDue(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx)
}

// Flush saves unconditionally.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = len(s.records)
	return s.saveLocked(ctx, ReasonFlush)
}

func (s *Store) checkpointLocked(ctx context.Context) (bool, error) {
	cur := len(s.records)
	prev := s.checked
	s.checked = cur

	var reason string
	switch {
	case s.pending:
		reason = ReasonRetry
	case prev/s.countInterval != cur/s.countInterval:
		reason = ReasonCount
	case s.now().Sub(s.lastSave) >= s.timeInterval:
		reason = ReasonTime
	default:
		return false, nil
	}
	before := s.saves
	err := s.saveLocked(ctx, reason)
	return s.saves > before, err
}

func (s *Store) saveLocked(ctx context.Context, reason string) error {
	start := s.now()
	doc := NewDocument(s.records)
	s.log.Info("saving dataset", "path", s.path, "records", len(s.records), "reason", reason)

	if err := s.writer.Write(ctx, doc); err != nil {
		perr := &PersistenceError{Target: s.writer.Name(), Err: err}
		s.pending = true
		s.observe(reason, start, perr)
		return perr
	}
	s.lastSave = s.now()
	s.saves++
	s.pending = false

	var errs []error
	for _, m := range s.mirrors {
		if err := m.Write(ctx, doc); err != nil {
			errs = append(errs, &PersistenceError{Target: m.Name(), Err: err})
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		// The primary copy is durable; retry the mirrors on the next evaluation.
		s.pending = true
	}
	s.observe(reason, start, err)
	return err
}

func (s *Store) observe(reason string, start time.Time, err error) {
	d := s.now().Sub(start)
	metrics.ObserveCheckpoint(reason, d.Seconds(), err == nil)
	if err != nil {
		s.log.Warn("dataset save failed", "path", s.path, "reason", reason, "error", err)
	}
	ev := SaveEvent{Reason: reason, Count: len(s.records), At: start, Duration: d, Err: err}
	for _, h := range s.hooks {
		h(ev)
	}
}

// Serialize returns the column document of the current records.
func (s *Store) Serialize() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewDocument(s.records)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// At returns the i-th record in insertion order.
func (s *Store) At(i int) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[i]
}

// Records returns a copy of all records in insertion order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// LastSave returns the time of the last successful primary save, or the
// store creation time when nothing was saved yet.
func (s *Store) LastSave() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}

// Saves returns the number of successful primary saves.
func (s *Store) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *Store) Path() string { return s.path }

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Path: s.path, Count: len(s.records), Saves: s.saves, LastSave: s.lastSave, Pending: s.pending}
}

func (s *Store) String() string { return fmt.Sprintf("Store(%d)", s.Len()) }
