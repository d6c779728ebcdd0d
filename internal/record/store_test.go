package record

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

type memWriter struct {
	mu   sync.Mutex
	docs []Document
	err  error
}

func (w *memWriter) Name() string { return "mem" }

func (w *memWriter) Write(_ context.Context, doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.docs = append(w.docs, doc)
	return nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.docs)
}

func (w *memWriter) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, k int, ti time.Duration, opts ...Option) (*Store, *memWriter, *fakeClock) {
	t.Helper()
	w := &memWriter{}
	clk := newFakeClock()
	base := []Option{WithWriter(w), WithClock(clk.Now), WithSaveCountInterval(k), WithSaveTimeInterval(ti)}
	s := NewStore(filepath.Join(t.TempDir(), "data.json"), append(base, opts...)...)
	return s, w, clk
}

func TestSevenAppendsWalkthrough(t *testing.T) {
	s, w, _ := newTestStore(t, 5, 300*time.Second)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := s.Add(ctx, "x", "y", "cat", "strat", "op", i); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if w.count() < 1 {
		t.Fatalf("expected at least one save, got %d", w.count())
	}
	if got := w.count(); got != 1 {
		t.Fatalf("expected exactly one save at the 5th append, got %d", got)
	}
	if got := w.docs[0].Len(); got != 5 {
		t.Fatalf("first save should hold 5 records, got %d", got)
	}
	want := []int{0, 1, 2, 3, 4, 5, 6}
	if got := s.Serialize().Epoch; !reflect.DeepEqual(got, want) {
		t.Fatalf("epochs = %v, want %v", got, want)
	}
}

func TestAppendPreservesOrderAndCount(t *testing.T) {
	s, _, _ := newTestStore(t, 3, time.Hour)
	ctx := context.Background()
	var want []Record
	for i := 0; i < 4; i++ {
		r := Record{Instruction: "i", Response: "r", Category: "c", EvolutionStrategy: "s", Operation: "o", Epoch: i}
		want = append(want, r)
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	batch := []Record{{Epoch: 10}, {Epoch: 11}, {Instruction: "dup", Epoch: 10}, {Instruction: "dup", Epoch: 10}}
	want = append(want, batch...)
	if err := s.Extend(ctx, batch); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if s.Len() != len(want) {
		t.Fatalf("len = %d, want %d", s.Len(), len(want))
	}
	if got := s.Records(); !reflect.DeepEqual(got, want) {
		t.Fatalf("records out of order:\n got %v\nwant %v", got, want)
	}
	if s.At(7).Instruction != "dup" {
		t.Fatalf("At(7) = %v", s.At(7))
	}
}

func TestTimeTriggerFiresAfterIdle(t *testing.T) {
	s, w, clk := newTestStore(t, 1000, 30*time.Second)
	ctx := context.Background()
	if err := s.Add(ctx, "a", "b", "c", "d", "e", 0); err != nil {
		t.Fatal(err)
	}
	if w.count() != 0 {
		t.Fatalf("no trigger expected yet, got %d saves", w.count())
	}
	clk.Advance(30 * time.Second)
	if err := s.Add(ctx, "a", "b", "c", "d", "e", 1); err != nil {
		t.Fatal(err)
	}
	if w.count() != 1 {
		t.Fatalf("time trigger should have saved once, got %d", w.count())
	}
	if !s.LastSave().Equal(clk.Now()) {
		t.Fatalf("last save not reset: %v vs %v", s.LastSave(), clk.Now())
	}
	// the timestamp was reset, so an immediate append does not save again
	if err := s.Add(ctx, "a", "b", "c", "d", "e", 2); err != nil {
		t.Fatal(err)
	}
	if w.count() != 1 {
		t.Fatalf("unexpected extra save: %d", w.count())
	}
}

func TestCountTriggerBound(t *testing.T) {
	for k := 1; k <= 7; k++ {
		s, w, _ := newTestStore(t, k, time.Hour)
		ctx := context.Background()
		for i := 0; i < k; i++ {
			if err := s.Add(ctx, "", "", "", "", "", 0); err != nil {
				t.Fatal(err)
			}
		}
		if w.count() < 1 {
			t.Fatalf("k=%d: expected a save after %d appends", k, k)
		}
		for i := 0; i < 3*k; i++ {
			if err := s.Add(ctx, "", "", "", "", "", 0); err != nil {
				t.Fatal(err)
			}
		}
		if got := w.count(); got != 4 {
			t.Fatalf("k=%d: expected 4 saves after %d appends, got %d", k, 4*k, got)
		}
	}
}

func TestCountIntervalBelowOneMeansEveryAppend(t *testing.T) {
	s, w, _ := newTestStore(t, 0, time.Hour)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = s.Add(ctx, "", "", "", "", "", i)
	}
	if w.count() != 3 {
		t.Fatalf("expected a save per append, got %d", w.count())
	}
}

func TestExtendEvaluatesPolicyOnce(t *testing.T) {
	s, w, _ := newTestStore(t, 5, time.Hour)
	batch := make([]Record, 12)
	if err := s.Extend(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if w.count() != 1 {
		t.Fatalf("extend crossing two multiples should save once, got %d", w.count())
	}
	if w.docs[0].Len() != 12 {
		t.Fatalf("save should include the whole batch, got %d", w.docs[0].Len())
	}
}

func TestExtendRejectsInvalidBatch(t *testing.T) {
	s, w, _ := newTestStore(t, 1, time.Hour)
	err := s.Extend(context.Background(), []Record{{Epoch: 1}, {Epoch: -1}})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if s.Len() != 0 || w.count() != 0 {
		t.Fatalf("invalid batch must not be appended: len=%d saves=%d", s.Len(), w.count())
	}
}

func TestAddRejectsNegativeEpoch(t *testing.T) {
	s, _, _ := newTestStore(t, 1, time.Hour)
	err := s.Add(context.Background(), "x", "y", "c", "s", "o", -3)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("rejected record was appended")
	}
}

func TestPersistenceFailureKeepsRecordsAndRetries(t *testing.T) {
	s, w, _ := newTestStore(t, 2, time.Hour)
	ctx := context.Background()
	w.setErr(errors.New("disk full"))

	_ = s.Add(ctx, "", "", "", "", "", 0)
	err := s.Add(ctx, "", "", "", "", "", 1)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if perr.Target != "mem" {
		t.Fatalf("unexpected target %q", perr.Target)
	}
	if s.Len() != 2 {
		t.Fatalf("records lost after failed save: %d", s.Len())
	}
	if !s.Stats().Pending {
		t.Fatalf("failed save should leave a pending retry")
	}

	w.setErr(nil)
	// the next evaluation retries even though no multiple is crossed
	saved, err := s.CheckpointIfDue(ctx)
	if err != nil || !saved {
		t.Fatalf("retry: saved=%v err=%v", saved, err)
	}
	if w.docs[0].Len() != 2 {
		t.Fatalf("retry should persist both records, got %d", w.docs[0].Len())
	}
	if s.Stats().Pending {
		t.Fatalf("pending flag should be cleared")
	}
}

func TestCheckpointIfDueIdle(t *testing.T) {
	s, w, clk := newTestStore(t, 5, 10*time.Second)
	ctx := context.Background()
	saved, err := s.CheckpointIfDue(ctx)
	if err != nil || saved {
		t.Fatalf("fresh store should not be due: saved=%v err=%v", saved, err)
	}
	clk.Advance(11 * time.Second)
	saved, err = s.CheckpointIfDue(ctx)
	if err != nil || !saved {
		t.Fatalf("idle store past interval should save: saved=%v err=%v", saved, err)
	}
	if w.count() != 1 {
		t.Fatalf("saves = %d", w.count())
	}
}

func TestFlushAlwaysSaves(t *testing.T) {
	var events []SaveEvent
	s, w, _ := newTestStore(t, 100, time.Hour, WithSaveHook(func(e SaveEvent) { events = append(events, e) }))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.count() != 2 || s.Saves() != 2 {
		t.Fatalf("flush should always save: writer=%d saves=%d", w.count(), s.Saves())
	}
	if len(events) != 2 || events[0].Reason != ReasonFlush || events[0].Err != nil {
		t.Fatalf("unexpected save events: %+v", events)
	}
}

func TestMirrorFailureIsReportedButPrimaryDurable(t *testing.T) {
	mirror := &memWriter{err: errors.New("mirror down")}
	s, w, _ := newTestStore(t, 1, time.Hour, WithMirror(mirror))
	err := s.Add(context.Background(), "", "", "", "", "", 0)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError from mirror, got %v", err)
	}
	if w.count() != 1 || s.Saves() != 1 {
		t.Fatalf("primary should have saved: %d", w.count())
	}
	mirror.setErr(nil)
	if _, err := s.CheckpointIfDue(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if mirror.count() != 1 {
		t.Fatalf("mirror should be retried, got %d", mirror.count())
	}
}

func TestCheckpointIfDueReportsPrimarySaveDespiteMirror(t *testing.T) {
	mirror := &memWriter{err: errors.New("mirror down")}
	s, w, clk := newTestStore(t, 100, 10*time.Second, WithMirror(mirror))
	ctx := context.Background()
	clk.Advance(11 * time.Second)
	saved, err := s.CheckpointIfDue(ctx)
	if !saved || err == nil {
		t.Fatalf("primary written with a mirror failure: saved=%v err=%v", saved, err)
	}
	if w.count() != 1 || s.Saves() != 1 {
		t.Fatalf("primary writes=%d saves=%d", w.count(), s.Saves())
	}

	w.setErr(errors.New("disk full"))
	saved, err = s.CheckpointIfDue(ctx)
	if saved || err == nil {
		t.Fatalf("failed primary must not count as saved: saved=%v err=%v", saved, err)
	}
}

func TestStoresDoNotShareRecords(t *testing.T) {
	a, _, _ := newTestStore(t, 100, time.Hour)
	b, _, _ := newTestStore(t, 100, time.Hour)
	_ = a.Add(context.Background(), "only-a", "", "", "", "", 0)
	if b.Len() != 0 {
		t.Fatalf("store b sees records of store a")
	}
	seed := []Record{{Epoch: 1}}
	c := NewStore(filepath.Join(t.TempDir(), "c.json"), WithRecords(seed), WithWriter(&memWriter{}))
	seed[0].Epoch = 9
	if c.At(0).Epoch != 1 {
		t.Fatalf("WithRecords must copy its input")
	}
}

func TestConcurrentProducers(t *testing.T) {
	s, w, _ := newTestStore(t, 10, time.Hour)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = s.Add(context.Background(), "", "", "", "", "", p)
			}
		}(p)
	}
	wg.Wait()
	if s.Len() != 200 {
		t.Fatalf("len = %d, want 200", s.Len())
	}
	if w.count() != 20 {
		t.Fatalf("expected one save per 10 records, got %d", w.count())
	}
}

func TestFileStoreEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "evolved.json")
	s := NewStore(path, WithSaveCountInterval(2))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Add(ctx, "hello", "hi", "test", "deepen", "constraints", i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	doc, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(doc, s.Serialize()) {
		t.Fatalf("persisted doc differs:\n got %+v\nwant %+v", doc, s.Serialize())
	}

	reopened, err := OpenStore(path, WithSaveCountInterval(2))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reopened.Len() != 3 {
		t.Fatalf("reopened len = %d", reopened.Len())
	}
	_ = reopened.Add(ctx, "again", "", "", "", "", 3)
	if reopened.Len() != 4 {
		t.Fatalf("append after reopen failed")
	}
}

func TestOpenStoreMissingFileStartsEmpty(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestFileWriterUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	// parent "directory" is a regular file
	s := NewStore(filepath.Join(blocker, "out.json"))
	err := s.Flush(context.Background())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}
