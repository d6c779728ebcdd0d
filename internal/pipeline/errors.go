package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// TaskFailure names a task that failed to launch or finished unsuccessfully.
type TaskFailure struct {
	Name string
	Err  error
}

// RunError is the terminal failure of a run. LastCheckpoint is the time of
// the last successful save, zero when nothing was persisted, so a re-run can
// tell how much data is already durable.
//
// Failed lists every task that did not succeed. A sibling that exits
// non-zero on its own while cleanup is terminating it is reported there too,
// next to the task that triggered the cleanup; only tasks ended by the kill
// itself are left out.
type RunError struct {
	RunID          string
	Failed         []TaskFailure
	LastCheckpoint time.Time
	Err            error // failures not tied to a task: seed, flush, hand-off, cancellation
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s failed", e.RunID)
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "; task %s: %v", f.Name, f.Err)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "; %v", e.Err)
	}
	if e.LastCheckpoint.IsZero() {
		b.WriteString("; no checkpoint saved")
	} else {
		fmt.Fprintf(&b, "; last checkpoint %s", e.LastCheckpoint.Format(time.RFC3339))
	}
	return b.String()
}

// Unwrap exposes every task error and Err to errors.Is/As.
func (e *RunError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed)+1)
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// FailedNames lists the failed task names in the order of Failed.
func (e *RunError) FailedNames() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Name)
	}
	return out
}
