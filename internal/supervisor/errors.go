package supervisor

import (
	"errors"
	"fmt"
)

// ErrKilled is returned by Await for a process that was ended by Terminate.
var ErrKilled = errors.New("task was killed")

// LaunchError reports a task that could not be started: a missing or
// non-runnable executable, a bad working directory, or a failed fork/exec.
type LaunchError struct {
	Name    string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch task %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProcessError reports a task that exited with a non-zero code. Code is -1
// when the process was ended by a signal it did not receive from Terminate.
type ProcessError struct {
	Name   string
	Code   int
	Stderr string // tail of the captured stderr
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("task %s exited with code %d: %s", e.Name, e.Code, e.Stderr)
	}
	return fmt.Sprintf("task %s exited with code %d", e.Name, e.Code)
}
