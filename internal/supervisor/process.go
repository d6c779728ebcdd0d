package supervisor

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// State is the lifecycle state of a supervised process.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateKilled    State = "killed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateKilled }

// ExitStatus is the recorded outcome of a process. Code is -1 for killed
// processes and for processes ended by a foreign signal.
type ExitStatus struct {
	State     State     `json:"state"`
	Code      int       `json:"code"`
	Stdout    []byte    `json:"-"`
	Stderr    []byte    `json:"-"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Status is a point-in-time view of a process for listings.
type Status struct {
	Name       string    `json:"name"`
	Command    string    `json:"command"`
	PID        int       `json:"pid"`
	State      State     `json:"state"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	MemoryRSS  uint64    `json:"memory_rss,omitempty"`
}

// Process is the owned handle of one launched task. The OS-level wait is
// performed exactly once by the reaper goroutine started at launch; every
// other observer reads the recorded result.
type Process struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	stdout  bytes.Buffer
	stderr  bytes.Buffer
	closers []io.Closer

	done    chan struct{} // closed by the reaper once the result is recorded and reported
	osWaits atomic.Int32

	mu            sync.Mutex
	state         State
	killRequested bool
	result        ExitStatus
}

func newProcess(spec Spec, cmd *exec.Cmd) *Process {
	return &Process{spec: spec, cmd: cmd, state: StateRunning, done: make(chan struct{})}
}

func (p *Process) Name() string { return p.spec.Name }

func (p *Process) Spec() Spec { return p.spec }

func (p *Process) PID() int { return p.pid }

// Done is closed once the process has exited and was reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the recorded exit status; ok is false while running.
func (p *Process) Result() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.state.Terminal()
}

// Status returns a snapshot; running processes are sampled for CPU and RSS.
func (p *Process) Status() Status {
	p.mu.Lock()
	st := Status{
		Name:      p.spec.Name,
		Command:   p.spec.CommandLine(),
		PID:       p.pid,
		State:     p.state,
		ExitCode:  p.result.Code,
		StartedAt: p.startedAt,
		EndedAt:   p.result.EndedAt,
	}
	p.mu.Unlock()
	if st.State == StateRunning && st.PID > 0 {
		if gp, err := gopsproc.NewProcess(int32(st.PID)); err == nil {
			if cpu, err := gp.CPUPercent(); err == nil {
				st.CPUPercent = cpu
			}
			if mi, err := gp.MemoryInfo(); err == nil && mi != nil {
				st.MemoryRSS = mi.RSS
			}
		}
	}
	return st
}

// requestKill marks the process for termination. It returns false when the
// process already reached a terminal state.
func (p *Process) requestKill() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.killRequested = true
	return true
}

// reap performs the single cmd.Wait for this process and records the result.
func (p *Process) reap(onExit func(*Process, ExitStatus, error)) {
	err := p.cmd.Wait()
	p.osWaits.Add(1)
	ended := time.Now()

	code := 0
	if ps := p.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	} else if err != nil {
		code = -1
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) && code == 0 {
		// I/O copy failures keep the exit code; the task itself succeeded.
		err = nil
	}

	for _, c := range p.closers {
		_ = c.Close()
	}

	p.mu.Lock()
	state := StateCompleted
	if p.killRequested && code == -1 {
		state = StateKilled
	}
	p.state = state
	p.result = ExitStatus{
		State:     state,
		Code:      code,
		Stdout:    append([]byte(nil), p.stdout.Bytes()...),
		Stderr:    append([]byte(nil), p.stderr.Bytes()...),
		StartedAt: p.startedAt,
		EndedAt:   ended,
	}
	res := p.result
	p.mu.Unlock()

	if onExit != nil {
		onExit(p, res, err)
	}
	close(p.done)
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
