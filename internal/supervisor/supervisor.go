package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/evolset/internal/history"
	"github.com/loykin/evolset/internal/metrics"
)

const (
	defaultKillWait  = 5 * time.Second
	defaultWaitDelay = 2 * time.Second
	stderrTail       = 512
)

// Supervisor launches external tasks and owns their handles until they are
// awaited or terminated.
type Supervisor struct {
	mu    sync.Mutex
	procs []*Process

	log      *slog.Logger
	sink     history.Sink
	runID    string
	env      []string
	killWait time.Duration
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithHistory exports launch/exit/kill events to sink, tagged with runID.
func WithHistory(sink history.Sink, runID string) Option {
	return func(s *Supervisor) { s.sink, s.runID = sink, runID }
}

// WithBaseEnv replaces os.Environ() as the base environment of every task.
func WithBaseEnv(env []string) Option { return func(s *Supervisor) { s.env = env } }

// WithKillWait bounds how long Terminate waits for the reaper.
func WithKillWait(d time.Duration) Option { return func(s *Supervisor) { s.killWait = d } }

func New(opts ...Option) *Supervisor {
	s := &Supervisor{killWait: defaultKillWait}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.env == nil {
		s.env = os.Environ()
	}
	return s
}

// Launch starts spec asynchronously and returns its handle. It never waits
// for the task. Any failure before the process runs is a *LaunchError.
func (s *Supervisor) Launch(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, &LaunchError{Name: spec.Name, Command: spec.Command, Err: err}
	}
	fail := func(err error) (*Process, error) {
		metrics.IncLaunch(spec.Name, false)
		s.log.Error("task launch failed", "task", spec.Name, "command", spec.CommandLine(), "error", err)
		return nil, &LaunchError{Name: spec.Name, Command: spec.Command, Err: err}
	}
	if spec.WorkDir != "" {
		if fi, err := os.Stat(spec.WorkDir); err != nil {
			return fail(err)
		} else if !fi.IsDir() {
			return fail(fmt.Errorf("workdir %s is not a directory", spec.WorkDir))
		}
	}
	path, err := resolveExecutable(spec.Command, spec.WorkDir)
	if err != nil {
		return fail(err)
	}

	// #nosec G204 -- commands come from the operator's configuration
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(append([]string(nil), s.env...), spec.Env...)
	cmd.WaitDelay = defaultWaitDelay
	configureSysProcAttr(cmd)

	p := newProcess(spec, cmd)
	var outW, errW io.Writer = &p.stdout, &p.stderr
	if spec.Log.File.Enabled() {
		fo, fe, err := spec.Log.ProcessWriters(spec.Name)
		if err != nil {
			return fail(err)
		}
		if fo != nil {
			outW = io.MultiWriter(outW, fo)
			p.closers = append(p.closers, fo)
		}
		if fe != nil {
			errW = io.MultiWriter(errW, fe)
			p.closers = append(p.closers, fe)
		}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, c := range p.closers {
			_ = c.Close()
		}
		return fail(err)
	}
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	metrics.IncLaunch(spec.Name, true)
	s.log.Info("task launched", "task", spec.Name, "pid", p.pid, "command", spec.CommandLine(), "workdir", spec.WorkDir)
	history.Emit(context.Background(), s.sink, s.log, history.Event{
		Type: history.EventLaunch, RunID: s.runID, Name: spec.Name, PID: p.pid, Detail: spec.CommandLine(),
	})

	go p.reap(s.onExit)
	return p, nil
}

func (s *Supervisor) onExit(p *Process, res ExitStatus, waitErr error) {
	name := p.Name()
	dur := res.EndedAt.Sub(res.StartedAt).Seconds()
	ev := history.Event{RunID: s.runID, Name: name, PID: p.pid, ExitCode: res.Code}
	switch {
	case res.State == StateKilled:
		metrics.ObserveExit(name, "killed", dur)
		s.log.Warn("task killed", "task", name, "pid", p.pid)
		ev.Type = history.EventKill
	case res.Code == 0:
		metrics.ObserveExit(name, "success", dur)
		s.log.Info("task finished", "task", name, "pid", p.pid, "duration", res.EndedAt.Sub(res.StartedAt))
		ev.Type = history.EventExit
	default:
		metrics.ObserveExit(name, "failure", dur)
		s.log.Error("task failed", "task", name, "pid", p.pid, "code", res.Code, "stderr", tail(res.Stderr, stderrTail))
		ev.Type = history.EventExit
		ev.Error = tail(res.Stderr, stderrTail)
	}
	if waitErr != nil && ev.Error == "" {
		ev.Error = waitErr.Error()
	}
	history.Emit(context.Background(), s.sink, s.log, ev)
}

// Await blocks until p terminates and returns its recorded status. Repeated
// calls return the same result without waiting on the OS again. A non-zero
// exit is a *ProcessError unless Spec.TolerateFailure is set; a killed
// process yields ErrKilled. Cancelling ctx abandons the wait only.
func (s *Supervisor) Await(ctx context.Context, p *Process) (ExitStatus, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ExitStatus{State: StateRunning, StartedAt: p.startedAt}, ctx.Err()
	}
	res, _ := p.Result()
	switch {
	case res.State == StateKilled:
		return res, ErrKilled
	case res.Code != 0 && !p.spec.TolerateFailure:
		return res, &ProcessError{Name: p.Name(), Code: res.Code, Stderr: tail(res.Stderr, stderrTail)}
	}
	return res, nil
}

// Terminate force-kills p and its process group and waits for it to be
// reaped. It is a no-op for a process that already exited or was killed.
func (s *Supervisor) Terminate(p *Process) error {
	if p == nil || !p.requestKill() {
		return nil
	}
	s.log.Debug("terminating task", "task", p.Name(), "pid", p.pid)
	if err := killGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill task %s: %w", p.Name(), err)
	}
	t := time.NewTimer(s.killWait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return fmt.Errorf("task %s (pid %d) not reaped %s after kill", p.Name(), p.pid, s.killWait)
	}
}

// TerminateAll terminates every process that is still running.
func (s *Supervisor) TerminateAll() error {
	var errs []error
	for _, p := range s.Processes() {
		if err := s.Terminate(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Processes returns the launched handles in launch order.
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Snapshot returns the status of every launched process.
func (s *Supervisor) Snapshot() []Status {
	procs := s.Processes()
	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Status())
	}
	return out
}
