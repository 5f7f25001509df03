// Package inhibit supervises the single external inhibitor process that keeps
// the desktop from going idle.
//
// The inhibitor is a child such as
//
//	systemd-inhibit --what=idle --who=swaddle --why="audio playing" --mode=block sh -c "sleep 25"
//
// whose own sleep bounds its lifetime, so a crashed daemon cannot inhibit
// forever. [Supervisor] guarantees at most one such child is alive and that
// every spawned child is waited on exactly once.
package inhibit

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

var (
	// ErrSpawn is returned when the inhibitor binary cannot be launched.
	ErrSpawn = errors.New("spawn inhibitor")

	// ErrReap is returned when waiting on or killing the child fails in a way
	// other than the child having already exited.
	ErrReap = errors.New("reap inhibitor")
)

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

// State is the supervisor lifecycle state.
type State int

const (
	// StateIdle means no child exists.
	StateIdle State = iota
	// StateActive means a child was spawned and has not been reaped.
	StateActive
	// StateReaping means the child is being terminated and waited on.
	StateReaping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReaping:
		return "reaping"
	default:
		return "unknown"
	}
}

// ///////////////////////////////////////////////
// Command Line
// ///////////////////////////////////////////////

// CommandFunc returns the program and arguments for an inhibitor that lives
// for d.
type CommandFunc func(d time.Duration) (name string, args []string)

// Params are the systemd-inhibit flags.
type Params struct {
	Command string
	What    string
	Who     string
	Why     string
	Mode    string
}

// SystemdInhibit returns a CommandFunc running
// "<command> --what=.. --who=.. --why=.. --mode=.. sh -c 'sleep N'".
// Empty who and why are omitted.
func SystemdInhibit(p Params) CommandFunc {
	return func(d time.Duration) (string, []string) {
		args := []string{"--what=" + p.What}
		if p.Who != "" {
			args = append(args, "--who="+p.Who)
		}
		if p.Why != "" {
			args = append(args, "--why="+p.Why)
		}
		args = append(args, "--mode="+p.Mode, "sh", "-c", "sleep "+strconv.FormatInt(sleepSeconds(d), 10))
		return p.Command, args
	}
}

// sleepSeconds rounds d up to whole seconds, minimum one.
func sleepSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ///////////////////////////////////////////////
// Handle
// ///////////////////////////////////////////////

// handle is one spawned child. done is closed by the single goroutine that
// waits on cmd; err is only read after done is closed.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	expiresAt time.Time
	done      chan struct{}
	err       error
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// waitFor reports whether the child exited within d.
func (h *handle) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// ///////////////////////////////////////////////
// Supervisor
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// Command builds the child command line. Required.
	Command CommandFunc
	// Duration is how long each child lives.
	Duration time.Duration
	// StopTimeout bounds each wait after SIGTERM and after SIGKILL.
	StopTimeout time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Info describes the current child for status reporting.
type Info struct {
	State     State
	PID       int
	StartedAt time.Time
	ExpiresAt time.Time
}

// Supervisor owns at most one inhibitor child.
//
// Commands (Start, Renew, Stop) are serialized; State, Expired and Snapshot
// never wait behind a command in progress.
type Supervisor struct {
	opts Options

	// opMu serializes commands.
	opMu sync.Mutex

	// mu guards state and cur.
	mu    sync.Mutex
	state State
	cur   *handle

	// signal delivers sig to a child's process group.
	signal func(pid int, sig syscall.Signal) error
}

// New returns an idle Supervisor.
func New(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	return &Supervisor{opts: opts, signal: signalGroup}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Expired reports whether the active child has outlived its duration or has
// already exited on its own.
func (s *Supervisor) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return false
	}
	return s.cur.exited() || !s.opts.Now().Before(s.cur.expiresAt)
}

// Snapshot returns the state and child details.
func (s *Supervisor) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{State: s.state}
	if s.cur != nil {
		info.PID = s.cur.pid
		info.StartedAt = s.cur.startedAt
		info.ExpiresAt = s.cur.expiresAt
	}
	return info
}

// Start spawns the inhibitor. It is a no-op while a child is alive. A child
// that already exited on its own is reaped before the new one is spawned.
// On spawn failure the supervisor stays idle.
func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if cur := s.current(); cur != nil {
		if !cur.exited() {
			return nil
		}
		slog.Debug("inhibitor exited on its own", "pid", cur.pid)
		if err := s.reap(cur); err != nil {
			slog.Warn("reap of exited inhibitor failed", "pid", cur.pid, "error", err)
		}
	}
	return s.spawn()
}

// Renew replaces the current child with a fresh one. The old child is reaped
// before the new one is spawned, so two children are never alive together.
// When idle, Renew behaves like Start.
func (s *Supervisor) Renew() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if cur := s.current(); cur != nil {
		if err := s.reap(cur); err != nil {
			slog.Warn("reap during renew failed", "pid", cur.pid, "error", err)
		}
	}
	return s.spawn()
}

// Stop terminates and reaps the child. Stopping an idle supervisor is a no-op.
// The child is forgotten even when an error is returned.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cur := s.current()
	if cur == nil {
		return nil
	}
	return s.reap(cur)
}

func (s *Supervisor) current() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// spawn launches a child and makes it current. Must hold opMu with no current
// child.
func (s *Supervisor) spawn() error {
	name, args := s.opts.Command(s.opts.Duration)

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = procAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawn, name, err)
	}

	now := s.opts.Now()
	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: now,
		expiresAt: now.Add(s.opts.Duration),
		done:      make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	s.mu.Lock()
	s.cur = h
	s.state = StateActive
	s.mu.Unlock()

	slog.Info("inhibitor started", "pid", h.pid, "expires_at", h.expiresAt.Format(time.RFC3339))
	return nil
}

// reap terminates h's process group and waits for it. SIGTERM comes first;
// if the child is still around after StopTimeout it is treated as a zombie,
// SIGKILLed, and waited on once more. A child that already exited is only
// collected: its PID may have been handed to another process group by now.
// h is discarded on every path.
func (s *Supervisor) reap(h *handle) error {
	s.setState(StateReaping)
	defer func() {
		s.mu.Lock()
		s.cur = nil
		s.state = StateIdle
		s.mu.Unlock()
	}()

	if h.exited() {
		return reapResult(h, true)
	}

	if err := s.signal(h.pid, syscall.SIGTERM); err != nil {
		slog.Debug("SIGTERM to inhibitor failed", "pid", h.pid, "error", err)
	}
	if h.waitFor(s.opts.StopTimeout) {
		return reapResult(h, false)
	}

	slog.Warn("inhibitor still running after SIGTERM, killing", "pid", h.pid)
	if err := s.signal(h.pid, syscall.SIGKILL); err != nil {
		slog.Debug("SIGKILL to inhibitor failed", "pid", h.pid, "error", err)
	}
	if h.waitFor(s.opts.StopTimeout) {
		return reapResult(h, false)
	}
	return fmt.Errorf("%w: pid %d did not exit after SIGKILL", ErrReap, h.pid)
}

// reapResult maps the wait outcome. An exit status, including death by our
// own signal, is success. A child that exited non-zero before we signalled it
// never held the lock, so that is logged as a warning.
func reapResult(h *handle, exitedEarly bool) error {
	if h.err == nil {
		slog.Debug("inhibitor reaped", "pid", h.pid)
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.err, &exitErr) {
		if exitedEarly && exitErr.ExitCode() != 0 {
			slog.Warn("inhibitor exited on its own", "pid", h.pid, "status", exitErr.String())
			return nil
		}
		slog.Debug("inhibitor reaped", "pid", h.pid, "status", exitErr.String())
		return nil
	}
	return fmt.Errorf("%w: pid %d: %w", ErrReap, h.pid, h.err)
}
