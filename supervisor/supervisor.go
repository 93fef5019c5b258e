// Package supervisor owns the lifecycle of the messaging backend process:
// spawning it, detecting when it has died, restarting it, and aggregating
// its status for the HTTP surface. It also runs the background watcher
// loop that drives restarts and login notifications independent of any
// request.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State describes what the supervisor knows about the tracked process.
type State int

const (
	// StateAbsent means no process is confirmed reachable.
	StateAbsent State = iota
	// StateStarting means a process was just spawned and the backend has
	// not yet been confirmed reachable.
	StateStarting
	// StateRunning means the backend answered the last probe.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// Prober reports backend reachability. Implemented by backend.Client.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Handle tracks a single spawned backend process.
type Handle interface {
	// Terminate requests a graceful stop (SIGTERM, not a hard kill).
	Terminate() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// PID identifies the process for logging.
	PID() int
}

// Starter spawns the backend process.
type Starter interface {
	Start(ctx context.Context) (Handle, error)
}

// Supervisor keeps at most one backend process alive. All restart steps
// run behind a single mutex so overlapping EnsureRunning calls from
// request handlers and the watcher loop can never double-spawn.
type Supervisor struct {
	log       *zap.SugaredLogger
	probe     Prober
	artifacts *Artifacts
	starter   Starter

	termWait time.Duration
	settle   time.Duration

	mu     sync.Mutex
	handle Handle
	state  State
}

type SupervisorOption func(s *Supervisor)

// WithTermWait sets how long to wait for a terminated process to exit
// before abandoning the handle.
func WithTermWait(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.termWait = d
	}
}

// WithSettlePeriod sets the delay between spawning the backend and
// re-probing it.
func WithSettlePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.settle = d
	}
}

func New(log *zap.SugaredLogger, probe Prober, artifacts *Artifacts, starter Starter, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		log:       log.Named("supervisor"),
		probe:     probe,
		artifacts: artifacts,
		starter:   starter,
		termWait:  1 * time.Second,
		settle:    3 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the last observed supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureRunning makes sure the backend is reachable, restarting its
// process if it is not. It returns whether the backend is reachable when
// it finishes. Safe to call concurrently; the restart sequence is
// serialized so at most one spawn is in flight at any time. Spawn
// failures are logged and reported as false, never fatal.
//
// The probes and the restart sequence run detached from the caller's
// context: a client disconnecting mid-request never cancels an in-flight
// supervisor operation. A context that is already canceled takes no
// action at all.
func (s *Supervisor) EnsureRunning(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	ctx = context.Background()

	// Fast path: a reachable backend needs no action and no lock.
	if s.probe.Probe(ctx) {
		s.mu.Lock()
		s.state = StateRunning
		s.mu.Unlock()
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent caller may have finished a restart while we waited on
	// the lock.
	if s.probe.Probe(ctx) {
		s.state = StateRunning
		return true
	}

	if s.handle != nil {
		s.log.Infow("backend unreachable, terminating tracked process", "PID", s.handle.PID())
		if err := s.handle.Terminate(); err != nil {
			s.log.Debugf("terminating process: %s", err)
		}
		// Best effort: the handle is dropped whether or not the exit was
		// confirmed within the wait window.
		select {
		case <-s.handle.Done():
		case <-time.After(s.termWait):
		}
		s.handle = nil
		s.state = StateAbsent
	}

	if err := s.artifacts.Clear(); err != nil {
		s.log.Warnf("clearing stale artifacts: %s", err)
	}

	handle, err := s.starter.Start(ctx)
	if err != nil {
		s.log.Errorf("starting backend process: %s", err)
		s.state = StateAbsent
		return false
	}
	s.handle = handle
	s.state = StateStarting
	s.log.Infow("backend process spawned", "PID", handle.PID())

	time.Sleep(s.settle)

	if s.probe.Probe(ctx) {
		s.state = StateRunning
		return true
	}
	// The handle is kept: the next EnsureRunning terminates it before
	// spawning again.
	s.state = StateAbsent
	return false
}

// Shutdown terminates any tracked process and waits briefly for it to
// exit. Called once at service teardown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return
	}
	s.log.Infow("shutting down backend process", "PID", s.handle.PID())
	if err := s.handle.Terminate(); err != nil {
		s.log.Debugf("terminating process: %s", err)
	}
	select {
	case <-s.handle.Done():
	case <-time.After(s.termWait):
	}
	s.handle = nil
	s.state = StateAbsent
}
