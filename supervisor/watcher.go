package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LoginSuccessMessage is the literal text pushed to every connected client
// while the login flag is present. Clients must treat it as idempotent:
// it is re-sent every watcher tick, not edge-triggered.
const LoginSuccessMessage = "login_success"

// Broadcaster pushes a text notification to all connected clients.
// Implemented by hub.Hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg string)
}

// Watcher periodically re-evaluates backend status, notifies clients of a
// successful login, and restarts the backend when it is down and nobody is
// logged in. A single tick failing never stops the loop.
type Watcher struct {
	log       *zap.SugaredLogger
	sup       *Supervisor
	probe     Prober
	artifacts *Artifacts
	notify    Broadcaster
	interval  time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func NewWatcher(log *zap.SugaredLogger, sup *Supervisor, probe Prober, artifacts *Artifacts, notify Broadcaster, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		log:       log.Named("watcher"),
		sup:       sup,
		probe:     probe,
		artifacts: artifacts,
		notify:    notify,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the watch loop in a background goroutine.
func (w *Watcher) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

// Stop signals the loop to exit and waits for the in-flight tick to finish.
// Safe to call even when Start never ran.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		w.tick()
	}
}

// tick is one watcher iteration. A panic here is logged and swallowed so
// the loop survives; this is the supervisory invariant.
func (w *Watcher) tick() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("watcher tick panicked: %v", r)
		}
	}()

	// No tick-level deadline: every operation below carries its own
	// bounded timeout, and ticks never overlap because the loop is
	// sequential.
	ctx := context.Background()

	loggedIn := w.artifacts.LoggedIn()
	running := w.probe.Probe(ctx)

	if loggedIn {
		w.notify.Broadcast(ctx, LoginSuccessMessage)
	}

	if !running && !loggedIn {
		w.log.Info("backend down and not logged in, restarting")
		if !w.sup.EnsureRunning(ctx) {
			w.log.Warn("backend restart did not succeed, will retry next tick")
		}
	}
}
