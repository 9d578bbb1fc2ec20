package supervisor

import (
	"time"

	"github.com/hutchhq/hutch/pkg/worker"
)

const (
	defaultBackoffBase   = 100 * time.Millisecond
	defaultBackoffCap    = 5 * time.Second
	defaultMaxRestarts   = 3
	defaultRestartWindow = time.Minute
)

// Policy tunes the transient restart behavior. Zero values select defaults:
// 100ms base backoff doubling to a 5s cap, 3 restarts per 60s window.
type Policy struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxRestarts   int
	RestartWindow time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = defaultBackoffCap
	}
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = defaultMaxRestarts
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = defaultRestartWindow
	}
	return p
}

// Factory builds one worker incarnation. The supervisor supplies the exit
// callback so every death, first boot or restart, lands in the same place.
// Factories are expected to read the current module at call time, which is
// how a restarted worker picks up a swapped or rolled-back module.
type Factory func(onExit func(*worker.Worker, error)) (*worker.Worker, error)

// Hooks connect supervision outcomes to the rest of the kernel.
type Hooks struct {
	// OnDeath fires after a worker is gone for good: explicit stop or kill,
	// or a crash whose restart budget is exhausted. Registry removal rides
	// this notification. workerID names the dead incarnation when one was
	// live; it is empty when the death had no worker (a kill during restart
	// backoff, a factory that never booted).
	OnDeath func(tenant, service, workerID string)

	// OnRestart fires after a successful restart, carrying the fresh worker
	// so its new handle can replace the dead one wherever it is tracked.
	OnRestart func(tenant, service string, w *worker.Worker)
}
