package hotswap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/supervisor"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/worker"
)

// DefaultRollbackWindow bounds how long a swapped service stays under watch.
const DefaultRollbackWindow = 30 * time.Second

const defaultApplyTimeout = 5 * time.Second

// Bus is the slice of the event store the swapper needs: emitting the swap
// lifecycle and watching crashes while a watchdog is armed.
type Bus interface {
	events.Emitter
	Subscribe() *events.Subscriber
}

// Options tune the swapper.
type Options struct {
	// RollbackWindow applies to swaps that do not carry their own.
	RollbackWindow time.Duration
	// ApplyTimeout caps one in-place module load inside a worker.
	ApplyTimeout time.Duration
}

// Result reports an applied swap.
type Result struct {
	Tenant     string `json:"tenant"`
	Service    string `json:"service"`
	OldVersion uint64 `json:"old_version"`
	NewVersion uint64 `json:"new_version"`
	Hash       string `json:"hash"`
	WindowMS   int64  `json:"rollback_window_ms"`
}

// Swapper replaces service code in running workers, one swap per
// (tenant, service) at a time. The slot is held for the whole lifecycle,
// armed window included; latecomers fail fast instead of queueing.
type Swapper struct {
	logger zerolog.Logger
	bus    Bus
	engine *runtime.Engine
	reg    *registry.Registry
	disc   *registry.Discovery
	sups   *supervisor.TenantSupervisor
	dep    *deploy.Deployer

	window    time.Duration
	applyWait time.Duration

	mu       sync.Mutex
	inflight map[string]*watchdog
}

// New wires a swapper over the deploy pipeline and the supervisor tree.
func New(bus Bus, eng *runtime.Engine, reg *registry.Registry, disc *registry.Discovery, sups *supervisor.TenantSupervisor, dep *deploy.Deployer, opts Options) *Swapper {
	if opts.RollbackWindow <= 0 {
		opts.RollbackWindow = DefaultRollbackWindow
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = defaultApplyTimeout
	}
	return &Swapper{
		logger:    log.WithComponent("hotswap"),
		bus:       bus,
		engine:    eng,
		reg:       reg,
		disc:      disc,
		sups:      sups,
		dep:       dep,
		window:    opts.RollbackWindow,
		applyWait: opts.ApplyTimeout,
		inflight:  make(map[string]*watchdog),
	}
}

// Swap compiles code, loads it into the running worker of (tenant, service),
// and arms a watchdog for the rollback window. The swap applies in place: the
// worker keeps its handle, mailbox, and Lua state, and a migrate global in
// the new chunk runs once with the old version. A window of zero takes the
// configured default.
func (s *Swapper) Swap(ctx context.Context, tenant, service, code string, window time.Duration) (Result, error) {
	if window <= 0 {
		window = s.window
	}

	entry, ok := s.reg.Lookup(tenant, service)
	if !ok {
		return Result{}, errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s", tenant, service)
	}
	if entry.Pending {
		return Result{}, errdefs.Wrapf(errdefs.ErrTransient, "deploy in flight for %s/%s", tenant, service)
	}
	w, ok := s.liveWorker(tenant, service)
	if !ok {
		return Result{}, errdefs.Wrapf(errdefs.ErrTransient, "service %s/%s is between incarnations", tenant, service)
	}

	ns := runtime.Namespace(tenant, service)
	old, ok := s.engine.Current(ns)
	if !ok {
		return Result{}, errdefs.Wrapf(errdefs.ErrNotFound, "no module installed for %s/%s", tenant, service)
	}

	subject := types.ServiceSubject(tenant, service)
	if !s.acquire(subject) {
		metrics.SwapsTotal.WithLabelValues("busy").Inc()
		return Result{}, errdefs.Wrapf(errdefs.ErrTransient, "swap already in flight for %s/%s", tenant, service)
	}

	mod, err := s.engine.Compile(ns, code)
	if err != nil {
		s.release(subject)
		s.bus.Emit(types.EventHotSwapFailed, tenant, subject, map[string]any{
			"stage":  "compile",
			"reason": err.Error(),
		})
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		return Result{}, err
	}
	installed := s.engine.Install(mod)

	// Subscribe before touching the worker: a crash caused by this swap must
	// land on a live subscription.
	sub := s.bus.Subscribe()
	startID := s.bus.Emit(types.EventHotSwapStarted, tenant, subject, map[string]any{
		"old_version":        old.Version,
		"new_version":        installed.Version,
		"hash":               installed.Hash,
		"rollback_window_ms": window.Milliseconds(),
	})

	wd := &watchdog{
		swapper: s,
		tenant:  tenant,
		service: service,
		subject: subject,
		old:     old,
		newVer:  installed.Version,
		startID: startID,
		window:  window,
		sub:     sub,
		silence: make(chan struct{}),
	}
	s.arm(subject, wd)
	go wd.watch()

	applyCtx, cancel := context.WithTimeout(ctx, s.applyWait)
	err = w.Swap(applyCtx, installed)
	cancel()
	if err == nil {
		s.logger.Info().Str("tenant", tenant).Str("service", service).
			Uint64("version", installed.Version).Dur("window", window).
			Msg("module swapped, watchdog armed")
		return Result{
			Tenant:     tenant,
			Service:    service,
			OldVersion: old.Version,
			NewVersion: installed.Version,
			Hash:       installed.Hash,
			WindowMS:   window.Milliseconds(),
		}, nil
	}

	if crashBound(err, w) {
		// The load or the migrate hook took the worker down. The crash event
		// is on its way to the armed watchdog, which owns the rollback.
		return Result{}, err
	}

	// The swap never took: the worker still runs the old code, or it was put
	// down deliberately and no crash event will come.
	if wd.claim() {
		wd.stop()
		s.engine.Restore(old)
		s.bus.EmitCaused(types.EventHotSwapFailed, tenant, subject, map[string]any{
			"stage":  "apply",
			"reason": err.Error(),
		}, startID)
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		s.release(subject)
	}
	return Result{}, err
}

// Replace is the conservative variant of Swap: stop the old worker outright,
// then deploy the new code as a fresh incarnation. Worker state is lost; in
// exchange there is no window and nothing to roll back.
func (s *Swapper) Replace(ctx context.Context, tenant, service, code string) (types.Handle, error) {
	subject := types.ServiceSubject(tenant, service)
	if !s.acquire(subject) {
		metrics.SwapsTotal.WithLabelValues("busy").Inc()
		return types.Handle{}, errdefs.Wrapf(errdefs.ErrTransient, "swap already in flight for %s/%s", tenant, service)
	}
	defer s.release(subject)

	// Probe the code before killing anything: a replace that cannot deploy
	// must not leave the service dead.
	ns := runtime.Namespace(tenant, service)
	if _, err := s.engine.Compile(ns, code); err != nil {
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		return types.Handle{}, err
	}

	if err := s.dep.Kill(ctx, tenant, service, 0, true); err != nil {
		return types.Handle{}, err
	}
	h, err := s.dep.Deploy(ctx, deploy.Request{Tenant: tenant, Service: service, Code: code, Format: runtime.FormatLua})
	if err != nil {
		metrics.SwapsTotal.WithLabelValues("failed").Inc()
		return types.Handle{}, err
	}

	payload := map[string]any{"method": "simple_replace", "pid": h.PID}
	if mod, ok := s.engine.Current(ns); ok {
		payload["version"] = mod.Version
	}
	s.bus.Emit(types.EventHotSwapSucceeded, tenant, subject, payload)
	metrics.SwapsTotal.WithLabelValues("replaced").Inc()
	s.logger.Info().Str("tenant", tenant).Str("service", service).Msg("service replaced")
	return h, nil
}

// Armed reports whether (tenant, service) has a swap in flight.
func (s *Swapper) Armed(tenant, service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[types.ServiceSubject(tenant, service)]
	return ok
}

// Shutdown silences every armed watchdog. Swap lifecycles cut short by
// process shutdown reach no verdict and emit no terminal event.
func (s *Swapper) Shutdown() {
	s.mu.Lock()
	wds := make([]*watchdog, 0, len(s.inflight))
	for _, wd := range s.inflight {
		if wd != nil {
			wds = append(wds, wd)
		}
	}
	s.inflight = make(map[string]*watchdog)
	s.mu.Unlock()

	for _, wd := range wds {
		if wd.claim() {
			wd.stop()
		}
	}
}

// crashBound reports whether err means the worker died, or is dying, from the
// swap itself, so that a service_crashed event will reach the watchdog. Load
// and migrate failures come back unclassified; everything the worker rejects
// cleanly carries an error kind.
func crashBound(err error, w *worker.Worker) bool {
	if errdefs.KindOf(err) == errdefs.KindUnknown {
		return true
	}
	if errdefs.IsTransient(err) {
		select {
		case <-w.Done():
			return w.ExitReason() != nil
		default:
		}
	}
	return false
}

func (s *Swapper) liveWorker(tenant, service string) (*worker.Worker, bool) {
	sub, ok := s.sups.Get(tenant)
	if !ok {
		return nil, false
	}
	w, ok := sub.Lookup(service)
	if !ok || w == nil || !w.Alive() {
		return nil, false
	}
	return w, true
}

func (s *Swapper) acquire(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[subject]; busy {
		return false
	}
	s.inflight[subject] = nil
	return true
}

func (s *Swapper) arm(subject string, wd *watchdog) {
	s.mu.Lock()
	s.inflight[subject] = wd
	s.mu.Unlock()
}

func (s *Swapper) release(subject string) {
	s.mu.Lock()
	delete(s.inflight, subject)
	s.mu.Unlock()
}
