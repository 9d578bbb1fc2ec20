package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/worker"
)

// TenantSub supervises the workers of a single tenant under the transient
// policy: crashes restart with backoff until the budget is spent, deliberate
// exits never restart. Each service has at most one live incarnation.
type TenantSub struct {
	tenant string
	logger zerolog.Logger
	events events.Emitter
	policy Policy
	hooks  Hooks

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry tracks one supervised service across incarnations. gen increments on
// every restart so late exit notifications from dead incarnations are
// recognizable and dropped.
type entry struct {
	service string
	factory Factory
	worker  *worker.Worker
	gen     uint64

	crashes []time.Time
	backoff time.Duration
	timer   *time.Timer

	// stopping marks an exit that was asked for; it suppresses the restart.
	stopping bool
}

func newTenantSub(tenant string, em events.Emitter, policy Policy, hooks Hooks) *TenantSub {
	return &TenantSub{
		tenant:  tenant,
		logger:  log.WithTenant(tenant),
		events:  em,
		policy:  policy,
		hooks:   hooks,
		entries: make(map[string]*entry),
	}
}

// Tenant returns the tenant this sub-supervisor belongs to.
func (s *TenantSub) Tenant() string { return s.tenant }

// StartService boots a service under supervision. At most one entry per
// service name; a duplicate start is AlreadyExists.
func (s *TenantSub) StartService(service string, f Factory) (*worker.Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errdefs.Wrapf(errdefs.ErrTransient, "supervisor shutting down")
	}
	if _, ok := s.entries[service]; ok {
		s.mu.Unlock()
		return nil, errdefs.Wrapf(errdefs.ErrAlreadyExists, "service %s/%s already supervised", s.tenant, service)
	}
	e := &entry{service: service, factory: f, gen: 1}
	s.entries[service] = e
	s.mu.Unlock()

	w, err := f(s.exitFunc(service, 1))
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.entries[service]; ok && cur == e {
			delete(s.entries, service)
		}
		s.mu.Unlock()
		return nil, err
	}

	// The worker may have crashed and restarted before this point; only the
	// original incarnation slot takes the assignment.
	s.mu.Lock()
	if cur, ok := s.entries[service]; ok && cur == e && cur.gen == 1 && cur.worker == nil {
		cur.worker = w
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		w.Force()
		<-w.Done()
		return nil, errdefs.Wrapf(errdefs.ErrTransient, "supervisor shutting down")
	}
	return w, nil
}

// Lookup returns the live worker for the service, if any. A service waiting
// out a restart backoff has no live worker.
func (s *TenantSub) Lookup(service string) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[service]
	if !ok || e.worker == nil {
		return nil, false
	}
	return e.worker, true
}

// Services lists supervised service names in sorted order.
func (s *TenantSub) Services() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	s.mu.Unlock()

	sort.Strings(out)
	return out
}

// Workers snapshots the tenant's live workers.
func (s *TenantSub) Workers() []*worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker.Worker, 0, len(s.entries))
	for _, e := range s.entries {
		if e.worker != nil {
			out = append(out, e.worker)
		}
	}
	return out
}

// Kill takes a service down on purpose. The stop hook gets grace to run;
// when the worker is still alive at expiry and force is set, its current
// execution is cancelled outright. A killed service never restarts.
func (s *TenantSub) Kill(ctx context.Context, service string, grace time.Duration, force bool) error {
	s.mu.Lock()
	e, ok := s.entries[service]
	if !ok {
		s.mu.Unlock()
		return errdefs.Wrapf(errdefs.ErrNotFound, "service %s/%s not found", s.tenant, service)
	}
	e.stopping = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	w := e.worker
	s.mu.Unlock()

	if w == nil {
		// Crashed and waiting on a restart that is now cancelled.
		s.mu.Lock()
		if cur, ok := s.entries[service]; ok && cur == e {
			delete(s.entries, service)
		}
		s.mu.Unlock()
		s.notifyDeath(service, nil)
		return nil
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := w.Stop(graceCtx); err == nil {
		return nil
	}
	if !force {
		return errdefs.Wrapf(errdefs.ErrTransient, "service %s/%s did not stop within grace", s.tenant, service)
	}

	w.Force()
	select {
	case <-w.Done():
		return nil
	case <-ctx.Done():
		return errdefs.Wrapf(errdefs.ErrTransient, "service %s/%s did not exit after force kill", s.tenant, service)
	}
}

// Shutdown stops everything: pending restarts are cancelled, live workers
// get a graceful stop, stragglers are forced. No hooks fire; the kernel is
// tearing down the structures they would update.
func (s *TenantSub) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*worker.Worker, 0, len(s.entries))
	for _, e := range s.entries {
		e.stopping = true
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.worker != nil {
			workers = append(workers, e.worker)
		}
	}
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Stop(ctx); err == nil {
				return nil
			}
			w.Force()
			select {
			case <-w.Done():
				return nil
			case <-ctx.Done():
				h := w.Handle()
				return fmt.Errorf("worker %s/%s did not exit", h.Tenant, h.Service)
			}
		})
	}
	return g.Wait()
}

func (s *TenantSub) exitFunc(service string, gen uint64) func(*worker.Worker, error) {
	return func(w *worker.Worker, reason error) {
		s.onWorkerExit(service, gen, w, reason)
	}
}

// onWorkerExit is the single landing place for every worker death. It either
// lets the service rest (deliberate exit, shutdown, exhausted budget) or
// schedules the next incarnation.
func (s *TenantSub) onWorkerExit(service string, gen uint64, w *worker.Worker, reason error) {
	s.mu.Lock()
	e, ok := s.entries[service]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.closed {
		delete(s.entries, service)
		s.mu.Unlock()
		return
	}
	if reason == nil || e.stopping {
		delete(s.entries, service)
		s.mu.Unlock()
		s.notifyDeath(service, w)
		return
	}

	// Crash: prune the window, then spend or exhaust the restart budget.
	now := time.Now()
	recent := e.crashes[:0]
	for _, at := range e.crashes {
		if now.Sub(at) < s.policy.RestartWindow {
			recent = append(recent, at)
		}
	}
	if len(recent) == 0 {
		e.backoff = 0
	}
	e.crashes = recent

	terminal := len(e.crashes) >= s.policy.MaxRestarts
	var delay time.Duration
	var nextGen uint64
	if terminal {
		delete(s.entries, service)
	} else {
		e.crashes = append(e.crashes, now)
		if e.backoff == 0 {
			e.backoff = s.policy.BackoffBase
		} else {
			e.backoff *= 2
			if e.backoff > s.policy.BackoffCap {
				e.backoff = s.policy.BackoffCap
			}
		}
		delay = e.backoff
		nextGen = e.gen + 1
		e.gen = nextGen
		e.worker = nil
	}
	s.mu.Unlock()

	crashID := s.emitCrash(service, w, reason, !terminal)

	if terminal {
		s.logger.Error().Err(reason).Str("service", service).Msg("restart budget exhausted, giving up")
		s.notifyDeath(service, w)
		return
	}

	s.logger.Warn().Err(reason).Str("service", service).Dur("backoff", delay).Msg("worker crashed, restart scheduled")

	s.mu.Lock()
	if cur, ok := s.entries[service]; ok && cur == e && cur.gen == nextGen && !cur.stopping && !s.closed {
		cur.timer = time.AfterFunc(delay, func() { s.restart(service, nextGen, crashID) })
	}
	s.mu.Unlock()
}

// restart builds the next incarnation. A factory failure counts as another
// crash and re-enters the budget accounting.
func (s *TenantSub) restart(service string, gen uint64, causeID uint64) {
	s.mu.Lock()
	e, ok := s.entries[service]
	if !ok || e.gen != gen || e.stopping || s.closed {
		s.mu.Unlock()
		return
	}
	factory := e.factory
	s.mu.Unlock()

	w, err := factory(s.exitFunc(service, gen))
	if err != nil {
		s.logger.Error().Err(err).Str("service", service).Msg("restart failed to boot")
		s.onWorkerExit(service, gen, nil, err)
		return
	}

	s.mu.Lock()
	if cur, ok := s.entries[service]; !ok || cur != e || cur.gen != gen || cur.stopping || s.closed {
		s.mu.Unlock()
		// A kill or shutdown raced the restart; put the newcomer back down.
		w.Force()
		<-w.Done()
		return
	}
	e.worker = w
	e.timer = nil
	s.mu.Unlock()

	metrics.WorkerRestarts.WithLabelValues(s.tenant).Inc()
	h := w.Handle()
	id := s.events.EmitCaused(types.EventServiceStarted, s.tenant, types.ServiceSubject(s.tenant, service), map[string]any{
		"pid":     h.PID,
		"restart": true,
	}, causeID)
	w.SetStartEventID(id)

	if s.hooks.OnRestart != nil {
		s.hooks.OnRestart(s.tenant, service, w)
	}
	s.logger.Info().Str("service", service).Uint64("pid", h.PID).Msg("worker restarted")
}

func (s *TenantSub) emitCrash(service string, w *worker.Worker, reason error, willRestart bool) uint64 {
	payload := map[string]any{
		"reason":       reason.Error(),
		"will_restart": willRestart,
	}
	subject := types.ServiceSubject(s.tenant, service)
	var startID uint64
	if w != nil {
		h := w.Handle()
		payload["pid"] = h.PID
		startID = h.StartEventID
	}
	if startID != 0 {
		return s.events.EmitCaused(types.EventServiceCrashed, s.tenant, subject, payload, startID)
	}
	return s.events.Emit(types.EventServiceCrashed, s.tenant, subject, payload)
}

func (s *TenantSub) notifyDeath(service string, w *worker.Worker) {
	if s.hooks.OnDeath == nil {
		return
	}
	var id string
	if w != nil {
		id = w.Handle().ID
	}
	s.hooks.OnDeath(s.tenant, service, id)
}
