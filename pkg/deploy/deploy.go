package deploy

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

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

// DefaultKillGrace is how long a kill waits for the stop hook before giving
// up (and, with force, terminating hard).
const DefaultKillGrace = 5 * time.Second

var serviceNameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HostFuncProvider builds the host functions installed into a worker's hutch
// table. The kernel uses it to hand workers tenant-scoped discovery access.
type HostFuncProvider func(tenant, service string) map[string]lua.LGFunction

// Options tune the deployer. Zero sizes and timeouts fall back to the worker
// defaults.
type Options struct {
	MailboxSize int
	ExecTimeout time.Duration
	KillGrace   time.Duration
	HostFuncs   HostFuncProvider
}

// Request is one deploy submission. An empty Format means lua.
type Request struct {
	Tenant  string
	Service string
	Code    string
	Format  string
}

// Deployer drives the deploy pipeline and its inverse.
type Deployer struct {
	logger zerolog.Logger
	events events.Emitter
	engine *runtime.Engine
	reg    *registry.Registry
	disc   *registry.Discovery
	sups   *supervisor.TenantSupervisor

	mailboxSize int
	execTimeout time.Duration
	killGrace   time.Duration
	hostFuncs   HostFuncProvider
}

// New wires a deployer over the runtime, registry, and supervisor tree.
func New(em events.Emitter, eng *runtime.Engine, reg *registry.Registry, disc *registry.Discovery, sups *supervisor.TenantSupervisor, opts Options) *Deployer {
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Deployer{
		logger:      log.WithComponent("deploy"),
		events:      em,
		engine:      eng,
		reg:         reg,
		disc:        disc,
		sups:        sups,
		mailboxSize: opts.MailboxSize,
		execTimeout: opts.ExecTimeout,
		killGrace:   opts.KillGrace,
		hostFuncs:   opts.HostFuncs,
	}
}

// Deploy admits, compiles, and starts a service, returning the live handle.
// The name is reserved before the worker starts, so two racing deploys of
// one (tenant, service) cannot both win.
func (d *Deployer) Deploy(ctx context.Context, req Request) (types.Handle, error) {
	if err := validate(req); err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return types.Handle{}, err
	}

	ns := runtime.Namespace(req.Tenant, req.Service)
	mod, err := d.engine.Compile(ns, req.Code)
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return types.Handle{}, err
	}

	sub, err := d.sups.ForTenant(req.Tenant)
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return types.Handle{}, err
	}
	if err := d.reg.Reserve(req.Tenant, req.Service); err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return types.Handle{}, err
	}
	d.engine.Install(mod)

	return d.launch(sub, req.Tenant, req.Service, ns)
}

// Redeploy starts a fresh worker from the module already installed for the
// service, re-running the reserve/start/bind pipeline without recompiling.
// Rollback uses it when a terminal crash left no worker to swap in place.
func (d *Deployer) Redeploy(ctx context.Context, tenant, service string) (types.Handle, error) {
	ns := runtime.Namespace(tenant, service)
	if _, ok := d.engine.Current(ns); !ok {
		return types.Handle{}, errdefs.Wrapf(errdefs.ErrNotFound, "service %s/%s was never deployed", tenant, service)
	}
	sub, err := d.sups.ForTenant(tenant)
	if err != nil {
		return types.Handle{}, err
	}
	if err := d.reg.Reserve(tenant, service); err != nil {
		return types.Handle{}, err
	}
	return d.launch(sub, tenant, service, ns)
}

// launch runs the back half of the pipeline: start, bind, announce, events.
// The reservation is already held; every failure path releases it.
func (d *Deployer) launch(sub *supervisor.TenantSub, tenant, service, ns string) (types.Handle, error) {
	w, err := sub.StartService(service, d.factory(tenant, service, ns))
	if err != nil {
		d.reg.Unregister(tenant, service)
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).Str("tenant", tenant).Str("service", service).Msg("deploy could not start worker")
		return types.Handle{}, err
	}

	h := w.Handle()
	if err := d.reg.Bind(tenant, service, h); err != nil {
		// The reservation vanished under us; tear the worker back down.
		_ = sub.Kill(context.Background(), service, time.Second, true)
		metrics.DeploysTotal.WithLabelValues("failed").Inc()
		return types.Handle{}, errdefs.Wrapf(errdefs.ErrTransient, "deploy lost its reservation: %v", err)
	}

	subject := types.ServiceSubject(tenant, service)
	payload := map[string]any{"pid": h.PID}
	if mod, ok := d.engine.Current(ns); ok {
		payload["version"] = mod.Version
		payload["hash"] = mod.Hash
	}
	deployID := d.events.Emit(types.EventServiceDeployed, tenant, subject, payload)
	startID := d.events.EmitCaused(types.EventServiceStarted, tenant, subject,
		map[string]any{"pid": h.PID, "restart": false}, deployID)
	w.SetStartEventID(startID)

	if err := d.disc.Announce(types.Announcement{Tenant: tenant, Name: service, Service: service}); err != nil {
		d.logger.Warn().Err(err).Str("tenant", tenant).Str("service", service).Msg("auto-announce failed")
	}

	metrics.DeploysTotal.WithLabelValues("ok").Inc()
	d.logger.Info().Str("tenant", tenant).Str("service", service).Uint64("pid", h.PID).Msg("service deployed")
	return h, nil
}

// factory builds workers from whatever module is current in the namespace at
// call time, so a supervisor restart picks up a swapped module.
func (d *Deployer) factory(tenant, service, ns string) supervisor.Factory {
	return func(onExit func(*worker.Worker, error)) (*worker.Worker, error) {
		mod, ok := d.engine.Current(ns)
		if !ok {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "no module installed for %s/%s", tenant, service)
		}
		var hostFuncs map[string]lua.LGFunction
		if d.hostFuncs != nil {
			hostFuncs = d.hostFuncs(tenant, service)
		}
		return worker.Start(worker.Options{
			Tenant:      tenant,
			Service:     service,
			Module:      mod,
			MailboxSize: d.mailboxSize,
			ExecTimeout: d.execTimeout,
			HostFuncs:   hostFuncs,
			OnExit:      onExit,
		})
	}
}

// Kill stops a service: graceful stop within grace, then a hard kill if
// force is set. Without force an unresponsive worker stays up and the call
// reports failure.
func (d *Deployer) Kill(ctx context.Context, tenant, service string, grace time.Duration, force bool) error {
	entry, ok := d.reg.Lookup(tenant, service)
	if !ok {
		return errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s", tenant, service)
	}
	if entry.Pending {
		return errdefs.Wrapf(errdefs.ErrTransient, "deploy in flight for %s/%s", tenant, service)
	}
	sub, ok := d.sups.Get(tenant)
	if !ok {
		return errdefs.Wrapf(errdefs.ErrNotFound, "no workers for tenant %s", tenant)
	}
	if grace <= 0 {
		grace = d.killGrace
	}

	if err := sub.Kill(ctx, service, grace, force); err != nil {
		return err
	}

	// The death notification unregisters too; doing it here as well makes
	// the removal visible the moment Kill returns. Conditional on the old
	// handle so a successor deploy racing in is left alone.
	if d.reg.UnregisterIf(tenant, service, entry.Handle.ID) {
		d.disc.WithdrawService(tenant, service)
	}

	metrics.KillsTotal.Inc()
	d.events.Emit(types.EventServiceKilled, tenant, types.ServiceSubject(tenant, service),
		map[string]any{"pid": entry.Handle.PID, "force": force, "grace_ms": grace.Milliseconds()})
	d.logger.Info().Str("tenant", tenant).Str("service", service).Bool("force", force).Msg("service killed")
	return nil
}

// Status samples the worker at call time. A pending deploy or a service
// between incarnations reports not-alive with zero counters.
func (d *Deployer) Status(tenant, service string) (types.ServiceStatus, error) {
	entry, ok := d.reg.Lookup(tenant, service)
	if !ok {
		return types.ServiceStatus{}, errdefs.Wrapf(errdefs.ErrNotFound, "no service %s/%s", tenant, service)
	}
	if entry.Pending {
		return types.ServiceStatus{Handle: types.Handle{Tenant: tenant, Service: service}}, nil
	}
	if sub, ok := d.sups.Get(tenant); ok {
		if w, ok := sub.Lookup(service); ok {
			return w.Status(), nil
		}
	}
	return types.ServiceStatus{Handle: entry.Handle}, nil
}

// List reports the tenant's registered services, reservations included.
func (d *Deployer) List(tenant string) []types.ServiceEntry {
	return d.reg.ListForTenant(tenant)
}

func validate(req Request) error {
	if req.Tenant == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "tenant required")
	}
	if !serviceNameRE.MatchString(req.Service) {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "service name must match %s", serviceNameRE)
	}
	if req.Code == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "code required")
	}
	if req.Format != "" && req.Format != runtime.FormatLua {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "unsupported format %q", req.Format)
	}
	return nil
}
