package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/breaker"
	"github.com/hutchhq/hutch/pkg/capability"
	"github.com/hutchhq/hutch/pkg/config"
	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/dns"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/health"
	"github.com/hutchhq/hutch/pkg/hotswap"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/monitor"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/shedder"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/supervisor"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/vault"
	"github.com/hutchhq/hutch/pkg/worker"
)

// Fault names the critical component whose failure is taking the kernel
// down.
type Fault struct {
	Component string
	Err       error
}

// Kernel owns every core subsystem of one hutch process.
type Kernel struct {
	cfg    *config.Config
	logger zerolog.Logger

	system   *supervisor.System
	store    *events.Store
	bolt     *storage.BoltStore
	engine   *runtime.Engine
	reg      *registry.Registry
	disc     *registry.Discovery
	sups     *supervisor.TenantSupervisor
	dep      *deploy.Deployer
	swapper  *hotswap.Swapper
	caps     *capability.Manager
	vault    *vault.Vault
	shed     *shedder.Shedder
	breakers *breaker.Registry
	mon      *monitor.Monitor
	dns      *dns.Server
	probes   *health.Registry

	startedAt time.Time
	startID   uint64

	fatalCh  chan Fault
	downOnce sync.Once
	mu       sync.Mutex
	down     bool
}

// New builds a kernel from the configuration snapshot. Construction opens
// the event store and the vault database; any failure here is a fatal
// startup error and leaves nothing running.
func New(cfg *config.Config) (*Kernel, error) {
	store, err := events.Open(events.Options{
		Dir:                cfg.EventsDB,
		SegmentMaxBytes:    cfg.Events.SegmentMaxBytes,
		RetentionMaxEvents: cfg.Events.RetentionMaxEvents,
		RetentionMaxBytes:  cfg.Events.RetentionMaxBytes,
		SubscriberBuffer:   cfg.Events.SubscriberBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	bolt, err := storage.NewBoltStore(cfg.VaultDB)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open vault store: %w", err)
	}

	caps, err := capability.NewManager(bolt, store)
	if err != nil {
		_ = bolt.Close()
		_ = store.Close()
		return nil, fmt.Errorf("load capability ledger: %w", err)
	}

	k := &Kernel{
		cfg:     cfg,
		logger:  log.WithComponent("kernel"),
		store:   store,
		bolt:    bolt,
		engine:  runtime.NewEngine(),
		reg:     registry.New(),
		disc:    registry.NewDiscovery(),
		caps:    caps,
		vault:   vault.New(bolt, store),
		fatalCh: make(chan Fault, 1),
	}

	k.system = supervisor.NewSystem(k.onFatal)
	k.system.Register("vault_store", func(context.Context) error { return bolt.Close() })
	k.system.Register("event_store", func(context.Context) error { return store.Close() })

	k.shed = shedder.New(shedder.Limits{
		MaxPerTenant: cfg.MaxPerTenant,
		MaxTotal:     cfg.MaxTotal,
		PerTenantFor: cfg.MaxPerTenantFor,
	})

	// Worker death and restart reach the registry through these hooks:
	// removal within one notification, and a re-bind so lookups name the
	// live incarnation between crashes.
	hooks := supervisor.Hooks{
		OnDeath: func(tenant, service, workerID string) {
			if k.reg.UnregisterIf(tenant, service, workerID) {
				k.disc.WithdrawService(tenant, service)
			}
		},
		OnRestart: func(tenant, service string, w *worker.Worker) {
			_ = k.reg.Bind(tenant, service, w.Handle())
		},
	}
	k.sups = supervisor.NewTenantSupervisor(store, supervisor.Policy{
		BackoffBase:   cfg.Supervisor.BackoffBase(),
		BackoffCap:    cfg.Supervisor.BackoffCap(),
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		RestartWindow: cfg.Supervisor.RestartWindow(),
	}, hooks, cfg.MaxTenants)

	k.dep = deploy.New(store, k.engine, k.reg, k.disc, k.sups, deploy.Options{
		MailboxSize: cfg.Worker.MailboxSize,
		ExecTimeout: cfg.Worker.ExecTimeout(),
		KillGrace:   cfg.Worker.KillGrace(),
		HostFuncs:   k.hostFuncs,
	})
	k.swapper = hotswap.New(store, k.engine, k.reg, k.disc, k.sups, k.dep, hotswap.Options{
		RollbackWindow: cfg.Swap.RollbackWindow(),
	})

	k.breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
	}, store)

	k.mon = monitor.New(store, k.engine, k.sups, caps, monitor.Options{
		Interval:        cfg.Monitor.Interval(),
		NamespaceLimit:  cfg.Monitor.NamespaceLimit,
		QueueWarn:       cfg.Monitor.QueueWarn,
		MemoryWarnBytes: cfg.Monitor.MemoryWarnBytes,
	})

	if cfg.DNSPort > 0 {
		k.dns = dns.NewServer(k.disc, dns.Config{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.DNSPort)})
	}

	k.probes = health.NewRegistry(0)
	k.probes.Register("event_store", health.StoreProbe(store))
	k.probes.Register("vault_store", health.BoltProbe(bolt))

	return k, nil
}

// Start brings up the background loops and records system_started. The
// gateways start separately; they are surfaces, not kernel state.
func (k *Kernel) Start() error {
	k.startedAt = time.Now()
	k.mon.Start()
	if k.dns != nil {
		if err := k.dns.Start(); err != nil {
			k.mon.Stop()
			return fmt.Errorf("start dns facade: %w", err)
		}
	}
	k.startID = k.store.Emit(types.EventSystemStarted, "", types.SubjectSystem, map[string]any{
		"listen_port": k.cfg.ListenPort,
		"http_port":   k.cfg.HTTPPort,
		"data_dir":    k.cfg.DataDir,
	})
	k.logger.Info().Int("grpc_port", k.cfg.ListenPort).Int("http_port", k.cfg.HTTPPort).Msg("kernel started")
	return nil
}

// Probes exposes the health registry so the gateways can add probes for
// each other's listeners.
func (k *Kernel) Probes() *health.Registry { return k.probes }

// Fatal delivers at most one fault; the daemon answers it by shutting down.
func (k *Kernel) Fatal() <-chan Fault { return k.fatalCh }

func (k *Kernel) onFatal(component string, err error) {
	k.downOnce.Do(func() {
		k.fatalCh <- Fault{Component: component, Err: err}
	})
}

// Shutdown drains the kernel: tenants stop within grace, the shutdown pair
// is emitted and flushed while the store still runs, then the critical
// components close in reverse registration order. Idempotent; later calls
// are no-ops.
func (k *Kernel) Shutdown(ctx context.Context, grace time.Duration) error {
	k.mu.Lock()
	if k.down {
		k.mu.Unlock()
		return nil
	}
	k.down = true
	k.mu.Unlock()

	startID := k.store.Emit(types.EventSystemShutdownStarted, "", types.SubjectSystem,
		map[string]any{"grace_ms": grace.Milliseconds()})
	k.logger.Info().Dur("grace", grace).Msg("shutdown started")

	k.mon.Stop()
	if k.dns != nil {
		_ = k.dns.Stop(ctx)
	}
	k.swapper.Shutdown()

	drainCtx := ctx
	if grace > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	if err := k.sups.Shutdown(drainCtx); err != nil {
		k.logger.Warn().Err(err).Msg("tenant drain incomplete")
	}

	k.store.EmitCaused(types.EventSystemShutdownComplete, "", types.SubjectSystem, nil, startID)
	if err := k.store.Flush(); err != nil {
		k.logger.Warn().Err(err).Msg("final flush failed")
	}
	return k.system.Shutdown(ctx)
}

// admit takes one load-shedder permit for tenant and returns its release.
func (k *Kernel) admit(tenant string) (func(), error) {
	token, err := k.shed.Acquire(tenant)
	if err != nil {
		return nil, err
	}
	return func() { k.shed.Release(token) }, nil
}
