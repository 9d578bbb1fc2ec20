package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/capability"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/supervisor"
	"github.com/hutchhq/hutch/pkg/types"
)

// Defaults for the sampling loop. The namespace limit tracks the runtime's
// interning behavior: every deployed code identity interns one namespace for
// the lifetime of the process, so the table only ever grows.
const (
	DefaultInterval        = 10 * time.Second
	DefaultNamespaceLimit  = 16384
	DefaultQueueWarn       = 1000
	DefaultMemoryWarnBytes = 64 << 20
	DefaultCapabilityGrace = time.Hour
)

// Options tune the monitor. Zero values fall back to the defaults.
type Options struct {
	Interval        time.Duration
	NamespaceLimit  int
	QueueWarn       int
	MemoryWarnBytes uint64
	// CapabilityGrace is how long an expired capability record keeps
	// answering ExpiredOrRevoked before the prune pass drops it.
	CapabilityGrace time.Duration
}

// Monitor owns the periodic sampling goroutine. All alarm state lives on
// that goroutine; nothing else reads or writes it.
type Monitor struct {
	logger zerolog.Logger
	events events.Emitter
	engine *runtime.Engine
	sups   *supervisor.TenantSupervisor
	caps   *capability.Manager

	interval       time.Duration
	namespaceLimit int
	queueWarn      int
	memoryWarn     uint64
	capGrace       time.Duration

	// namespaceFiring and firing hold the currently raised alarms so a
	// condition that persists across ticks emits exactly once.
	namespaceFiring bool
	firing          map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New wires a monitor over the runtime engine and the supervisor tree. A nil
// capability manager skips the prune pass.
func New(em events.Emitter, eng *runtime.Engine, sups *supervisor.TenantSupervisor, caps *capability.Manager, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.NamespaceLimit == 0 {
		opts.NamespaceLimit = DefaultNamespaceLimit
	}
	if opts.QueueWarn == 0 {
		opts.QueueWarn = DefaultQueueWarn
	}
	if opts.MemoryWarnBytes == 0 {
		opts.MemoryWarnBytes = DefaultMemoryWarnBytes
	}
	if opts.CapabilityGrace <= 0 {
		opts.CapabilityGrace = DefaultCapabilityGrace
	}

	return &Monitor{
		logger:         log.WithComponent("monitor"),
		events:         em,
		engine:         eng,
		sups:           sups,
		caps:           caps,
		interval:       opts.Interval,
		namespaceLimit: opts.NamespaceLimit,
		queueWarn:      opts.QueueWarn,
		memoryWarn:     opts.MemoryWarnBytes,
		capGrace:       opts.CapabilityGrace,
		firing:         map[string]struct{}{},
		stopCh:         make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

// sample performs one sampling cycle.
func (m *Monitor) sample() {
	timer := prometheus.NewTimer(metrics.MonitorCycleDuration)
	defer func() {
		timer.ObserveDuration()
		metrics.MonitorCycles.Inc()
	}()

	m.sampleNamespaces()
	m.sampleWorkers()
	m.pruneCapabilities()
}

// sampleNamespaces watches the module table. Interned namespaces are never
// released while the process lives, so a tenant churning through generated
// service names exhausts the table the way a leaking atom table would. The
// alarm latches: the table cannot shrink, so one event covers the rest of
// the run.
func (m *Monitor) sampleNamespaces() {
	if m.namespaceLimit <= 0 || m.namespaceFiring {
		return
	}
	count := m.engine.Count()
	if count < m.namespaceLimit {
		return
	}
	m.namespaceFiring = true
	m.events.Emit(types.EventAtomUsageHigh, "", types.SubjectSystem, map[string]any{
		"count": count,
		"limit": m.namespaceLimit,
	})
	metrics.MonitorAlerts.WithLabelValues("namespace_table").Inc()
	m.logger.Warn().Int("count", count).Int("limit", m.namespaceLimit).
		Msg("namespace table over limit")
}

// sampleWorkers checks every live worker against the queue and memory
// thresholds. The alarm set is rebuilt from scratch each tick: alarms for
// workers that recovered or died simply fall out of the map.
func (m *Monitor) sampleWorkers() {
	if m.queueWarn <= 0 && m.memoryWarn <= 0 {
		return
	}
	next := make(map[string]struct{})
	for _, w := range m.sups.Workers() {
		st := w.Status()
		if !st.Alive {
			continue
		}
		if m.queueWarn > 0 && st.QueueLen >= m.queueWarn {
			m.flag(next, st, "queue_depth", uint64(st.QueueLen), uint64(m.queueWarn))
		}
		if m.memoryWarn > 0 && st.Memory >= m.memoryWarn {
			m.flag(next, st, "memory", st.Memory, m.memoryWarn)
		}
	}
	m.firing = next
}

// flag emits one resource_violation per alarm edge. The key carries the
// worker incarnation id, so a restarted worker that is still over the limit
// fires again.
func (m *Monitor) flag(next map[string]struct{}, st types.ServiceStatus, reason string, value, limit uint64) {
	key := st.Handle.ID + "/" + reason
	next[key] = struct{}{}
	if _, held := m.firing[key]; held {
		return
	}
	m.events.Emit(types.EventResourceViolation, st.Handle.Tenant,
		types.ServiceSubject(st.Handle.Tenant, st.Handle.Service), map[string]any{
			"reason": reason,
			"value":  value,
			"limit":  limit,
			"pid":    st.Handle.PID,
		})
	metrics.MonitorAlerts.WithLabelValues(reason).Inc()
	m.logger.Warn().
		Str("tenant", st.Handle.Tenant).
		Str("service", st.Handle.Service).
		Str("reason", reason).
		Uint64("value", value).
		Uint64("limit", limit).
		Msg("resource limit exceeded")
}

func (m *Monitor) pruneCapabilities() {
	if m.caps == nil {
		return
	}
	removed, err := m.caps.PruneExpired(m.capGrace)
	if err != nil {
		m.logger.Error().Err(err).Msg("capability prune failed")
		return
	}
	if removed > 0 {
		metrics.CapabilitiesPruned.Add(float64(removed))
	}
}
