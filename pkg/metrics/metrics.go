package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event store metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_events_emitted_total",
			Help: "Total number of events emitted by type",
		},
		[]string{"event_type"},
	)

	EventLastID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_event_last_id",
			Help: "Highest event id assigned by the store",
		},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_event_subscribers",
			Help: "Active event subscribers",
		},
	)

	SubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_event_subscribers_dropped_total",
			Help: "Subscribers dropped for not keeping up with dispatch",
		},
	)

	// Worker lifecycle metrics
	WorkersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_workers_running",
			Help: "Live workers by tenant",
		},
		[]string{"tenant"},
	)

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_worker_restarts_total",
			Help: "Supervisor restarts by tenant",
		},
		[]string{"tenant"},
	)

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_deploys_total",
			Help: "Deploy operations by result",
		},
		[]string{"result"},
	)

	KillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_kills_total",
			Help: "Kill operations completed",
		},
	)

	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_swaps_total",
			Help: "Hot swap operations by outcome",
		},
		[]string{"outcome"},
	)

	MessagesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_worker_messages_total",
			Help: "Messages dispatched into worker mailboxes",
		},
	)

	// Capability and vault metrics
	CapabilityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_capability_checks_total",
			Help: "Capability verifications by result",
		},
		[]string{"result"},
	)

	VaultOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_vault_ops_total",
			Help: "Vault operations by op and result",
		},
		[]string{"op", "result"},
	)

	// Backpressure metrics
	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_inflight_requests",
			Help: "Admitted in-flight requests by tenant",
		},
		[]string{"tenant"},
	)

	ShedRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_shed_rejected_total",
			Help: "Requests rejected by the load shedder, by tenant",
		},
		[]string{"tenant"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open)",
		},
		[]string{"tenant", "service"},
	)

	BreakerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_breaker_rejected_total",
			Help: "Calls rejected while a breaker was open",
		},
	)

	// Runtime metrics
	NamespacesInterned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_namespaces_interned",
			Help: "Module namespaces interned by the runtime engine",
		},
	)

	// Monitor metrics
	MonitorCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_monitor_cycles_total",
			Help: "Sampling cycles completed by the resource monitor",
		},
	)

	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hutch_monitor_cycle_duration_seconds",
			Help:    "Duration of one monitor sampling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_monitor_alerts_total",
			Help: "Threshold crossings reported by the monitor, by reason",
		},
		[]string{"reason"},
	)

	CapabilitiesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_capabilities_pruned_total",
			Help: "Expired capability records removed by the prune pass",
		},
	)

	// Gateway metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_http_requests_total",
			Help: "Total number of HTTP gateway requests by route and code",
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(EventLastID)
	prometheus.MustRegister(EventSubscribers)
	prometheus.MustRegister(SubscribersDropped)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(WorkerRestarts)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(KillsTotal)
	prometheus.MustRegister(SwapsTotal)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(CapabilityChecks)
	prometheus.MustRegister(VaultOps)
	prometheus.MustRegister(InFlight)
	prometheus.MustRegister(ShedRejected)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerRejected)
	prometheus.MustRegister(NamespacesInterned)
	prometheus.MustRegister(MonitorCycles)
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(MonitorAlerts)
	prometheus.MustRegister(CapabilitiesPruned)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(HTTPRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
