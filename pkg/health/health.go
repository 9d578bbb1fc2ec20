package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hutchhq/hutch/pkg/log"
)

// Report status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DefaultProbeTimeout bounds one probe when the registry is built without an
// explicit timeout.
const DefaultProbeTimeout = 3 * time.Second

// Probe reports one component's availability. A nil error is healthy; the
// error text becomes the component message in the report.
type Probe func(ctx context.Context) error

// Result is the outcome of one probe run.
type Result struct {
	Healthy    bool   `json:"healthy"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report aggregates every registered probe. Status is degraded as soon as
// any component fails; the per-component results say which.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]Result `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Healthy reports whether every component passed.
func (r Report) Healthy() bool { return r.Status == StatusOK }

// Registry holds named probes and answers aggregate reports for the
// gateways. Probes run concurrently, each under its own timeout, so one
// stuck component cannot mask the state of the others.
type Registry struct {
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry builds an empty registry. A non-positive timeout falls back to
// DefaultProbeTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Registry{
		logger:  log.WithComponent("health"),
		timeout: timeout,
		probes:  map[string]Probe{},
	}
}

// Register adds a probe under name, replacing any previous one.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	r.probes[name] = p
	r.mu.Unlock()
}

// Check runs every probe and aggregates the results.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	probes := make([]Probe, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		probes = append(probes, r.probes[name])
	}
	r.mu.RUnlock()

	report := Report{
		Status:     StatusOK,
		Components: make(map[string]Result, len(names)),
		CheckedAt:  time.Now().UTC(),
	}

	results := make([]Result, len(names))
	g := new(errgroup.Group)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			results[i] = r.runProbe(ctx, names[i], p)
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range names {
		report.Components[name] = results[i]
		if !results[i].Healthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (r *Registry) runProbe(ctx context.Context, name string, p Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p(ctx)
	res := Result{Healthy: err == nil, DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Message = err.Error()
		r.logger.Warn().Str("probe", name).Err(err).Msg("health probe failed")
	}
	return res
}
