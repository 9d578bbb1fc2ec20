package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
)

// System is the root tier. It tracks kernel-critical components and turns a
// reported component failure into exactly one fatal callback; the kernel
// answers that callback by shutting down. Components close in reverse
// registration order.
type System struct {
	logger  zerolog.Logger
	onFatal func(component string, err error)

	mu         sync.Mutex
	components []systemComponent
	fatalOnce  sync.Once
}

type systemComponent struct {
	name  string
	close func(context.Context) error
}

// NewSystem creates the system tier. onFatal may be nil for callers that
// only want the shutdown ordering.
func NewSystem(onFatal func(component string, err error)) *System {
	return &System{
		logger:  log.WithComponent("supervisor"),
		onFatal: onFatal,
	}
}

// Register adds a critical component. A nil close is allowed for components
// without teardown.
func (s *System) Register(name string, close func(context.Context) error) {
	s.mu.Lock()
	s.components = append(s.components, systemComponent{name: name, close: close})
	s.mu.Unlock()
	s.logger.Debug().Str("component", name).Msg("critical component registered")
}

// Fail reports an unrecoverable component failure. The first report reaches
// the fatal callback; later reports only log.
func (s *System) Fail(name string, err error) {
	s.logger.Error().Err(err).Str("component", name).Msg("critical component failed")
	s.fatalOnce.Do(func() {
		if s.onFatal != nil {
			s.onFatal(name, err)
		}
	})
}

// Shutdown closes registered components in reverse registration order. Every
// component gets its chance; errors are joined rather than short-circuiting.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	comps := make([]systemComponent, len(s.components))
	copy(comps, s.components)
	s.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		if c.close == nil {
			continue
		}
		if err := c.close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("component", c.name).Msg("component shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
