package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/types"
)

type fakeEmitter struct {
	mu   sync.Mutex
	seen []types.EventType
}

func (f *fakeEmitter) Emit(et types.EventType, tenant, subject string, payload map[string]any) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, et)
	return uint64(len(f.seen))
}

func (f *fakeEmitter) EmitCaused(et types.EventType, tenant, subject string, payload map[string]any, causation uint64) uint64 {
	return f.Emit(et, tenant, subject, payload)
}

func (f *fakeEmitter) count(et types.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.seen {
		if e == et {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")

func failing() (any, error) { return nil, errBoom }
func succeeding() (any, error) { return "ok", nil }

func testRegistry(reset time.Duration) (*Registry, *fakeEmitter) {
	emitter := &fakeEmitter{}
	return NewRegistry(Options{FailureThreshold: 3, ResetTimeout: reset, SuccessThreshold: 2}, emitter), emitter
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	r, emitter := testRegistry(time.Minute)
	b := r.For("acme", "svc")

	for i := 0; i < 3; i++ {
		_, err := b.Call(failing, 0)
		assert.ErrorIs(t, err, errBoom, "call %d should reach the function", i)
	}

	assert.Equal(t, types.BreakerOpen, b.State())
	assert.Equal(t, 1, emitter.count(types.EventCircuitBreakerOpened))

	// Open circuit fast-fails without invoking the function.
	called := false
	_, err := b.Call(func() (any, error) { called = true; return nil, nil }, 0)
	assert.True(t, errdefs.IsCircuitOpen(err))
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r, _ := testRegistry(time.Minute)
	b := r.For("acme", "svc")

	for i := 0; i < 2; i++ {
		_, _ = b.Call(failing, 0)
	}
	_, err := b.Call(succeeding, 0)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _ = b.Call(failing, 0)
	}

	// 2 failures, success, 2 failures: never 3 consecutive.
	assert.Equal(t, types.BreakerClosed, b.State())
}

func TestHalfOpenThenCloses(t *testing.T) {
	r, emitter := testRegistry(50 * time.Millisecond)
	b := r.For("acme", "svc")

	for i := 0; i < 3; i++ {
		_, _ = b.Call(failing, 0)
	}
	require.Equal(t, types.BreakerOpen, b.State())

	time.Sleep(80 * time.Millisecond)

	// First probe succeeds: half-open persists until the success threshold.
	_, err := b.Call(succeeding, 0)
	require.NoError(t, err)
	assert.Equal(t, types.BreakerHalfOpen, b.State())

	_, err = b.Call(succeeding, 0)
	require.NoError(t, err)
	assert.Equal(t, types.BreakerClosed, b.State())
	assert.Equal(t, 1, emitter.count(types.EventCircuitBreakerClosed))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r, emitter := testRegistry(50 * time.Millisecond)
	b := r.For("acme", "svc")

	for i := 0; i < 3; i++ {
		_, _ = b.Call(failing, 0)
	}
	time.Sleep(80 * time.Millisecond)

	_, err := b.Call(failing, 0)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, types.BreakerOpen, b.State())
	assert.Equal(t, 2, emitter.count(types.EventCircuitBreakerOpened))
}

func TestPanicContainedAndCounted(t *testing.T) {
	r, _ := testRegistry(time.Minute)
	b := r.For("acme", "svc")

	for i := 0; i < 3; i++ {
		var err error
		require.NotPanics(t, func() {
			_, err = b.Call(func() (any, error) { panic("worker bug") }, 0)
		})
		assert.True(t, errdefs.IsTransient(err))
	}

	assert.Equal(t, types.BreakerOpen, b.State(), "panics count toward the trip threshold")
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	r, _ := testRegistry(time.Minute)
	b := r.For("acme", "svc")

	slow := func() (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}

	for i := 0; i < 3; i++ {
		_, err := b.Call(slow, 10*time.Millisecond)
		assert.True(t, errdefs.IsTransient(err), "timeout should surface as transient")
	}

	assert.Equal(t, types.BreakerOpen, b.State())
}

func TestRegistryReturnsStableInstances(t *testing.T) {
	r, _ := testRegistry(time.Minute)

	a := r.For("acme", "svc")
	b := r.For("acme", "svc")
	other := r.For("acme", "other")

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)

	// Tripping one breaker leaves its neighbors closed.
	for i := 0; i < 3; i++ {
		_, _ = a.Call(failing, 0)
	}
	assert.Equal(t, types.BreakerOpen, a.State())
	assert.Equal(t, types.BreakerClosed, other.State())

	snaps := r.Snapshot()
	assert.Len(t, snaps, 2)
}

func TestCallResultPassthrough(t *testing.T) {
	r, _ := testRegistry(time.Minute)
	b := r.For("acme", "svc")

	out, err := b.Call(func() (any, error) { return 42, nil }, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}
