package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/worker"
)

const crashOnCall = `
function start(opts)
end

function handle(msg)
	error("kaput")
end
`

const echoSource = `
function start(opts)
end

function handle(msg)
	return { ok = true }
end
`

type emitted struct {
	id        uint64
	typ       types.EventType
	tenant    string
	subject   string
	payload   map[string]any
	causation uint64
}

type fakeEmitter struct {
	mu  sync.Mutex
	seq uint64
	log []emitted
}

func (f *fakeEmitter) Emit(et types.EventType, tenant, subject string, payload map[string]any) uint64 {
	return f.EmitCaused(et, tenant, subject, payload, 0)
}

func (f *fakeEmitter) EmitCaused(et types.EventType, tenant, subject string, payload map[string]any, causation uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.log = append(f.log, emitted{id: f.seq, typ: et, tenant: tenant, subject: subject, payload: payload, causation: causation})
	return f.seq
}

func (f *fakeEmitter) byType(et types.EventType) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.log {
		if e.typ == et {
			out = append(out, e)
		}
	}
	return out
}

func luaFactory(t *testing.T, tenant, service, source string) Factory {
	t.Helper()
	eng := runtime.NewEngine()
	ns := runtime.Namespace(tenant, service)
	m, err := eng.Compile(ns, source)
	require.NoError(t, err)
	eng.Install(m)
	return func(onExit func(*worker.Worker, error)) (*worker.Worker, error) {
		cur, _ := eng.Current(ns)
		return worker.Start(worker.Options{Tenant: tenant, Service: service, Module: cur, OnExit: onExit})
	}
}

func newTestTree(t *testing.T, em *fakeEmitter, hooks Hooks, maxTenants int) *TenantSupervisor {
	t.Helper()
	policy := Policy{BackoffBase: 2 * time.Millisecond, BackoffCap: 10 * time.Millisecond, MaxRestarts: 3, RestartWindow: time.Minute}
	ts := NewTenantSupervisor(em, policy, hooks, maxTenants)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	})
	return ts
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitWorkerDone(t *testing.T, w *worker.Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

func TestCrashTriggersRestart(t *testing.T) {
	em := &fakeEmitter{}
	restarted := make(chan *worker.Worker, 1)
	ts := newTestTree(t, em, Hooks{OnRestart: func(_, _ string, w *worker.Worker) { restarted <- w }}, 0)

	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)
	w1, err := sub.StartService("svc", luaFactory(t, "acme", "svc", crashOnCall))
	require.NoError(t, err)
	startID := em.EmitCaused(types.EventServiceStarted, "acme", "acme/svc", nil, 0)
	w1.SetStartEventID(startID)

	_, err = w1.Call(testCtx(t), "boom", nil)
	require.Error(t, err)

	var w2 *worker.Worker
	select {
	case w2 = <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("no restart happened")
	}
	assert.NotEqual(t, w1.Handle().PID, w2.Handle().PID)
	assert.True(t, w2.Alive())

	got, ok := sub.Lookup("svc")
	require.True(t, ok)
	assert.Same(t, w2, got)

	crashes := em.byType(types.EventServiceCrashed)
	require.Len(t, crashes, 1)
	assert.Equal(t, true, crashes[0].payload["will_restart"])
	assert.Equal(t, startID, crashes[0].causation)

	starts := em.byType(types.EventServiceStarted)
	require.Len(t, starts, 2)
	assert.Equal(t, crashes[0].id, starts[1].causation)
	assert.Equal(t, true, starts[1].payload["restart"])
}

func TestRestartBudgetExhausted(t *testing.T) {
	em := &fakeEmitter{}
	dead := make(chan string, 1)
	policy := Policy{BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond, MaxRestarts: 2, RestartWindow: time.Minute}
	ts := NewTenantSupervisor(em, policy, Hooks{OnDeath: func(tenant, service, _ string) { dead <- tenant + "/" + service }}, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	})

	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)
	_, err = sub.StartService("svc", luaFactory(t, "acme", "svc", crashOnCall))
	require.NoError(t, err)

	// Two restarts fit the budget; the third crash is terminal.
	for i := 0; i < 3; i++ {
		var w *worker.Worker
		require.Eventually(t, func() bool {
			var ok bool
			w, ok = sub.Lookup("svc")
			return ok && w.Alive()
		}, 5*time.Second, 2*time.Millisecond)
		_, _ = w.Call(testCtx(t), "boom", nil)
		waitWorkerDone(t, w)
	}

	select {
	case name := <-dead:
		assert.Equal(t, "acme/svc", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no death notification")
	}
	_, ok := sub.Lookup("svc")
	assert.False(t, ok)

	crashes := em.byType(types.EventServiceCrashed)
	require.Len(t, crashes, 3)
	assert.Equal(t, true, crashes[0].payload["will_restart"])
	assert.Equal(t, true, crashes[1].payload["will_restart"])
	assert.Equal(t, false, crashes[2].payload["will_restart"])
}

func TestRestartPicksUpCurrentModule(t *testing.T) {
	em := &fakeEmitter{}
	restarted := make(chan *worker.Worker, 1)
	ts := newTestTree(t, em, Hooks{OnRestart: func(_, _ string, w *worker.Worker) { restarted <- w }}, 0)
	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)

	eng := runtime.NewEngine()
	ns := runtime.Namespace("acme", "svc")
	v1, err := eng.Compile(ns, crashOnCall)
	require.NoError(t, err)
	eng.Install(v1)
	factory := func(onExit func(*worker.Worker, error)) (*worker.Worker, error) {
		cur, _ := eng.Current(ns)
		return worker.Start(worker.Options{Tenant: "acme", Service: "svc", Module: cur, OnExit: onExit})
	}

	w1, err := sub.StartService("svc", factory)
	require.NoError(t, err)

	v2, err := eng.Compile(ns, `
function start(opts)
end

function handle(msg)
	return { version = 2 }
end
`)
	require.NoError(t, err)
	eng.Install(v2)

	_, _ = w1.Call(testCtx(t), "boom", nil)

	var w2 *worker.Worker
	select {
	case w2 = <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("no restart happened")
	}

	// The replacement booted from the module that is current now, not the
	// one the first incarnation was started with.
	res, err := w2.Call(testCtx(t), "probe", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), res["version"])
}

func TestKillNeverRestarts(t *testing.T) {
	em := &fakeEmitter{}
	type death struct{ service, workerID string }
	dead := make(chan death, 1)
	ts := newTestTree(t, em, Hooks{OnDeath: func(_, service, id string) { dead <- death{service, id} }}, 0)
	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)
	w, err := sub.StartService("svc", luaFactory(t, "acme", "svc", echoSource))
	require.NoError(t, err)

	require.NoError(t, sub.Kill(testCtx(t), "svc", time.Second, false))
	select {
	case d := <-dead:
		assert.Equal(t, "svc", d.service)
		assert.Equal(t, w.Handle().ID, d.workerID)
	case <-time.After(5 * time.Second):
		t.Fatal("no death notification")
	}

	_, ok := sub.Lookup("svc")
	assert.False(t, ok)
	assert.Empty(t, em.byType(types.EventServiceCrashed))

	// The name is free again.
	_, err = sub.StartService("svc", luaFactory(t, "acme", "svc", echoSource))
	require.NoError(t, err)

	err = sub.Kill(testCtx(t), "ghost", time.Second, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestKillForceEscalates(t *testing.T) {
	em := &fakeEmitter{}
	dead := make(chan string, 1)
	ts := newTestTree(t, em, Hooks{OnDeath: func(_, service, _ string) { dead <- service }}, 0)
	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)
	w, err := sub.StartService("svc", luaFactory(t, "acme", "svc", `
function start(opts)
end

function handle(msg)
	while true do end
end
`))
	require.NoError(t, err)

	require.NoError(t, w.Deliver(&worker.Message{Op: "spin", Reply: make(chan worker.Result, 1)}))
	require.Eventually(t, func() bool { return w.Status().Reductions >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Kill(testCtx(t), "svc", 20*time.Millisecond, true))
	waitWorkerDone(t, w)
	select {
	case <-dead:
	case <-time.After(5 * time.Second):
		t.Fatal("no death notification")
	}
	assert.Empty(t, em.byType(types.EventServiceCrashed))
}

func TestDuplicateStartRejected(t *testing.T) {
	ts := newTestTree(t, &fakeEmitter{}, Hooks{}, 0)
	sub, err := ts.ForTenant("acme")
	require.NoError(t, err)
	_, err = sub.StartService("svc", luaFactory(t, "acme", "svc", echoSource))
	require.NoError(t, err)
	_, err = sub.StartService("svc", luaFactory(t, "acme", "svc", echoSource))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrAlreadyExists))
}

func TestTenantIsolation(t *testing.T) {
	em := &fakeEmitter{}
	ts := newTestTree(t, em, Hooks{}, 0)
	subA, err := ts.ForTenant("alpha")
	require.NoError(t, err)
	subB, err := ts.ForTenant("beta")
	require.NoError(t, err)

	_, err = subA.StartService("shared", luaFactory(t, "alpha", "shared", echoSource))
	require.NoError(t, err)
	wb, err := subB.StartService("shared", luaFactory(t, "beta", "shared", echoSource))
	require.NoError(t, err)

	assert.Equal(t, []string{"shared"}, subA.Services())
	assert.Equal(t, []string{"shared"}, subB.Services())

	require.NoError(t, subA.Kill(testCtx(t), "shared", time.Second, false))
	assert.True(t, wb.Alive())
	got, ok := subB.Lookup("shared")
	require.True(t, ok)
	assert.Same(t, wb, got)
	assert.Equal(t, []string{"alpha", "beta"}, ts.Tenants())
}

func TestTenantCap(t *testing.T) {
	ts := newTestTree(t, &fakeEmitter{}, Hooks{}, 2)
	_, err := ts.ForTenant("a")
	require.NoError(t, err)
	_, err = ts.ForTenant("b")
	require.NoError(t, err)
	_, err = ts.ForTenant("c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrOverloaded))

	// Existing tenants stay reachable at the cap.
	_, err = ts.ForTenant("a")
	require.NoError(t, err)
}

func TestShutdownStopsWorkers(t *testing.T) {
	em := &fakeEmitter{}
	var deaths atomic.Int32
	ts := NewTenantSupervisor(em, Policy{}, Hooks{OnDeath: func(_, _, _ string) { deaths.Add(1) }}, 0)
	subA, err := ts.ForTenant("alpha")
	require.NoError(t, err)
	wa, err := subA.StartService("one", luaFactory(t, "alpha", "one", echoSource))
	require.NoError(t, err)
	subB, err := ts.ForTenant("beta")
	require.NoError(t, err)
	wb, err := subB.StartService("two", luaFactory(t, "beta", "two", echoSource))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Shutdown(ctx))
	waitWorkerDone(t, wa)
	waitWorkerDone(t, wb)

	// Shutdown is silent: no death hooks, no crash events, no new tenants.
	assert.Equal(t, int32(0), deaths.Load())
	assert.Empty(t, em.byType(types.EventServiceCrashed))
	_, err = ts.ForTenant("gamma")
	require.Error(t, err)
}

func TestSystemFailReportsOnce(t *testing.T) {
	var calls atomic.Int32
	s := NewSystem(func(component string, err error) { calls.Add(1) })
	s.Fail("events", errors.New("disk gone"))
	s.Fail("vault", errors.New("also broken"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSystemShutdownReverseOrder(t *testing.T) {
	s := NewSystem(nil)
	var order []string
	for _, name := range []string{"events", "registry", "vault"} {
		name := name
		s.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, []string{"vault", "registry", "events"}, order)
}

func TestSystemShutdownJoinsErrors(t *testing.T) {
	s := NewSystem(nil)
	s.Register("good", func(context.Context) error { return nil })
	s.Register("bad", func(context.Context) error { return errors.New("flush failed") })
	err := s.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
