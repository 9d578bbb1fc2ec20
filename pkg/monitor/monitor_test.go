package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/hutchhq/hutch/pkg/capability"
	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/supervisor"
	"github.com/hutchhq/hutch/pkg/types"
	"github.com/hutchhq/hutch/pkg/worker"
)

const minimalService = `
function start(opts)
end
`

const echoService = `
function start(opts)
end

function handle(msg)
  return { op = msg.op }
end

function stop()
end
`

// gatedService parks the worker goroutine inside a host call so queued
// messages pile up under test control.
const gatedService = `
function start(opts)
end

function handle(msg)
  if msg.op == "a" then
    hutch.wait_a()
  elseif msg.op == "b" then
    hutch.wait_b()
  end
  return { ok = true }
end

function stop()
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

type testRig struct {
	em   *fakeEmitter
	eng  *runtime.Engine
	reg  *registry.Registry
	disc *registry.Discovery
	sups *supervisor.TenantSupervisor
	dep  *deploy.Deployer
}

func newTestRig(t *testing.T, em *fakeEmitter, hostFuncs deploy.HostFuncProvider) *testRig {
	t.Helper()
	eng := runtime.NewEngine()
	reg := registry.New()
	disc := registry.NewDiscovery()

	hooks := supervisor.Hooks{
		OnDeath: func(tenant, service, workerID string) {
			if reg.UnregisterIf(tenant, service, workerID) {
				disc.WithdrawService(tenant, service)
			}
		},
		OnRestart: func(tenant, service string, w *worker.Worker) {
			_ = reg.Bind(tenant, service, w.Handle())
		},
	}
	sups := supervisor.NewTenantSupervisor(em, supervisor.Policy{}, hooks, 0)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sups.Shutdown(ctx)
	})

	dep := deploy.New(em, eng, reg, disc, sups, deploy.Options{
		ExecTimeout: 10 * time.Second,
		KillGrace:   2 * time.Second,
		HostFuncs:   hostFuncs,
	})
	return &testRig{em: em, eng: eng, reg: reg, disc: disc, sups: sups, dep: dep}
}

func (r *testRig) deploy(t *testing.T, tenant, service, code string) types.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := r.dep.Deploy(ctx, deploy.Request{Tenant: tenant, Service: service, Code: code})
	require.NoError(t, err)
	return h
}

func (r *testRig) worker(t *testing.T, tenant, service string) *worker.Worker {
	t.Helper()
	sub, ok := r.sups.Get(tenant)
	require.True(t, ok)
	w, ok := sub.Lookup(service)
	require.True(t, ok)
	return w
}

func (r *testRig) violations(reason string) []emitted {
	var out []emitted
	for _, e := range r.em.byType(types.EventResourceViolation) {
		if e.payload["reason"] == reason {
			out = append(out, e)
		}
	}
	return out
}

func TestNamespaceAlarmLatches(t *testing.T) {
	em := &fakeEmitter{}
	rig := newTestRig(t, em, nil)
	mon := New(em, rig.eng, rig.sups, nil, Options{NamespaceLimit: 2})

	install := func(ns string) {
		mod, err := rig.eng.Compile(ns, minimalService)
		require.NoError(t, err)
		rig.eng.Install(mod)
	}

	install("acme/one")
	mon.sample()
	assert.Empty(t, em.byType(types.EventAtomUsageHigh), "below the limit nothing fires")

	install("acme/two")
	mon.sample()
	got := em.byType(types.EventAtomUsageHigh)
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].tenant)
	assert.Equal(t, types.SubjectSystem, got[0].subject)
	assert.Equal(t, 2, got[0].payload["count"])
	assert.Equal(t, 2, got[0].payload["limit"])

	install("acme/three")
	mon.sample()
	mon.sample()
	assert.Len(t, em.byType(types.EventAtomUsageHigh), 1, "the alarm latches")
}

func TestQueueDepthViolationRearms(t *testing.T) {
	gateA := make(chan struct{})
	gateB := make(chan struct{})
	var onceA sync.Once
	openA := func() { onceA.Do(func() { close(gateA) }) }

	em := &fakeEmitter{}
	rig := newTestRig(t, em, func(tenant, service string) map[string]lua.LGFunction {
		return map[string]lua.LGFunction{
			"wait_a": func(L *lua.LState) int { <-gateA; return 0 },
			"wait_b": func(L *lua.LState) int { <-gateB; return 0 },
		}
	})
	t.Cleanup(func() { close(gateB) })
	t.Cleanup(openA)

	mon := New(em, rig.eng, rig.sups, nil, Options{QueueWarn: 2})

	rig.deploy(t, "acme", "gated", gatedService)
	w := rig.worker(t, "acme", "gated")

	// One message occupies the run loop; at least three more sit queued.
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Deliver(&worker.Message{Op: "a"}))
	}
	mon.sample()
	require.Len(t, rig.violations("queue_depth"), 1)

	mon.sample()
	assert.Len(t, rig.violations("queue_depth"), 1, "a held alarm stays silent")

	// The mailbox is FIFO, so a completed call proves the gated messages
	// drained.
	openA()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := w.Call(ctx, "noop", nil)
	require.NoError(t, err)

	mon.sample()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Deliver(&worker.Message{Op: "b"}))
	}
	mon.sample()
	got := rig.violations("queue_depth")
	require.Len(t, got, 2, "recovery re-arms the alarm")
	assert.Equal(t, got[0].payload["pid"], got[1].payload["pid"], "same incarnation both times")
	assert.Equal(t, "acme", got[1].tenant)
	assert.Equal(t, "acme/gated", got[1].subject)
	assert.Equal(t, uint64(2), got[1].payload["limit"])
}

func TestMemoryViolationPerIncarnation(t *testing.T) {
	em := &fakeEmitter{}
	rig := newTestRig(t, em, nil)
	mon := New(em, rig.eng, rig.sups, nil, Options{MemoryWarnBytes: 1})

	rig.deploy(t, "acme", "mem", echoService)
	mon.sample()
	mon.sample()
	first := rig.violations("memory")
	require.Len(t, first, 1, "a held alarm emits once")
	assert.GreaterOrEqual(t, first[0].payload["value"], uint64(256<<10), "estimate carries the interpreter baseline")
	assert.Equal(t, uint64(1), first[0].payload["limit"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rig.dep.Kill(ctx, "acme", "mem", 0, false))
	mon.sample()

	rig.deploy(t, "acme", "mem", echoService)
	mon.sample()
	got := rig.violations("memory")
	require.Len(t, got, 2, "a fresh incarnation fires again")
	assert.NotEqual(t, got[0].payload["pid"], got[1].payload["pid"])
}

func TestCapabilityPruneRidesTheTick(t *testing.T) {
	em := &fakeEmitter{}
	rig := newTestRig(t, em, nil)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	caps, err := capability.NewManager(store, em)
	require.NoError(t, err)

	_, _, err = caps.Grant("acme", "vault/acme", []string{"retrieve"}, time.Hour)
	require.NoError(t, err)
	_, _, err = caps.Grant("acme", "vault/acme", []string{"list"}, 20*time.Millisecond)
	require.NoError(t, err)

	mon := New(em, rig.eng, rig.sups, caps, Options{CapabilityGrace: time.Millisecond})

	time.Sleep(60 * time.Millisecond)
	mon.sample()

	got := caps.List("acme")
	require.Len(t, got, 1, "only the stale record decays")
	assert.Contains(t, got[0].Permissions, "retrieve")
}

func TestTickerLoopSamples(t *testing.T) {
	em := &fakeEmitter{}
	rig := newTestRig(t, em, nil)
	rig.deploy(t, "acme", "busy", echoService)

	mon := New(em, rig.eng, rig.sups, nil, Options{Interval: 15 * time.Millisecond, MemoryWarnBytes: 1})
	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return len(rig.violations("memory")) >= 1
	}, 2*time.Second, 10*time.Millisecond, "the loop samples on its own")

	mon.Stop()
	mon.Stop()
}
