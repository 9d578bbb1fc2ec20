package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/runtime"
	"github.com/hutchhq/hutch/pkg/types"
)

const (
	defaultMailboxSize = 256
	defaultExecTimeout = 30 * time.Second
)

var pidCounter atomic.Uint64

type ctrlKind int

const (
	ctrlStop ctrlKind = iota
	ctrlSwap
)

type control struct {
	kind   ctrlKind
	module *runtime.Module
	done   chan error
}

// Options configure one worker.
type Options struct {
	Tenant  string
	Service string
	Module  *runtime.Module
	// MailboxSize bounds the data queue (default 256).
	MailboxSize int
	// ExecTimeout bounds every Lua execution: boot, dispatch, hooks (default 30s).
	ExecTimeout time.Duration
	// HostFuncs are installed into the worker's hutch table next to log.
	HostFuncs map[string]lua.LGFunction
	// OnExit fires exactly once, from its own goroutine, after the worker
	// stops. A nil reason is a normal exit (stop or kill); non-nil is a crash.
	OnExit func(w *Worker, reason error)
}

// Worker runs one service as a single goroutine owning a sandboxed Lua
// state. All Lua execution happens on that goroutine; the outside world
// talks to it through the mailbox and control channel. Control messages
// (stop, swap) outrank queued data.
type Worker struct {
	logger zerolog.Logger

	handleMu sync.RWMutex
	handle   types.Handle

	state   *lua.LState
	module  *runtime.Module
	version uint64

	mailbox chan *Message
	ctrl    chan control
	forceCh chan struct{}
	done    chan struct{}

	execTimeout time.Duration
	srcLen      atomic.Int64

	reductions atomic.Uint64
	alive      atomic.Bool
	forced     atomic.Bool
	forceOnce  sync.Once

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	exitMu     sync.Mutex
	exitReason error

	onExit func(*Worker, error)
}

// Start boots a worker: fresh sandboxed state, host table, module chunk,
// then the service's start(opts). Any failure tears the state down and
// reports why; on success the worker goroutine is running and accepting
// messages.
func Start(opts Options) (*Worker, error) {
	if opts.Module == nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "module required")
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaultMailboxSize
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}

	w := &Worker{
		handle: types.Handle{
			Tenant:    opts.Tenant,
			Service:   opts.Service,
			ID:        uuid.NewString(),
			PID:       pidCounter.Add(1),
			StartedAt: time.Now().UTC(),
		},
		module:      opts.Module,
		version:     opts.Module.Version,
		mailbox:     make(chan *Message, opts.MailboxSize),
		ctrl:        make(chan control),
		forceCh:     make(chan struct{}),
		done:        make(chan struct{}),
		execTimeout: opts.ExecTimeout,
		onExit:      opts.OnExit,
	}
	w.logger = log.WithWorker(opts.Tenant, opts.Service, w.handle.ID)
	w.srcLen.Store(int64(len(opts.Module.Source)))

	w.state = runtime.NewSandboxedState()
	w.installHost(opts.HostFuncs)

	if err := w.boot(); err != nil {
		w.state.Close()
		return nil, err
	}

	w.alive.Store(true)
	metrics.WorkersRunning.WithLabelValues(opts.Tenant).Inc()
	w.logger.Info().Uint64("pid", w.handle.PID).Uint64("version", w.version).Msg("worker started")
	go w.run()
	return w, nil
}

func (w *Worker) boot() error {
	done := w.beginExec()
	defer done()

	w.state.Push(w.state.NewFunctionFromProto(w.module.Proto))
	if err := w.state.PCall(0, lua.MultRet, nil); err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "service code failed to load: %v", err)
	}

	startFn := w.state.GetGlobal("start")
	if startFn.Type() != lua.LTFunction {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "service code must define start(opts)")
	}

	opts := w.state.NewTable()
	w.state.SetField(opts, "tenant", lua.LString(w.handle.Tenant))
	w.state.SetField(opts, "service", lua.LString(w.handle.Service))
	w.state.SetField(opts, "version", lua.LNumber(w.version))
	if err := w.state.CallByParam(lua.P{Fn: startFn, NRet: 0, Protect: true}, opts); err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "start failed: %v", err)
	}
	return nil
}

// beginExec attaches a fresh deadline context to the Lua state and exposes
// its cancel for force-kill. The returned func clears both.
func (w *Worker) beginExec() func() {
	ctx, cancel := context.WithTimeout(context.Background(), w.execTimeout)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
	w.state.SetContext(ctx)

	return func() {
		w.cancelMu.Lock()
		w.cancel = nil
		w.cancelMu.Unlock()
		cancel()
	}
}

func (w *Worker) installHost(extra map[string]lua.LGFunction) {
	host := w.state.NewTable()
	w.state.SetField(host, "log", w.state.NewFunction(w.luaLog))
	for name, fn := range extra {
		w.state.SetField(host, name, w.state.NewFunction(fn))
	}
	w.state.SetGlobal("hutch", host)
}

func (w *Worker) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	evt := w.logger.Info()
	switch level {
	case "debug":
		evt = w.logger.Debug()
	case "warn":
		evt = w.logger.Warn()
	case "error":
		evt = w.logger.Error()
	}
	evt.Msg(msg)
	return 0
}

// Handle returns the worker's identity snapshot.
func (w *Worker) Handle() types.Handle {
	w.handleMu.RLock()
	defer w.handleMu.RUnlock()
	return w.handle
}

// SetStartEventID stamps the event id of this incarnation's start event so
// later crash events can be chained to it.
func (w *Worker) SetStartEventID(id uint64) {
	w.handleMu.Lock()
	w.handle.StartEventID = id
	w.handleMu.Unlock()
}

// Alive reports whether the worker goroutine is still serving.
func (w *Worker) Alive() bool { return w.alive.Load() }

// Done is closed when the worker goroutine has fully exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitReason is valid after Done is closed: nil for stop/kill, the crash
// error otherwise.
func (w *Worker) ExitReason() error {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	return w.exitReason
}

// Status samples the worker at call time.
func (w *Worker) Status() types.ServiceStatus {
	return types.ServiceStatus{
		Handle:     w.Handle(),
		Alive:      w.alive.Load(),
		Memory:     w.memoryEstimate(),
		QueueLen:   len(w.mailbox),
		Reductions: w.reductions.Load(),
	}
}

// memoryEstimate is a coarse accounting figure: interpreter baseline plus
// source text plus queued messages. Good enough to spot runaways.
func (w *Worker) memoryEstimate() uint64 {
	return uint64(256<<10) + uint64(w.srcLen.Load()) + uint64(len(w.mailbox))*512
}

// Deliver queues a message. A full mailbox rejects instead of blocking, so
// backpressure reaches the caller as Overloaded.
func (w *Worker) Deliver(m *Message) error {
	if !w.alive.Load() {
		return errdefs.Wrapf(errdefs.ErrNotFound, "worker %s/%s not running", w.handle.Tenant, w.handle.Service)
	}
	select {
	case w.mailbox <- m:
		return nil
	default:
		return errdefs.Wrapf(errdefs.ErrOverloaded, "mailbox full for %s/%s", w.handle.Tenant, w.handle.Service)
	}
}

// Call delivers a request and waits for its reply.
func (w *Worker) Call(ctx context.Context, op string, payload map[string]any) (map[string]any, error) {
	reply := make(chan Result, 1)
	if err := w.Deliver(&Message{Op: op, Payload: payload, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.Value, r.Err
	case <-w.done:
		// The worker may have answered just before exiting.
		select {
		case r := <-reply:
			return r.Value, r.Err
		default:
			return nil, errdefs.Wrapf(errdefs.ErrTransient, "worker exited during call")
		}
	case <-ctx.Done():
		return nil, errdefs.Wrapf(errdefs.ErrTransient, "call timed out")
	}
}

// Stop requests a graceful exit: the stop() hook runs, then the goroutine
// returns normally. Blocks until the worker is gone or ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	select {
	case w.ctrl <- control{kind: ctrlStop}:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return errdefs.Wrapf(errdefs.ErrTransient, "worker did not accept stop")
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return errdefs.Wrapf(errdefs.ErrTransient, "worker did not stop in time")
	}
}

// Force terminates without ceremony: the current Lua execution is cancelled
// and the goroutine exits as soon as it observes the kill. Safe to call any
// number of times, from any goroutine.
func (w *Worker) Force() {
	w.forceOnce.Do(func() {
		w.forced.Store(true)
		close(w.forceCh)
		w.cancelMu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.cancelMu.Unlock()
	})
}

// Swap loads a new module into the running state and invokes the service's
// migrate hook. A load or migrate failure crashes the worker; the caller
// sees the error, and the exit travels the normal crash path.
func (w *Worker) Swap(ctx context.Context, m *runtime.Module) error {
	done := make(chan error, 1)
	select {
	case w.ctrl <- control{kind: ctrlSwap, module: m, done: done}:
	case <-w.done:
		return errdefs.Wrapf(errdefs.ErrNotFound, "worker %s/%s not running", w.handle.Tenant, w.handle.Service)
	case <-ctx.Done():
		return errdefs.Wrapf(errdefs.ErrTransient, "swap not accepted")
	}
	select {
	case err := <-done:
		return err
	case <-w.done:
		select {
		case err := <-done:
			return err
		default:
			return errdefs.Wrapf(errdefs.ErrTransient, "worker exited during swap")
		}
	case <-ctx.Done():
		return errdefs.Wrapf(errdefs.ErrTransient, "swap timed out")
	}
}

func (w *Worker) run() {
	var reason error
	defer w.finish(&reason)

	for {
		// Drain control ahead of data.
		select {
		case <-w.forceCh:
			return
		case c := <-w.ctrl:
			exit, err := w.handleControl(c)
			if exit {
				reason = err
				return
			}
			continue
		default:
		}

		select {
		case <-w.forceCh:
			return
		case c := <-w.ctrl:
			exit, err := w.handleControl(c)
			if exit {
				reason = err
				return
			}
		case m := <-w.mailbox:
			if err := w.dispatch(m); err != nil {
				if !w.forced.Load() {
					reason = err
				}
				return
			}
		}
	}
}

func (w *Worker) handleControl(c control) (exit bool, reason error) {
	switch c.kind {
	case ctrlStop:
		w.runStopHook()
		return true, nil
	case ctrlSwap:
		err := w.loadModule(c.module)
		c.done <- err
		if err != nil && !w.forced.Load() {
			return true, err
		}
		return false, nil
	}
	return false, nil
}

func (w *Worker) runStopHook() {
	fn := w.state.GetGlobal("stop")
	if fn.Type() != lua.LTFunction {
		return
	}
	done := w.beginExec()
	defer done()
	if err := w.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		w.logger.Warn().Err(err).Msg("stop hook failed")
	}
}

func (w *Worker) loadModule(m *runtime.Module) error {
	oldVersion := w.version

	done := w.beginExec()
	defer done()

	w.state.Push(w.state.NewFunctionFromProto(m.Proto))
	if err := w.state.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("swap load failed: %w", err)
	}

	if fn := w.state.GetGlobal("migrate"); fn.Type() == lua.LTFunction {
		if err := w.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LNumber(oldVersion)); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}

	w.module = m
	w.version = m.Version
	w.srcLen.Store(int64(len(m.Source)))
	w.logger.Info().Uint64("version", m.Version).Str("hash", m.Hash).Msg("module swapped in place")
	return nil
}

// dispatch runs one data message. A non-nil return crashes the worker.
func (w *Worker) dispatch(m *Message) error {
	w.reductions.Add(1)
	metrics.MessagesDispatched.Inc()

	fn := w.state.GetGlobal("handle")
	if fn.Type() != lua.LTFunction {
		m.reply(Result{Err: errdefs.Wrapf(errdefs.ErrInvalidInput, "service %s/%s defines no handle", w.handle.Tenant, w.handle.Service)})
		return nil
	}

	done := w.beginExec()
	defer done()

	msg := runtime.ToLua(w.state, m.Payload)
	tbl, ok := msg.(*lua.LTable)
	if !ok {
		tbl = w.state.NewTable()
	}
	w.state.SetField(tbl, "op", lua.LString(m.Op))

	if err := w.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, tbl); err != nil {
		m.reply(Result{Err: errdefs.Wrapf(errdefs.ErrTransient, "handler failed: %v", err)})
		return fmt.Errorf("handler failed: %w", err)
	}

	ret := w.state.Get(-1)
	w.state.Pop(1)
	m.reply(Result{Value: resultMap(ret)})
	return nil
}

func resultMap(v lua.LValue) map[string]any {
	switch x := runtime.FromLua(v).(type) {
	case nil:
		return nil
	case map[string]any:
		return x
	default:
		return map[string]any{"result": x}
	}
}

func (w *Worker) finish(reason *error) {
	if r := recover(); r != nil && *reason == nil && !w.forced.Load() {
		*reason = fmt.Errorf("worker panic: %v", r)
	}

	w.alive.Store(false)
	w.exitMu.Lock()
	w.exitReason = *reason
	w.exitMu.Unlock()

	w.state.Close()
	metrics.WorkersRunning.WithLabelValues(w.handle.Tenant).Dec()

	if *reason != nil {
		w.logger.Warn().Err(*reason).Msg("worker crashed")
	} else {
		w.logger.Info().Msg("worker stopped")
	}

	close(w.done)
	if w.onExit != nil {
		exitReason := *reason
		go w.onExit(w, exitReason)
	}
}
