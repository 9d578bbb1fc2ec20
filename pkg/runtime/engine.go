package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
)

// FormatLua is the sole supported source format for service code.
const FormatLua = "lua"

// Loading a chunk at compile time must finish quickly; a top-level infinite
// loop is a rejected deploy, not a hung kernel.
const probeTimeout = 2 * time.Second

// Module is one compiled unit of service code bound to a namespace. Version
// counts installs in that namespace; Hash identifies the source text.
type Module struct {
	Namespace  string
	Version    uint64
	Hash       string
	Proto      *lua.FunctionProto
	Source     string
	CompiledAt time.Time
}

// Engine compiles service source and owns the namespace table: the mapping
// from interned namespace to its currently-installed module. Namespaces are
// never forgotten while the process lives, which is exactly why the monitor
// watches their count.
type Engine struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	modules map[string]*Module
}

// NewEngine creates an engine with an empty namespace table.
func NewEngine() *Engine {
	return &Engine{
		logger:  log.WithComponent("runtime"),
		modules: make(map[string]*Module),
	}
}

// Compile parses, compiles, and probes source for the given namespace. The
// probe runs the chunk once in a throwaway sandboxed state and rejects code
// that fails to load or does not define a global start function. The
// returned module is not yet installed.
func (e *Engine) Compile(namespace, source string) (*Module, error) {
	chunk, err := parse.Parse(strings.NewReader(source), namespace)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "parse failed: %v", err)
	}
	proto, err := lua.Compile(chunk, namespace)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "compile failed: %v", err)
	}
	if err := probeChunk(proto); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(source))
	return &Module{
		Namespace:  namespace,
		Hash:       hex.EncodeToString(sum[:])[:12],
		Proto:      proto,
		Source:     source,
		CompiledAt: time.Now().UTC(),
	}, nil
}

// probeChunk loads the chunk in a scratch state and checks the contract.
func probeChunk(proto *lua.FunctionProto) error {
	L := NewSandboxedState()
	defer L.Close()
	installStubHost(L)

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	L.SetContext(ctx)

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "chunk failed to load: %v", err)
	}
	if L.GetGlobal("start").Type() != lua.LTFunction {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "service code must define start(opts)")
	}
	return nil
}

// Install makes m the current module for its namespace and assigns the next
// version. Returns m for chaining.
func (e *Engine) Install(m *Module) *Module {
	e.mu.Lock()
	prev, known := e.modules[m.Namespace]
	if prev != nil {
		m.Version = prev.Version + 1
	} else {
		m.Version = 1
	}
	e.modules[m.Namespace] = m
	e.mu.Unlock()

	if !known {
		metrics.NamespacesInterned.Inc()
	}
	e.logger.Debug().
		Str("namespace", m.Namespace).
		Uint64("version", m.Version).
		Str("hash", m.Hash).
		Msg("module installed")
	return m
}

// Restore reinstalls a previously-current module during rollback. Module
// history is append-only: the version still advances.
func (e *Engine) Restore(m *Module) *Module {
	restored := &Module{
		Namespace:  m.Namespace,
		Hash:       m.Hash,
		Proto:      m.Proto,
		Source:     m.Source,
		CompiledAt: m.CompiledAt,
	}
	return e.Install(restored)
}

// Current returns the namespace's installed module.
func (e *Engine) Current(namespace string) (*Module, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.modules[namespace]
	return m, ok
}

// Count reports how many namespaces are interned.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.modules)
}

// Namespaces lists the interned namespaces in sorted order.
func (e *Engine) Namespaces() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.modules))
	for ns := range e.modules {
		out = append(out, ns)
	}
	e.mu.RUnlock()

	sort.Strings(out)
	return out
}
