package runtime

import (
	lua "github.com/yuin/gopher-lua"
)

// NewSandboxedState returns a Lua state with only the safe stdlib opened:
// base, table, string, and math. No io, no os, no coroutines, no debug, so
// service code cannot reach outside its interpreter.
func NewSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage}, // must be first
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			// Opening a stdlib into a fresh state cannot fail.
			panic(err)
		}
	}
	return L
}

// installStubHost gives probe states an inert hutch table so chunks that
// call host functions at load time still compile.
func installStubHost(L *lua.LState) {
	host := L.NewTable()
	noop := L.NewFunction(func(L *lua.LState) int { return 0 })
	L.SetField(host, "log", noop)
	L.SetGlobal("hutch", host)
}
