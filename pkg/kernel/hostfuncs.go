package kernel

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/hutchhq/hutch/pkg/types"
)

// hostFuncs builds the hutch-table functions handed to every worker. The
// closures capture the worker's own (tenant, service), so service code can
// only see and announce names inside its tenant.
func (k *Kernel) hostFuncs(tenant, service string) map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"discover": func(L *lua.LState) int {
			name := L.CheckString(1)
			anns := k.disc.Discover(tenant, name, nil)
			out := L.NewTable()
			for _, a := range anns {
				row := L.NewTable()
				row.RawSetString("service", lua.LString(a.Service))
				if a.Endpoint != "" {
					row.RawSetString("endpoint", lua.LString(a.Endpoint))
				}
				out.Append(row)
			}
			L.Push(out)
			return 1
		},
		"announce": func(L *lua.LState) int {
			name := L.CheckString(1)
			endpoint := L.OptString(2, "")
			err := k.disc.Announce(types.Announcement{
				Tenant:   tenant,
				Name:     name,
				Service:  service,
				Endpoint: endpoint,
			})
			if err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
	}
}
