package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// lockdown restricts a freshly created state to safe operations. The state is
// opened with SkipOpenLibs, so only the libraries opened here exist at all.
func lockdown(L *lua.LState) {
	// Base gives print/pairs/pcall/etc. Package is needed for require() so the
	// preloaded host modules are reachable.
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.LoadLibName, lua.OpenPackage},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}

	// Remove the escape hatches: nothing may load code from strings or disk.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	// Clear package.path/cpath so require() resolves preloaded modules only.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}
}
