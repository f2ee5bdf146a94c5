package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// entrypoint is the function every plugin artifact must define.
const entrypoint = "handle"

var ErrClosed = errors.New("sandbox: instance closed")

// Instance is a live, instantiated runtime for one installation.
//
// gopher-lua states are not goroutine-safe; the mutex serializes invocations.
// A bridge is bound for the duration of one Invoke and host module calls route
// through it.
type Instance struct {
	mu     sync.Mutex
	L      *lua.LState
	bridge HostBridge
	closed bool
}

// New compiles and runs the artifact chunk in a locked-down state. The chunk
// runs once at instantiation to define its globals; the entrypoint must exist
// afterwards.
func New(name string, data []byte) (*Instance, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lockdown(L)

	inst := &Instance{L: L}
	L.PreloadModule("host", inst.hostLoader)
	L.PreloadModule("log", inst.logLoader)

	if err := runProtected(L, name, data); err != nil {
		L.Close()
		return nil, err
	}
	if L.GetGlobal(entrypoint).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("sandbox: plugin %q does not define %s()", name, entrypoint)
	}
	return inst, nil
}

func runProtected(L *lua.LState, name string, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: panic instantiating %q: %v", name, r)
		}
	}()
	fn, err := L.Load(bytes.NewReader(data), name)
	if err != nil {
		return err
	}
	L.Push(fn)
	return L.PCall(0, 0, nil)
}

// Invoke calls handle(event) with the bridge bound. input is the JSON-encoded
// event; it is handed to the plugin as a Lua table. The returned string is the
// plugin's textual result ("" when it returns nothing).
func (i *Instance) Invoke(ctx context.Context, bridge HostBridge, input []byte) (result string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return "", ErrClosed
	}

	i.bridge = bridge
	defer func() { i.bridge = nil }()

	ev, err := jsonToLua(i.L, input)
	if err != nil {
		return "", fmt.Errorf("sandbox: bad event payload: %w", err)
	}

	i.L.SetContext(ctx)
	defer i.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: panic in %s(): %v", entrypoint, r)
		}
	}()

	callErr := i.L.CallByParam(lua.P{
		Fn:      i.L.GetGlobal(entrypoint),
		NRet:    1,
		Protect: true,
	}, ev)
	if callErr != nil {
		return "", callErr
	}

	ret := i.L.Get(-1)
	i.L.Pop(1)
	if s, ok := ret.(lua.LString); ok {
		return string(s), nil
	}
	return "", nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.L.Close()
	return nil
}

// ---- host module ----

func (i *Instance) hostLoader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"sendMessage":  i.luaSendMessage,
		"react":        i.luaReact,
		"request":      i.luaRequest,
		"watchMessage": i.luaWatchMessage,
		"getVariable":  i.luaGetVariable,
		"setVariable":  i.luaSetVariable,
	})
	L.Push(mod)
	return 1
}

func (i *Instance) logLoader(L *lua.LState) int {
	level := func(name string) lua.LGFunction {
		return func(L *lua.LState) int {
			if i.bridge != nil {
				i.bridge.Log(name, L.OptString(1, ""))
			}
			return 0
		}
	}
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"trace": level("trace"),
		"debug": level("debug"),
		"info":  level("info"),
		"warn":  level("warn"),
		"error": level("error"),
	})
	L.Push(mod)
	return 1
}

func (i *Instance) luaSendMessage(L *lua.LState) int {
	tbl := L.OptTable(1, L.NewTable())
	res := i.bridge.SendMessage(OutgoingMessage{
		Message: fieldString(L, tbl, "message"),
		Channel: fieldString(L, tbl, "channel"),
		Reply:   fieldString(L, tbl, "reply"),
	})
	return pushResult(L, res)
}

func (i *Instance) luaReact(L *lua.LState) int {
	tbl := L.OptTable(1, L.NewTable())
	res := i.bridge.React(OutgoingReaction{
		MessageID: fieldString(L, tbl, "messageId"),
		Channel:   fieldString(L, tbl, "channel"),
		With:      fieldString(L, tbl, "with"),
	})
	return pushResult(L, res)
}

func (i *Instance) luaRequest(L *lua.LState) int {
	tbl := L.OptTable(1, L.NewTable())
	req := OutgoingRequest{
		Method: fieldString(L, tbl, "method"),
		URL:    fieldString(L, tbl, "url"),
		Body:   fieldString(L, tbl, "body"),
	}
	if ht, ok := L.GetField(tbl, "headers").(*lua.LTable); ok {
		req.Headers = map[string]string{}
		ht.ForEach(func(k, v lua.LValue) {
			req.Headers[k.String()] = v.String()
		})
	}
	return pushResult(L, i.bridge.Request(req))
}

func (i *Instance) luaWatchMessage(L *lua.LState) int {
	return pushResult(L, i.bridge.WatchMessage(L.CheckString(1)))
}

func (i *Instance) luaGetVariable(L *lua.LState) int {
	L.Push(lua.LString(i.bridge.GetVariable(L.CheckString(1))))
	return 1
}

func (i *Instance) luaSetVariable(L *lua.LState) int {
	i.bridge.SetVariable(L.CheckString(1), L.OptString(2, ""))
	return 0
}

func fieldString(L *lua.LState, tbl *lua.LTable, key string) string {
	v := L.GetField(tbl, key)
	switch v.(type) {
	case *lua.LNilType:
		return ""
	default:
		return v.String()
	}
}

func pushResult(L *lua.LState, res Result) int {
	tbl := L.NewTable()
	L.SetField(tbl, "errorCode", lua.LNumber(res.ErrorCode))
	if res.ID != "" {
		L.SetField(tbl, "id", lua.LString(res.ID))
	}
	if res.Err != "" {
		L.SetField(tbl, "error", lua.LString(res.Err))
	}
	L.Push(tbl)
	return 1
}

// ---- event marshalling ----

func jsonToLua(L *lua.LState, data []byte) (lua.LValue, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return toLua(L, v), nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}
