package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/logging"
)

const contextTypeName = "doipsim.ctx"

// scope is what every callback context offers regardless of kind.
type scope interface {
	EcuName() string
	EcuStore() *ecu.PropertyStore
	Logger() *logging.Logger
	AddOrReplaceEcuTimer(name string, delay time.Duration, action ecu.TimerAction)
	AddOrReplaceEcuInterceptor(name string, duration time.Duration, busyAware bool, fn ecu.InterceptorFunc)
	RemoveInterceptor(name string) bool
}

// binding is the Go value behind a Lua ctx userdata. resp is set for
// request actions, icpt for interceptors.
type binding struct {
	script *Script
	scope  scope
	resp   *ecu.ResponseContext
	icpt   *ecu.InterceptorContext
}

// contextMethods is a function rather than a package variable because
// add_timer and add_interceptor reach registerContextType via loadState.
func contextMethods() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"ack":                  ctxAck,
		"nrc":                  ctxNrc,
		"respond":              ctxRespond,
		"continue_matching":    ctxContinueMatching,
		"sequence_stop_at_end": ctxSequence(false),
		"sequence_wrap_around": ctxSequence(true),
		"request":              ctxRequest,
		"caller_get":           ctxCallerGet,
		"caller_set":           ctxCallerSet,
		"ecu_get":              ctxEcuGet,
		"ecu_set":              ctxEcuSet,
		"ecu_name":             ctxEcuName,
		"add_timer":            ctxAddTimer,
		"add_interceptor":      ctxAddInterceptor,
		"remove_interceptor":   ctxRemoveInterceptor,
		"is_busy":              ctxIsBusy,
		"log":                  ctxLog,
	}
}

func registerContextType(L *lua.LState) {
	mt := L.NewTypeMetatable(contextTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), contextMethods()))
}

func (s *Script) bind(L *lua.LState, b *binding) *lua.LUserData {
	b.script = s
	ud := L.NewUserData()
	ud.Value = b
	L.SetMetatable(ud, L.GetTypeMetatable(contextTypeName))
	return ud
}

func checkBinding(L *lua.LState) *binding {
	ud := L.CheckUserData(1)
	if b, ok := ud.Value.(*binding); ok {
		return b
	}
	L.ArgError(1, "ctx expected")
	return nil
}

// response returns the request context or raises a Lua error when the
// method is called from a timer or interceptor.
func (b *binding) response(L *lua.LState, method string) *ecu.ResponseContext {
	if b.resp == nil {
		L.RaiseError("%s is only available in request actions", method)
	}
	return b.resp
}

func checkHex(L *lua.LState, n int) []byte {
	data, err := ecu.ParseHex(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return data
}

func ctxAck(L *lua.LState) int {
	rc := checkBinding(L).response(L, "ack")
	if L.GetTop() >= 2 {
		rc.Ack(checkHex(L, 2)...)
		return 0
	}
	rc.Ack()
	return 0
}

func ctxNrc(L *lua.LState) int {
	rc := checkBinding(L).response(L, "nrc")
	if L.GetTop() >= 2 {
		code := L.CheckInt(2)
		if code < 0 || code > 0xFF {
			L.ArgError(2, "nrc must be between 0 and 255")
		}
		rc.Nrc(byte(code))
		return 0
	}
	rc.Nrc()
	return 0
}

func ctxRespond(L *lua.LState) int {
	rc := checkBinding(L).response(L, "respond")
	rc.Respond(checkHex(L, 2))
	return 0
}

func ctxContinueMatching(L *lua.LState) int {
	rc := checkBinding(L).response(L, "continue_matching")
	rc.ContinueMatching(L.OptBool(2, false))
	return 0
}

func ctxSequence(wrap bool) lua.LGFunction {
	return func(L *lua.LState) int {
		rc := checkBinding(L).response(L, "sequence")
		seqs := make([]string, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			seqs = append(seqs, L.CheckString(i))
		}
		var err error
		if wrap {
			err = rc.SequenceWrapAround(seqs...)
		} else {
			err = rc.SequenceStopAtEnd(seqs...)
		}
		if err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}
}

func ctxRequest(L *lua.LState) int {
	b := checkBinding(L)
	var req []byte
	switch {
	case b.resp != nil:
		req = b.resp.Request()
	case b.icpt != nil:
		req = b.icpt.Request()
	}
	L.Push(lua.LString(ecu.HexString(req)))
	return 1
}

func ctxCallerGet(L *lua.LState) int {
	rc := checkBinding(L).response(L, "caller_get")
	return storeGet(L, rc.Caller())
}

func ctxCallerSet(L *lua.LState) int {
	rc := checkBinding(L).response(L, "caller_set")
	return storeSet(L, rc.Caller())
}

func ctxEcuGet(L *lua.LState) int {
	return storeGet(L, checkBinding(L).scope.EcuStore())
}

func ctxEcuSet(L *lua.LState) int {
	return storeSet(L, checkBinding(L).scope.EcuStore())
}

func ctxEcuName(L *lua.LState) int {
	L.Push(lua.LString(checkBinding(L).scope.EcuName()))
	return 1
}

// storeGet returns the stored value for key, or the optional default
// which is stored on first access.
func storeGet(L *lua.LState, store *ecu.PropertyStore) int {
	key := L.CheckString(2)
	def := L.Get(3)
	var v any
	if def == lua.LNil {
		v, _ = store.Lookup(key)
	} else {
		v = store.GetOrInit(key, func() any { return toGo(def) })
	}
	L.Push(toLua(L, v))
	return 1
}

func storeSet(L *lua.LState, store *ecu.PropertyStore) int {
	key := L.CheckString(2)
	store.Set(key, toGo(L.CheckAny(3)))
	return 0
}

func ctxAddTimer(L *lua.LState) int {
	b := checkBinding(L)
	name := L.CheckString(2)
	delay := time.Duration(L.CheckInt64(3)) * time.Millisecond
	fnName := L.CheckString(4)
	b.scope.AddOrReplaceEcuTimer(name, delay, b.script.timer(fnName))
	return 0
}

func ctxAddInterceptor(L *lua.LState) int {
	b := checkBinding(L)
	name := L.CheckString(2)
	duration := time.Duration(L.CheckInt64(3)) * time.Millisecond
	busyAware := L.CheckBool(4)
	fnName := L.CheckString(5)
	b.scope.AddOrReplaceEcuInterceptor(name, duration, busyAware, b.script.interceptor(fnName))
	return 0
}

func ctxRemoveInterceptor(L *lua.LState) int {
	b := checkBinding(L)
	L.Push(lua.LBool(b.scope.RemoveInterceptor(L.CheckString(2))))
	return 1
}

func ctxIsBusy(L *lua.LState) int {
	b := checkBinding(L)
	L.Push(lua.LBool(b.icpt != nil && b.icpt.IsBusy()))
	return 1
}

func ctxLog(L *lua.LState) int {
	b := checkBinding(L)
	parts := make([]string, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	b.scope.Logger().Info("[lua] %s", strings.Join(parts, " "))
	return 0
}

func toGo(lv lua.LValue) any {
	return gluamapper.ToGoValue(lv, gluamapper.Option{NameFunc: func(s string) string { return s }})
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case []interface{}:
		tbl := L.NewTable()
		for _, e := range x {
			tbl.Append(toLua(L, e))
		}
		return tbl
	case map[interface{}]interface{}:
		tbl := L.NewTable()
		for k, e := range x {
			tbl.RawSet(toLua(L, k), toLua(L, e))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, e := range x {
			tbl.RawSetString(k, toLua(L, e))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}
