// Package script loads Lua ECU behaviors. A script returns a table with a
// "requests" list and optional "timers" and "interceptors" tables of named
// functions. Every callback runs on a state taken from a pool, so any
// number of callbacks may run at once.
package script

import (
	"fmt"
	"sync"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/tturner/doipsim/internal/ecu"
	"github.com/tturner/doipsim/internal/logging"
)

// RequestSpec is the static part of a scripted request matcher.
type RequestSpec struct {
	Name  string
	Bytes string
	Regex string
}

// Script is a loaded Lua behavior file.
type Script struct {
	path     string
	logger   *logging.Logger
	requests []RequestSpec
	pool     *statePool
}

// loaded is one Lua state with the functions its script returned.
type loaded struct {
	L            *lua.LState
	actions      []*lua.LFunction
	timers       map[string]*lua.LFunction
	interceptors map[string]*lua.LFunction
}

type statePool struct {
	mu     sync.Mutex
	path   string
	saved  []*loaded
	closed bool
}

// Load runs the script once to validate it and read its request table.
func Load(path string, logger *logging.Logger) (*Script, error) {
	s := &Script{
		path:   path,
		logger: logger,
		pool:   &statePool{path: path},
	}

	st, specs, err := loadState(path)
	if err != nil {
		return nil, err
	}
	s.requests = specs
	s.pool.put(st)
	logger.Verbose("Loaded script %s: %d requests, %d timers, %d interceptors", path, len(specs), len(st.timers), len(st.interceptors))
	return s, nil
}

// Path returns the script file.
func (s *Script) Path() string {
	return s.path
}

// Requests returns the request table in script order.
func (s *Script) Requests() []RequestSpec {
	return s.requests
}

// Matchers builds one engine matcher per scripted request.
func (s *Script) Matchers() ([]*ecu.RequestMatcher, error) {
	out := make([]*ecu.RequestMatcher, 0, len(s.requests))
	for i, spec := range s.requests {
		var exact []byte
		if spec.Bytes != "" {
			b, err := ecu.ParseHex(spec.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%s: request %q: bytes: %w", s.path, spec.Name, err)
			}
			exact = b
		}
		m, err := ecu.NewRequestMatcher(spec.Name, exact, spec.Regex, s.action(i))
		if err != nil {
			return nil, fmt.Errorf("%s: request %q: %w", s.path, spec.Name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Close releases every pooled Lua state.
func (s *Script) Close() {
	s.pool.shutdown()
}

func (s *Script) action(index int) ecu.RequestAction {
	return func(ctx *ecu.ResponseContext) error {
		return s.call(func(st *loaded) error {
			return st.L.CallByParam(lua.P{Fn: st.actions[index], NRet: 0, Protect: true}, s.bind(st.L, &binding{resp: ctx, scope: ctx}))
		})
	}
}

func (s *Script) timer(fnName string) ecu.TimerAction {
	return func(ctx *ecu.TimerContext) error {
		return s.call(func(st *loaded) error {
			fn, ok := st.timers[fnName]
			if !ok {
				return fmt.Errorf("no timer function %q", fnName)
			}
			return st.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, s.bind(st.L, &binding{scope: ctx}))
		})
	}
}

func (s *Script) interceptor(fnName string) ecu.InterceptorFunc {
	return func(ctx *ecu.InterceptorContext) (bool, error) {
		var handled bool
		err := s.call(func(st *loaded) error {
			fn, ok := st.interceptors[fnName]
			if !ok {
				return fmt.Errorf("no interceptor function %q", fnName)
			}
			if err := st.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, s.bind(st.L, &binding{icpt: ctx, scope: ctx})); err != nil {
				return err
			}
			handled = lua.LVAsBool(st.L.Get(-1))
			st.L.Pop(1)
			return nil
		})
		return handled, err
	}
}

func (s *Script) call(fn func(st *loaded) error) error {
	st, err := s.pool.get()
	if err != nil {
		return err
	}
	defer s.pool.put(st)
	return fn(st)
}

func (p *statePool) get() (*loaded, error) {
	p.mu.Lock()
	if n := len(p.saved); n > 0 {
		st := p.saved[n-1]
		p.saved = p.saved[:n-1]
		p.mu.Unlock()
		return st, nil
	}
	p.mu.Unlock()

	st, _, err := loadState(p.path)
	return st, err
}

func (p *statePool) put(st *loaded) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		st.L.Close()
		return
	}
	p.saved = append(p.saved, st)
}

func (p *statePool) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, st := range p.saved {
		st.L.Close()
	}
	p.saved = nil
}

// loadState executes the script in a fresh state and collects what it
// returned.
func loadState(path string) (*loaded, []RequestSpec, error) {
	L := lua.NewState()
	registerContextType(L)

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, nil, fmt.Errorf("load script %s: %w", path, err)
	}
	table, ok := L.Get(-1).(*lua.LTable)
	L.Pop(1)
	if !ok {
		L.Close()
		return nil, nil, fmt.Errorf("script %s did not return a table", path)
	}

	st := &loaded{
		L:            L,
		timers:       make(map[string]*lua.LFunction),
		interceptors: make(map[string]*lua.LFunction),
	}
	var specs []RequestSpec

	requests, ok := table.RawGetString("requests").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, nil, fmt.Errorf("script %s: requests must be a table", path)
	}
	for i := 1; i <= requests.Len(); i++ {
		entry, ok := requests.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.Close()
			return nil, nil, fmt.Errorf("script %s: requests[%d] must be a table", path, i)
		}
		var spec RequestSpec
		if err := gluamapper.Map(entry, &spec); err != nil {
			L.Close()
			return nil, nil, fmt.Errorf("script %s: requests[%d]: %w", path, i, err)
		}
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s#%d", path, i)
		}
		action, ok := entry.RawGetString("action").(*lua.LFunction)
		if !ok {
			L.Close()
			return nil, nil, fmt.Errorf("script %s: request %q has no action function", path, spec.Name)
		}
		specs = append(specs, spec)
		st.actions = append(st.actions, action)
	}

	collect := func(field string, into map[string]*lua.LFunction) error {
		switch v := table.RawGetString(field).(type) {
		case *lua.LNilType:
			return nil
		case *lua.LTable:
			var err error
			v.ForEach(func(k, fn lua.LValue) {
				f, ok := fn.(*lua.LFunction)
				if !ok {
					err = fmt.Errorf("script %s: %s.%s must be a function", path, field, k.String())
					return
				}
				into[k.String()] = f
			})
			return err
		default:
			return fmt.Errorf("script %s: %s must be a table", path, field)
		}
	}
	if err := collect("timers", st.timers); err != nil {
		L.Close()
		return nil, nil, err
	}
	if err := collect("interceptors", st.interceptors); err != nil {
		L.Close()
		return nil, nil, err
	}
	return st, specs, nil
}
