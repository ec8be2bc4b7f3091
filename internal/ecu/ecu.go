// Package ecu implements the behavior engine of one simulated ECU: a busy
// gate admitting one request at a time, an interceptor chain, an ordered
// request matcher chain, named timers and scoped property stores.
package ecu

import (
	"fmt"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"go.uber.org/atomic"

	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
)

// AddressType tells whether a request was sent to one ECU or to a group.
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

func (t AddressType) String() string {
	if t == Functional {
		return "functional"
	}
	return "physical"
}

// ResponseSink delivers diagnostic responses back to the tester.
type ResponseSink interface {
	WriteDiagnostic(source, target uint16, data []byte) error
}

// UdsMessage is one diagnostic request addressed to an ECU.
type UdsMessage struct {
	SourceAddress uint16
	TargetAddress uint16
	TargetType    AddressType
	Payload       []byte
	Sink          ResponseSink
}

// Outcome classifies how a request was handled.
type Outcome string

const (
	OutcomeResponded   Outcome = "responded"
	OutcomeNoResponse  Outcome = "no_response"
	OutcomeNoMatch     Outcome = "no_match"
	OutcomeIntercepted Outcome = "intercepted"
	OutcomeBusy        Outcome = "busy"
	OutcomeFailed      Outcome = "failed"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{OutcomeResponded, OutcomeNoResponse, OutcomeNoMatch, OutcomeIntercepted, OutcomeBusy, OutcomeFailed}

// Observer is notified once per handled request.
type Observer interface {
	ObserveRequest(ecu string, outcome Outcome, elapsed time.Duration)
}

// Config is the behavior of one ECU.
type Config struct {
	Identity     entity.EcuConfig
	NrcOnNoMatch bool
	Requests     []*RequestMatcher
}

type interceptor struct {
	fn        InterceptorFunc
	busyAware bool
	expires   time.Time
}

func (i *interceptor) live(now time.Time) bool {
	return i.expires.IsZero() || !now.After(i.expires)
}

// Ecu is the runtime state of one simulated ECU.
type Ecu struct {
	cfg          entity.EcuConfig
	nrcOnNoMatch bool
	matchers     []*RequestMatcher
	logger       *logging.Logger
	observer     Observer

	busy  *atomic.Bool
	store *PropertyStore

	mu           sync.Mutex
	interceptors *orderedmap.OrderedMap[string, *interceptor]
	timers       map[string]*time.Timer
	closed       bool
}

// New creates an idle ECU. observer may be nil.
func New(cfg Config, logger *logging.Logger, observer Observer) *Ecu {
	if logger == nil {
		logger, _ = logging.NewLogger(logging.LogLevelSilent, "")
	}
	return &Ecu{
		cfg:          cfg.Identity,
		nrcOnNoMatch: cfg.NrcOnNoMatch,
		matchers:     cfg.Requests,
		logger:       logger.With("ecu", cfg.Identity.Name),
		observer:     observer,
		busy:         atomic.NewBool(false),
		store:        NewPropertyStore(),
		interceptors: orderedmap.NewOrderedMap[string, *interceptor](),
		timers:       make(map[string]*time.Timer),
	}
}

// Name returns the ECU name.
func (e *Ecu) Name() string { return e.cfg.Name }

// Identity returns the ECU's addressing.
func (e *Ecu) Identity() entity.EcuConfig { return e.cfg }

// LogicalAddress returns the physical address of the ECU.
func (e *Ecu) LogicalAddress() uint16 { return e.cfg.LogicalAddress }

// FunctionalAddress returns the group address of the ECU.
func (e *Ecu) FunctionalAddress() uint16 { return e.cfg.FunctionalAddress }

// Matchers returns the request matcher chain in evaluation order.
func (e *Ecu) Matchers() []*RequestMatcher { return e.matchers }

// Store returns the ECU-scoped property store.
func (e *Ecu) Store() *PropertyStore { return e.store }

// IsBusy reports whether a request is being processed.
func (e *Ecu) IsBusy() bool { return e.busy.Load() }

// ClearStoredProperties resets the ECU-scoped store. Matcher stores are
// not affected.
func (e *Ecu) ClearStoredProperties() {
	e.store.Clear()
}

// AddOrReplaceInterceptor registers fn under name, keeping the position of
// an interceptor it replaces. A duration <= 0 never expires.
func (e *Ecu) AddOrReplaceInterceptor(name string, duration time.Duration, busyAware bool, fn InterceptorFunc) {
	ic := &interceptor{fn: fn, busyAware: busyAware}
	if duration > 0 {
		ic.expires = time.Now().Add(duration)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interceptors.Set(name, ic)
	e.logger.Debug("interceptor %s registered (busy-aware=%t, duration=%s)", name, busyAware, duration)
}

// RemoveInterceptor unregisters name and reports whether it existed.
func (e *Ecu) RemoveInterceptor(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interceptors.Delete(name)
}

// InterceptorNames lists registered interceptors, expired ones included.
func (e *Ecu) InterceptorNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, e.interceptors.Len())
	for name := range e.interceptors.Keys() {
		names = append(names, name)
	}
	return names
}

// AddOrReplaceTimer runs action once after delay. Registering the same
// name again before it fires cancels the pending run.
func (e *Ecu) AddOrReplaceTimer(name string, delay time.Duration, action TimerAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.timers[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.timers[name] != t {
			e.mu.Unlock()
			return
		}
		delete(e.timers, name)
		e.mu.Unlock()
		e.fireTimer(name, action)
	})
	e.timers[name] = t
}

// PendingTimers returns the number of timers that have not fired yet.
func (e *Ecu) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *Ecu) fireTimer(name string, action TimerAction) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("timer %s panicked: %v", name, r)
		}
	}()
	if action == nil {
		return
	}
	if err := action(&TimerContext{ecuScope: ecuScope{ecu: e}, name: name}); err != nil {
		e.logger.Error("timer %s: %v", name, err)
	}
}

// Close stops all pending timers. Requests are still answered.
func (e *Ecu) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for name, t := range e.timers {
		t.Stop()
		delete(e.timers, name)
	}
}

// chainRun is the state of one request passing through the matcher chain.
type chainRun struct {
	msg              *UdsMessage
	hex              string
	staged           []byte
	continueMatching bool
}

// HandleRequest processes msg to completion, writing at most one response
// to msg.Sink. It never panics.
func (e *Ecu) HandleRequest(msg *UdsMessage) {
	start := time.Now()
	var (
		outcome  Outcome
		response []byte
	)
	if e.busy.CompareAndSwap(false, true) {
		func() {
			defer e.busy.Store(false)
			outcome, response = e.handleIdle(msg)
		}()
	} else {
		outcome, response = e.handleBusy(msg)
	}

	elapsed := time.Since(start)
	e.logger.LogRequest(msg.SourceAddress, msg.TargetAddress, msg.Payload, response, string(outcome), elapsed)
	if e.observer != nil {
		e.observer.ObserveRequest(e.cfg.Name, outcome, elapsed)
	}
}

func (e *Ecu) handleIdle(msg *UdsMessage) (outcome Outcome, response []byte) {
	run := &chainRun{msg: msg, hex: HexString(msg.Payload)}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request %s panicked: %v", run.hex, r)
			outcome, response = OutcomeFailed, e.send(msg, run.staged)
		}
	}()

	handled, err := e.runInterceptors(msg, false)
	if err != nil {
		e.logger.Error("interceptor: %v", err)
		return OutcomeFailed, nil
	}
	if handled {
		return OutcomeIntercepted, nil
	}

	matched, err := e.runMatchers(run)
	if err != nil {
		e.logger.Error("%v", err)
		return OutcomeFailed, e.send(msg, run.staged)
	}
	if !matched {
		if e.nrcOnNoMatch {
			return OutcomeNoMatch, e.send(msg, NegativeResponse(msg.Payload, NrcRequestOutOfRange))
		}
		return OutcomeNoMatch, nil
	}
	if run.staged == nil {
		return OutcomeNoResponse, nil
	}
	return OutcomeResponded, e.send(msg, run.staged)
}

func (e *Ecu) handleBusy(msg *UdsMessage) (outcome Outcome, response []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("busy interceptor panicked: %v", r)
			outcome, response = OutcomeFailed, nil
		}
	}()

	handled, err := e.runInterceptors(msg, true)
	if err != nil {
		e.logger.Error("busy interceptor: %v", err)
		return OutcomeFailed, nil
	}
	if handled {
		return OutcomeIntercepted, nil
	}
	return OutcomeBusy, e.send(msg, NegativeResponse(msg.Payload, NrcBusyRepeatRequest))
}

// runInterceptors evaluates live interceptors in registration order until
// one reports the request handled. While busy only busy-aware ones run.
func (e *Ecu) runInterceptors(msg *UdsMessage, busy bool) (bool, error) {
	type entry struct {
		name string
		ic   *interceptor
	}
	now := time.Now()
	e.mu.Lock()
	active := make([]entry, 0, e.interceptors.Len())
	for name, ic := range e.interceptors.AllFromFront() {
		if ic.live(now) && (!busy || ic.busyAware) {
			active = append(active, entry{name: name, ic: ic})
		}
	}
	e.mu.Unlock()

	for _, en := range active {
		if en.ic.fn == nil {
			continue
		}
		ctx := &InterceptorContext{
			ecuScope: ecuScope{ecu: e},
			name:     en.name,
			request:  msg.Payload,
			busy:     busy,
		}
		handled, err := en.ic.fn(ctx)
		if err != nil {
			return false, fmt.Errorf("%s: %w", en.name, err)
		}
		if handled {
			e.logger.Verbose("request %s handled by interceptor %s", HexString(msg.Payload), en.name)
			return true, nil
		}
	}
	return false, nil
}

// runMatchers walks the matcher chain in order. It stops after the first
// match unless that matcher asks to continue.
func (e *Ecu) runMatchers(run *chainRun) (bool, error) {
	matched := false
	for _, m := range e.matchers {
		if !m.matches(run.msg.Payload, run.hex) {
			continue
		}
		matched = true
		run.continueMatching = false
		if m.action != nil {
			ctx := &ResponseContext{ecuScope: ecuScope{ecu: e}, run: run, matcher: m}
			if err := m.action(ctx); err != nil {
				return true, fmt.Errorf("request %s: %w", m.name, err)
			}
		}
		if !run.continueMatching {
			break
		}
	}
	return matched, nil
}

func (e *Ecu) send(msg *UdsMessage, data []byte) []byte {
	if len(data) == 0 || msg.Sink == nil {
		return nil
	}
	if err := msg.Sink.WriteDiagnostic(e.cfg.LogicalAddress, msg.SourceAddress, data); err != nil {
		e.logger.Error("write response to 0x%04X: %v", msg.SourceAddress, err)
	}
	return data
}
