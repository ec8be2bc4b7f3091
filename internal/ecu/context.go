package ecu

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/tturner/doipsim/internal/logging"
)

// Negative response codes used by the engine.
const (
	NegativeResponseSID = 0x7F
	PositiveResponseBit = 0x40

	NrcGeneralReject       byte = 0x10
	NrcBusyRepeatRequest   byte = 0x21
	NrcRequestOutOfRange   byte = 0x31
	NrcServiceNotSupported byte = 0x11
)

// TimerAction runs once when an ECU timer fires.
type TimerAction func(ctx *TimerContext) error

// InterceptorFunc inspects a request before the matcher chain. Returning
// true marks the request handled and suppresses any response.
type InterceptorFunc func(ctx *InterceptorContext) (bool, error)

// ecuScope is the part of every callback context that reaches the owning
// ECU.
type ecuScope struct {
	ecu *Ecu
}

// EcuName returns the name of the owning ECU.
func (s ecuScope) EcuName() string {
	return s.ecu.cfg.Name
}

// EcuStore returns the ECU-scoped property store.
func (s ecuScope) EcuStore() *PropertyStore {
	return s.ecu.store
}

// Logger returns the ECU's tagged logger.
func (s ecuScope) Logger() *logging.Logger {
	return s.ecu.logger
}

// AddOrReplaceEcuTimer schedules action after delay, replacing a pending
// timer with the same name.
func (s ecuScope) AddOrReplaceEcuTimer(name string, delay time.Duration, action TimerAction) {
	s.ecu.AddOrReplaceTimer(name, delay, action)
}

// AddOrReplaceEcuInterceptor registers fn under name. A duration <= 0
// never expires.
func (s ecuScope) AddOrReplaceEcuInterceptor(name string, duration time.Duration, busyAware bool, fn InterceptorFunc) {
	s.ecu.AddOrReplaceInterceptor(name, duration, busyAware, fn)
}

// RemoveInterceptor unregisters the named interceptor.
func (s ecuScope) RemoveInterceptor(name string) bool {
	return s.ecu.RemoveInterceptor(name)
}

// ResponseContext is handed to a matched RequestAction.
type ResponseContext struct {
	ecuScope
	run     *chainRun
	matcher *RequestMatcher
}

// Request returns a copy of the request payload.
func (c *ResponseContext) Request() []byte {
	return bytes.Clone(c.run.msg.Payload)
}

// Ack stages a positive response: the request with the service id's
// response bit set, followed by payload.
func (c *ResponseContext) Ack(payload ...byte) {
	c.run.staged = PositiveResponse(c.run.msg.Payload, payload...)
}

// Nrc stages a negative response with the given code, 0x10 if omitted.
func (c *ResponseContext) Nrc(code ...byte) {
	nrc := NrcGeneralReject
	if len(code) > 0 {
		nrc = code[0]
	}
	c.run.staged = NegativeResponse(c.run.msg.Payload, nrc)
}

// Respond stages data as the response verbatim.
func (c *ResponseContext) Respond(data []byte) {
	c.run.staged = bytes.Clone(data)
}

// Staged returns the response staged so far in this chain run.
func (c *ResponseContext) Staged() []byte {
	return bytes.Clone(c.run.staged)
}

// ContinueMatching lets the chain run on after this matcher. With
// resetStaged the response staged so far is discarded.
func (c *ResponseContext) ContinueMatching(resetStaged bool) {
	c.run.continueMatching = true
	if resetStaged {
		c.run.staged = nil
	}
}

// SequenceStopAtEnd stages the next entry of seqs, repeating the last one
// once the end is reached.
func (c *ResponseContext) SequenceStopAtEnd(seqs ...string) error {
	return c.sequence(seqs, false)
}

// SequenceWrapAround stages the next entry of seqs, cycling back to the
// first after the last.
func (c *ResponseContext) SequenceWrapAround(seqs ...string) error {
	return c.sequence(seqs, true)
}

func (c *ResponseContext) sequence(seqs []string, wrap bool) error {
	if len(seqs) == 0 {
		return fmt.Errorf("sequence: no entries")
	}
	decoded := make([][]byte, len(seqs))
	for i, s := range seqs {
		b, err := ParseHex(s)
		if err != nil {
			return fmt.Errorf("sequence entry %d: %w", i, err)
		}
		decoded[i] = b
	}

	n := len(decoded)
	var pos int
	cursor := NewProperty(c.matcher.store, "sequence:"+strings.Join(seqs, ","), func() int { return 0 })
	cursor.Update(func(i int) int {
		if wrap {
			pos = i % n
			return (i + 1) % n
		}
		pos = min(i, n-1)
		return min(i+1, n-1)
	})
	c.run.staged = decoded[pos]
	return nil
}

// Caller returns the store scoped to the matched request matcher.
func (c *ResponseContext) Caller() *PropertyStore {
	return c.matcher.store
}

// MatcherName returns the name of the matched request matcher.
func (c *ResponseContext) MatcherName() string {
	return c.matcher.name
}

// InterceptorContext is handed to interceptors.
type InterceptorContext struct {
	ecuScope
	name    string
	request []byte
	busy    bool
}

// Request returns a copy of the intercepted payload.
func (c *InterceptorContext) Request() []byte {
	return bytes.Clone(c.request)
}

// IsBusy reports whether another request is being processed by the ECU.
func (c *InterceptorContext) IsBusy() bool {
	return c.busy
}

// Name returns the interceptor's registration name.
func (c *InterceptorContext) Name() string {
	return c.name
}

// TimerContext is handed to timer actions.
type TimerContext struct {
	ecuScope
	name string
}

// Name returns the timer's registration name.
func (c *TimerContext) Name() string {
	return c.name
}

// PositiveResponse echoes request with the positive-response bit set on
// the service id, followed by payload.
func PositiveResponse(request []byte, payload ...byte) []byte {
	if len(request) == 0 {
		return bytes.Clone(payload)
	}
	out := make([]byte, 0, len(request)+len(payload))
	out = append(out, request[0]+PositiveResponseBit)
	out = append(out, request[1:]...)
	return append(out, payload...)
}

// NegativeResponse builds 7F <sid> <nrc>.
func NegativeResponse(request []byte, nrc byte) []byte {
	var sid byte
	if len(request) > 0 {
		sid = request[0]
	}
	return []byte{NegativeResponseSID, sid, nrc}
}
