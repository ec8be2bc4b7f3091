package ecu

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tturner/doipsim/internal/entity"
	"github.com/tturner/doipsim/internal/logging"
)

type response struct {
	source, target uint16
	data           []byte
}

type recordingSink struct {
	mu        sync.Mutex
	responses []response
}

func (s *recordingSink) WriteDiagnostic(source, target uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response{source: source, target: target, data: bytes.Clone(data)})
	return nil
}

func (s *recordingSink) all() []response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]response(nil), s.responses...)
}

func (s *recordingSink) payloads() [][]byte {
	var out [][]byte
	for _, r := range s.all() {
		out = append(out, r.data)
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) ObserveRequest(_ string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) all() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.outcomes...)
}

func createTestLogger() *logging.Logger {
	logger, _ := logging.NewLogger(logging.LogLevelError, "")
	return logger
}

func createTestEcu(t *testing.T, nrcOnNoMatch bool, matchers ...*RequestMatcher) (*Ecu, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	e := New(Config{
		Identity:     entity.EcuConfig{Name: "ENGINE", LogicalAddress: 0x1011, FunctionalAddress: 0xE400},
		NrcOnNoMatch: nrcOnNoMatch,
		Requests:     matchers,
	}, createTestLogger(), obs)
	t.Cleanup(e.Close)
	return e, obs
}

func request(sink ResponseSink, payload ...byte) *UdsMessage {
	return &UdsMessage{SourceAddress: 0x0E00, TargetAddress: 0x1011, Payload: payload, Sink: sink}
}

func TestFirstMatchStopsChain(t *testing.T) {
	var calls []string
	e, obs := createTestEcu(t, false,
		MustRequestMatcher("first", []byte{0x3E, 0x00}, "", func(ctx *ResponseContext) error {
			calls = append(calls, "first")
			ctx.Ack()
			return nil
		}),
		MustRequestMatcher("second", nil, "", func(ctx *ResponseContext) error {
			calls = append(calls, "second")
			ctx.Nrc()
			return nil
		}),
	)
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x3E, 0x00))

	assert.Equal(t, []string{"first"}, calls)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, response{source: 0x1011, target: 0x0E00, data: []byte{0x7E, 0x00}}, sink.all()[0])
	assert.Equal(t, []Outcome{OutcomeResponded}, obs.all())
}

func TestContinueMatching(t *testing.T) {
	tests := []struct {
		name  string
		reset bool
		want  [][]byte
	}{
		{"keep staged", false, [][]byte{{0x62, 0xF1, 0x90}}},
		{"reset staged", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sawStaged []byte
			e, _ := createTestEcu(t, false,
				MustRequestMatcher("stage", nil, "22F190", func(ctx *ResponseContext) error {
					ctx.Respond([]byte{0x62, 0xF1, 0x90})
					ctx.ContinueMatching(tt.reset)
					return nil
				}),
				MustRequestMatcher("observe", nil, "22.*", func(ctx *ResponseContext) error {
					sawStaged = ctx.Staged()
					return nil
				}),
			)
			sink := &recordingSink{}

			e.HandleRequest(request(sink, 0x22, 0xF1, 0x90))

			assert.Equal(t, tt.want, sink.payloads())
			if tt.reset {
				assert.Empty(t, sawStaged)
			} else {
				assert.Equal(t, []byte{0x62, 0xF1, 0x90}, sawStaged)
			}
		})
	}
}

func TestContinueMatchingLaterMatcherOverrides(t *testing.T) {
	e, _ := createTestEcu(t, false,
		MustRequestMatcher("first", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack(0x01)
			ctx.ContinueMatching(false)
			return nil
		}),
		MustRequestMatcher("second", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack(0x02)
			return nil
		}),
		MustRequestMatcher("never", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack(0x03)
			return nil
		}),
	)
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x31, 0x01))

	assert.Equal(t, [][]byte{{0x71, 0x01, 0x02}}, sink.payloads())
}

func TestNrcOnNoMatch(t *testing.T) {
	for _, nrcOnNoMatch := range []bool{true, false} {
		e, obs := createTestEcu(t, nrcOnNoMatch,
			MustRequestMatcher("tester present", []byte{0x3E, 0x00}, "", func(ctx *ResponseContext) error {
				ctx.Ack()
				return nil
			}),
		)
		sink := &recordingSink{}

		e.HandleRequest(request(sink, 0x10, 0x03))

		if nrcOnNoMatch {
			assert.Equal(t, [][]byte{{0x7F, 0x10, 0x31}}, sink.payloads())
		} else {
			assert.Empty(t, sink.payloads())
		}
		assert.Equal(t, []Outcome{OutcomeNoMatch}, obs.all())
	}
}

func TestMatchedWithoutResponse(t *testing.T) {
	e, obs := createTestEcu(t, true,
		MustRequestMatcher("silent", nil, "", func(*ResponseContext) error { return nil }),
	)
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x3E, 0x80))

	assert.Empty(t, sink.payloads())
	assert.Equal(t, []Outcome{OutcomeNoResponse}, obs.all())
}

func TestAckAndNrc(t *testing.T) {
	tests := []struct {
		name   string
		action RequestAction
		want   []byte
	}{
		{"ack echo", func(ctx *ResponseContext) error { ctx.Ack(); return nil }, []byte{0x50, 0x03}},
		{"ack with payload", func(ctx *ResponseContext) error { ctx.Ack(0x00, 0x32); return nil }, []byte{0x50, 0x03, 0x00, 0x32}},
		{"nrc default", func(ctx *ResponseContext) error { ctx.Nrc(); return nil }, []byte{0x7F, 0x10, 0x10}},
		{"nrc code", func(ctx *ResponseContext) error { ctx.Nrc(0x22); return nil }, []byte{0x7F, 0x10, 0x22}},
		{"respond raw", func(ctx *ResponseContext) error { ctx.Respond([]byte{0xAA}); return nil }, []byte{0xAA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := createTestEcu(t, false, MustRequestMatcher(tt.name, nil, "", tt.action))
			sink := &recordingSink{}
			e.HandleRequest(request(sink, 0x10, 0x03))
			assert.Equal(t, [][]byte{tt.want}, sink.payloads())
		})
	}
}

func TestRegexMatchesWholeHexString(t *testing.T) {
	e, _ := createTestEcu(t, true,
		MustRequestMatcher("read vin", nil, "22F190", func(ctx *ResponseContext) error {
			ctx.Ack(0x01)
			return nil
		}),
		MustRequestMatcher("transfer", nil, "36(01|02).*", func(ctx *ResponseContext) error {
			ctx.Ack()
			return nil
		}),
	)
	sink := &recordingSink{}

	// prefix of a longer request must not match an unanchored pattern
	e.HandleRequest(request(sink, 0x22, 0xF1, 0x90, 0x00))
	assert.Equal(t, [][]byte{{0x7F, 0x22, 0x31}}, sink.payloads())

	long := append([]byte{0x36, 0x01}, bytes.Repeat([]byte{0xAB}, 4094)...)
	sink = &recordingSink{}
	e.HandleRequest(request(sink, long...))
	require.Len(t, sink.payloads(), 1)
	assert.Equal(t, byte(0x76), sink.payloads()[0][0])
	assert.Len(t, sink.payloads()[0], 4096)
}

func TestBusyPath(t *testing.T) {
	release := make(chan struct{})
	e, obs := createTestEcu(t, false,
		MustRequestMatcher("slow", nil, "", func(ctx *ResponseContext) error {
			<-release
			ctx.Ack()
			return nil
		}),
	)
	sink := &recordingSink{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.HandleRequest(request(sink, 0x31, 0x01, 0xFF, 0x00))
	}()
	require.Eventually(t, e.IsBusy, time.Second, 5*time.Millisecond)

	e.HandleRequest(request(sink, 0x22, 0xF1, 0x90))
	assert.Equal(t, [][]byte{{0x7F, 0x22, 0x21}}, sink.payloads())

	close(release)
	<-done
	assert.False(t, e.IsBusy())
	assert.Equal(t, [][]byte{{0x7F, 0x22, 0x21}, {0x71, 0x01, 0xFF, 0x00}}, sink.payloads())
	assert.Equal(t, []Outcome{OutcomeBusy, OutcomeResponded}, obs.all())
}

func TestBusyPathWithSleepingHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	var sawBusy []bool
	var mu sync.Mutex
	e, _ := createTestEcu(t, false,
		MustRequestMatcher("sleep", nil, "", func(ctx *ResponseContext) error {
			time.Sleep(1500 * time.Millisecond)
			ctx.Ack()
			return nil
		}),
	)
	e.AddOrReplaceInterceptor("busy watcher", 0, true, func(ctx *InterceptorContext) (bool, error) {
		mu.Lock()
		sawBusy = append(sawBusy, ctx.IsBusy())
		mu.Unlock()
		return ctx.IsBusy(), nil
	})
	e.AddOrReplaceInterceptor("plain", 0, false, func(ctx *InterceptorContext) (bool, error) {
		if ctx.IsBusy() {
			return false, errors.New("non busy-aware interceptor ran while busy")
		}
		return false, nil
	})
	sink := &recordingSink{}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.HandleRequest(request(sink, 0x3E, 0x00))
	}()
	require.Eventually(t, e.IsBusy, time.Second, 5*time.Millisecond)
	e.HandleRequest(request(sink, 0x3E, 0x00))
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
	// the busy watcher suppressed the busy NRC; only the slow answer is sent
	assert.Equal(t, [][]byte{{0x7E, 0x00}}, sink.payloads())
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []bool{false, true}, sawBusy)
}

func TestInterceptorSuppressesAndExpires(t *testing.T) {
	e, obs := createTestEcu(t, false,
		MustRequestMatcher("all", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack()
			return nil
		}),
	)
	e.AddOrReplaceInterceptor("mute", 100*time.Millisecond, false, func(*InterceptorContext) (bool, error) {
		return true, nil
	})
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x3E, 0x00))
	assert.Empty(t, sink.payloads())

	time.Sleep(150 * time.Millisecond)
	e.HandleRequest(request(sink, 0x3E, 0x00))
	assert.Equal(t, [][]byte{{0x7E, 0x00}}, sink.payloads())

	// expired interceptors stay registered until removed
	assert.Equal(t, []string{"mute"}, e.InterceptorNames())
	assert.True(t, e.RemoveInterceptor("mute"))
	assert.Empty(t, e.InterceptorNames())
	assert.Equal(t, []Outcome{OutcomeIntercepted, OutcomeResponded}, obs.all())
}

func TestInterceptorRemovedBeforeExpiry(t *testing.T) {
	e, _ := createTestEcu(t, false,
		MustRequestMatcher("all", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack()
			return nil
		}),
	)
	e.AddOrReplaceInterceptor("mute", time.Hour, false, func(*InterceptorContext) (bool, error) {
		return true, nil
	})
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x3E, 0x00))
	assert.Empty(t, sink.payloads())

	e.RemoveInterceptor("mute")
	e.HandleRequest(request(sink, 0x3E, 0x00))
	assert.Equal(t, [][]byte{{0x7E, 0x00}}, sink.payloads())
}

func TestInterceptorOrderAndReplace(t *testing.T) {
	var order []string
	record := func(name string) InterceptorFunc {
		return func(*InterceptorContext) (bool, error) {
			order = append(order, name)
			return false, nil
		}
	}
	e, _ := createTestEcu(t, false)
	e.AddOrReplaceInterceptor("a", 0, false, record("a"))
	e.AddOrReplaceInterceptor("b", 0, false, record("b"))
	e.AddOrReplaceInterceptor("a", 0, false, record("a2"))

	e.HandleRequest(request(nil, 0x3E, 0x00))

	assert.Equal(t, []string{"a2", "b"}, order)
}

func TestInterceptorRegisteredFromAction(t *testing.T) {
	e, _ := createTestEcu(t, false,
		MustRequestMatcher("lock", []byte{0x27, 0x01}, "", func(ctx *ResponseContext) error {
			ctx.AddOrReplaceEcuInterceptor("locked", 0, false, func(ic *InterceptorContext) (bool, error) {
				return ic.Request()[0] != 0x27, nil
			})
			ctx.Ack(0x11, 0x22)
			return nil
		}),
		MustRequestMatcher("all", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack()
			return nil
		}),
	)
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x27, 0x01))
	e.HandleRequest(request(sink, 0x3E, 0x00))

	assert.Equal(t, [][]byte{{0x67, 0x01, 0x11, 0x22}}, sink.payloads())
}

func TestTimerDebounce(t *testing.T) {
	e, _ := createTestEcu(t, false)
	fired := make(chan time.Time, 4)
	action := func(*TimerContext) error {
		fired <- time.Now()
		return nil
	}

	start := time.Now()
	e.AddOrReplaceTimer("T", 200*time.Millisecond, action)
	time.Sleep(20 * time.Millisecond)
	e.AddOrReplaceTimer("T", 200*time.Millisecond, action)
	time.Sleep(150 * time.Millisecond)
	e.AddOrReplaceTimer("T", 200*time.Millisecond, action)

	select {
	case at := <-fired:
		elapsed := at.Sub(start)
		assert.GreaterOrEqual(t, elapsed, 370*time.Millisecond)
		assert.Less(t, elapsed, 420*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	time.Sleep(250 * time.Millisecond)
	assert.Len(t, fired, 0)
	assert.Equal(t, 0, e.PendingTimers())
}

func TestTimerFromActionUsesEcuStore(t *testing.T) {
	e, _ := createTestEcu(t, false,
		MustRequestMatcher("session", []byte{0x10, 0x03}, "", func(ctx *ResponseContext) error {
			NewProperty(ctx.EcuStore(), "session", func() byte { return 0x01 }).Set(0x03)
			ctx.AddOrReplaceEcuTimer("s3", 30*time.Millisecond, func(tc *TimerContext) error {
				NewProperty(tc.EcuStore(), "session", func() byte { return 0x01 }).Set(0x01)
				return nil
			})
			ctx.Ack()
			return nil
		}),
	)
	session := NewProperty(e.Store(), "session", func() byte { return 0x01 })

	e.HandleRequest(request(nil, 0x10, 0x03))
	assert.Equal(t, byte(0x03), session.Get())

	require.Eventually(t, func() bool { return session.Get() == 0x01 }, time.Second, 5*time.Millisecond)
}

func TestCloseStopsTimers(t *testing.T) {
	e, _ := createTestEcu(t, false)
	fired := make(chan struct{}, 1)
	e.AddOrReplaceTimer("T", 50*time.Millisecond, func(*TimerContext) error {
		fired <- struct{}{}
		return nil
	})
	e.Close()
	e.AddOrReplaceTimer("late", 0, func(*TimerContext) error {
		fired <- struct{}{}
		return nil
	})

	select {
	case <-fired:
		t.Fatal("timer fired after Close")
	case <-time.After(120 * time.Millisecond):
	}
	assert.Equal(t, 0, e.PendingTimers())
}

func TestTimerPanicIsRecovered(t *testing.T) {
	e, _ := createTestEcu(t, false)
	done := make(chan struct{})
	e.AddOrReplaceTimer("boom", 0, func(*TimerContext) error {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not run")
	}
}

func TestStoredProperties(t *testing.T) {
	counter := 0
	next := func() int { counter++; return counter }
	var callerValues, ecuValues []int

	m := MustRequestMatcher("count", nil, "", func(ctx *ResponseContext) error {
		c := NewProperty(ctx.Caller(), "value", next)
		callerValues = append(callerValues, c.Get())
		ecuValues = append(ecuValues, NewProperty(ctx.EcuStore(), "value", func() int { return 100 }).Update(func(v int) int { return v + 1 }))
		return nil
	})
	e, _ := createTestEcu(t, false, m)

	e.HandleRequest(request(nil, 0x01))
	e.HandleRequest(request(nil, 0x01))
	assert.Equal(t, []int{1, 1}, callerValues)
	assert.Equal(t, []int{101, 102}, ecuValues)

	m.ClearStoredProperties()
	e.HandleRequest(request(nil, 0x01))
	assert.Equal(t, []int{1, 1, 2}, callerValues)
	assert.Equal(t, []int{101, 102, 103}, ecuValues)

	e.ClearStoredProperties()
	e.HandleRequest(request(nil, 0x01))
	assert.Equal(t, []int{1, 1, 2, 2}, callerValues)
	assert.Equal(t, []int{101, 102, 103, 101}, ecuValues)
}

func TestSequences(t *testing.T) {
	tests := []struct {
		name string
		wrap bool
		want []string
	}{
		{"stop at end", false, []string{"0A", "0B", "0B", "0B", "0B", "0B"}},
		{"wrap around", true, []string{"0A", "0B", "0A", "0B", "0A", "0B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := createTestEcu(t, false,
				MustRequestMatcher("seq", nil, "", func(ctx *ResponseContext) error {
					if tt.wrap {
						return ctx.SequenceWrapAround("0A", "0B")
					}
					return ctx.SequenceStopAtEnd("0A", "0B")
				}),
			)
			sink := &recordingSink{}
			for range 6 {
				e.HandleRequest(request(sink, 0x22, 0x01))
			}
			var got []string
			for _, p := range sink.payloads() {
				got = append(got, HexString(p))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSequenceInvalidHex(t *testing.T) {
	e, obs := createTestEcu(t, false,
		MustRequestMatcher("seq", nil, "", func(ctx *ResponseContext) error {
			return ctx.SequenceWrapAround("0A", "ZZ")
		}),
	)
	sink := &recordingSink{}
	e.HandleRequest(request(sink, 0x22, 0x01))
	assert.Empty(t, sink.payloads())
	assert.Equal(t, []Outcome{OutcomeFailed}, obs.all())
}

func TestActionFailureReleasesBusy(t *testing.T) {
	tests := []struct {
		name   string
		action RequestAction
		want   [][]byte
	}{
		{"panic after staging", func(ctx *ResponseContext) error {
			ctx.Ack()
			panic("scripted failure")
		}, [][]byte{{0x7E, 0x00}}},
		{"panic before staging", func(*ResponseContext) error {
			panic("scripted failure")
		}, nil},
		{"error", func(*ResponseContext) error {
			return errors.New("scripted failure")
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, obs := createTestEcu(t, false, MustRequestMatcher("fail", nil, "", tt.action))
			sink := &recordingSink{}

			assert.NotPanics(t, func() { e.HandleRequest(request(sink, 0x3E, 0x00)) })
			assert.False(t, e.IsBusy())
			assert.Equal(t, tt.want, sink.payloads())
			assert.Equal(t, []Outcome{OutcomeFailed}, obs.all())
		})
	}
}

func TestInterceptorFailure(t *testing.T) {
	e, obs := createTestEcu(t, false,
		MustRequestMatcher("all", nil, "", func(ctx *ResponseContext) error {
			ctx.Ack()
			return nil
		}),
	)
	e.AddOrReplaceInterceptor("broken", 0, false, func(*InterceptorContext) (bool, error) {
		panic("broken interceptor")
	})
	sink := &recordingSink{}

	e.HandleRequest(request(sink, 0x3E, 0x00))

	assert.Empty(t, sink.payloads())
	assert.False(t, e.IsBusy())
	assert.Equal(t, []Outcome{OutcomeFailed}, obs.all())
}

func TestNewRequestMatcherErrors(t *testing.T) {
	_, err := NewRequestMatcher("both", []byte{0x01}, "01", nil)
	assert.Error(t, err)

	_, err = NewRequestMatcher("bad regex", nil, "(", nil)
	assert.Error(t, err)

	m, err := NewRequestMatcher("lower", nil, "22f1.*", nil)
	require.NoError(t, err)
	assert.True(t, m.matches([]byte{0x22, 0xF1, 0x90}, HexString([]byte{0x22, 0xF1, 0x90})))
	assert.Equal(t, "22f1.*", m.Pattern())
}
