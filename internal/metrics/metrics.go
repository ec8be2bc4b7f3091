package metrics

// Request and connection counters for the DoIP simulator

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tturner/doipsim/internal/doip"
	"github.com/tturner/doipsim/internal/ecu"
)

// latencyWindow bounds the samples kept per ECU for percentiles.
const latencyWindow = 1024

// EcuStats contains statistics for one ECU
type EcuStats struct {
	Count     int
	Outcomes  map[ecu.Outcome]int
	MinMs     float64
	MaxMs     float64
	AvgMs     float64
	SumMs     float64
	P50Ms     float64
	P90Ms     float64
	P99Ms     float64
	Buckets   map[string]int
	LastSeen  time.Time
	latencies []float64
	next      int
}

// Summary is a point-in-time copy of all counters
type Summary struct {
	Started          time.Time
	TotalRequests    int
	ConnectionsTotal int
	ConnectionsOpen  int
	HeaderNacks      map[doip.NackCode]int
	ByEcu            map[string]*EcuStats
}

// Sink collects request outcomes and connection counts. It implements
// ecu.Observer.
type Sink struct {
	mu               sync.RWMutex
	started          time.Time
	total            int
	connectionsTotal int
	connectionsOpen  int
	headerNacks      map[doip.NackCode]int
	byEcu            map[string]*EcuStats
}

var _ ecu.Observer = (*Sink)(nil)

// NewSink creates a new metrics sink
func NewSink() *Sink {
	return &Sink{
		started:     time.Now(),
		headerNacks: make(map[doip.NackCode]int),
		byEcu:       make(map[string]*EcuStats),
	}
}

// RegisterEcu makes an ECU show up in summaries before its first request.
func (s *Sink) RegisterEcu(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsLocked(name)
}

func (s *Sink) statsLocked(name string) *EcuStats {
	st, ok := s.byEcu[name]
	if !ok {
		st = &EcuStats{Outcomes: make(map[ecu.Outcome]int), Buckets: make(map[string]int)}
		s.byEcu[name] = st
	}
	return st
}

// ObserveRequest records the outcome of one request handled by an ECU
func (s *Sink) ObserveRequest(name string, outcome ecu.Outcome, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	st := s.statsLocked(name)
	st.Count++
	st.Outcomes[outcome]++
	st.LastSeen = time.Now()

	if st.MinMs == 0 || ms < st.MinMs {
		st.MinMs = ms
	}
	if ms > st.MaxMs {
		st.MaxMs = ms
	}
	st.SumMs += ms
	st.AvgMs = st.SumMs / float64(st.Count)
	incrementBucket(st.Buckets, ms)

	if len(st.latencies) < latencyWindow {
		st.latencies = append(st.latencies, ms)
	} else {
		st.latencies[st.next] = ms
		st.next = (st.next + 1) % latencyWindow
	}
}

// ConnectionOpened counts a new diagnostic connection
func (s *Sink) ConnectionOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionsTotal++
	s.connectionsOpen++
}

// ConnectionClosed counts a closed diagnostic connection
func (s *Sink) ConnectionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectionsOpen > 0 {
		s.connectionsOpen--
	}
}

// HeaderNack counts a generic header NACK sent over UDP or TCP
func (s *Sink) HeaderNack(code doip.NackCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerNacks[code]++
}

// GetSummary returns a deep copy of the current counters
func (s *Sink) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{
		Started:          s.started,
		TotalRequests:    s.total,
		ConnectionsTotal: s.connectionsTotal,
		ConnectionsOpen:  s.connectionsOpen,
		HeaderNacks:      make(map[doip.NackCode]int, len(s.headerNacks)),
		ByEcu:            make(map[string]*EcuStats, len(s.byEcu)),
	}
	for code, n := range s.headerNacks {
		summary.HeaderNacks[code] = n
	}
	for name, st := range s.byEcu {
		cp := &EcuStats{
			Count:    st.Count,
			Outcomes: make(map[ecu.Outcome]int, len(st.Outcomes)),
			MinMs:    st.MinMs,
			MaxMs:    st.MaxMs,
			AvgMs:    st.AvgMs,
			SumMs:    st.SumMs,
			Buckets:  make(map[string]int, len(st.Buckets)),
			LastSeen: st.LastSeen,
		}
		for k, v := range st.Outcomes {
			cp.Outcomes[k] = v
		}
		for k, v := range st.Buckets {
			cp.Buckets[k] = v
		}
		p := computePercentiles(append([]float64(nil), st.latencies...))
		cp.P50Ms, cp.P90Ms, cp.P99Ms = p[0], p[1], p[2]
		summary.ByEcu[name] = cp
	}
	return summary
}

// EcuNames returns the ECU names in the summary, sorted
func (s *Summary) EcuNames() []string {
	names := make([]string, 0, len(s.ByEcu))
	for name := range s.ByEcu {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteText writes the counters in a line-oriented text exposition format
func (s *Sink) WriteText(w io.Writer) error {
	summary := s.GetSummary()

	lines := []string{
		"doipsim_up 1",
		fmt.Sprintf("doipsim_uptime_seconds %d", int(time.Since(summary.Started).Seconds())),
		fmt.Sprintf("doipsim_connections_total %d", summary.ConnectionsTotal),
		fmt.Sprintf("doipsim_connections_open %d", summary.ConnectionsOpen),
	}
	for _, name := range summary.EcuNames() {
		st := summary.ByEcu[name]
		for _, outcome := range ecu.Outcomes {
			lines = append(lines, fmt.Sprintf("doipsim_requests_total{ecu=%q,outcome=%q} %d", name, outcome, st.Outcomes[outcome]))
		}
		lines = append(lines, fmt.Sprintf("doipsim_request_latency_ms{ecu=%q,quantile=\"0.5\"} %.3f", name, st.P50Ms))
		lines = append(lines, fmt.Sprintf("doipsim_request_latency_ms{ecu=%q,quantile=\"0.9\"} %.3f", name, st.P90Ms))
	}
	codes := make([]int, 0, len(summary.HeaderNacks))
	for code := range summary.HeaderNacks {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)
	for _, code := range codes {
		lines = append(lines, fmt.Sprintf("doipsim_header_nacks_total{code=\"0x%02X\"} %d", code, summary.HeaderNacks[doip.NackCode(code)]))
	}

	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func incrementBucket(buckets map[string]int, value float64) {
	switch {
	case value < 1:
		buckets["lt_1ms"]++
	case value < 5:
		buckets["1_5ms"]++
	case value < 10:
		buckets["5_10ms"]++
	case value < 50:
		buckets["10_50ms"]++
	case value < 100:
		buckets["50_100ms"]++
	case value < 500:
		buckets["100_500ms"]++
	default:
		buckets["gt_500ms"]++
	}
}

func computePercentiles(values []float64) [3]float64 {
	var result [3]float64
	if len(values) == 0 {
		return result
	}
	sort.Float64s(values)
	result[0] = percentile(values, 0.50)
	result[1] = percentile(values, 0.90)
	result[2] = percentile(values, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
