package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var durationBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Collector collects metrics for Prometheus export. A nil *Collector is valid
// and records nothing.
type Collector struct {
	// Outbound calls
	totalCalls   atomic.Int64
	successCalls atomic.Int64
	failedCalls  atomic.Int64

	// Per-target/operation counters
	callCounts map[string]*atomic.Int64
	callMu     sync.RWMutex

	invalidations map[string]*atomic.Int64
	invalidMu     sync.RWMutex

	// Inbound gate rejections by status code
	rejections map[int]*atomic.Int64
	rejectMu   sync.RWMutex

	registrationAttempts atomic.Int64
	registrationSuccess  atomic.Int64
	lookups              atomic.Int64
	lookupFailures       atomic.Int64

	// Duration histogram (milliseconds)
	durationCounts map[float64]*atomic.Int64
	durationSum    atomic.Int64
	durationCount  atomic.Int64

	startTime time.Time
}

func NewCollector() *Collector {
	buckets := make(map[float64]*atomic.Int64, len(durationBuckets))
	for _, b := range durationBuckets {
		buckets[b] = &atomic.Int64{}
	}
	return &Collector{
		callCounts:     make(map[string]*atomic.Int64),
		invalidations:  make(map[string]*atomic.Int64),
		rejections:     make(map[int]*atomic.Int64),
		durationCounts: buckets,
		startTime:      time.Now(),
	}
}

// RecordCall records one outbound operation call against target.
func (c *Collector) RecordCall(target, operation string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	c.totalCalls.Add(1)
	if success {
		c.successCalls.Add(1)
	} else {
		c.failedCalls.Add(1)
	}

	counter(&c.callMu, c.callCounts, target+"|"+operation).Add(1)

	ms := duration.Milliseconds()
	c.durationSum.Add(ms)
	c.durationCount.Add(1)
	for bucket, n := range c.durationCounts {
		if float64(ms) <= bucket {
			n.Add(1)
		}
	}
}

// RecordInvalidation records a resolved target being reset.
func (c *Collector) RecordInvalidation(target string) {
	if c == nil {
		return
	}
	counter(&c.invalidMu, c.invalidations, target).Add(1)
}

// RecordRejection records an inbound request refused before its handler.
func (c *Collector) RecordRejection(status int) {
	if c == nil {
		return
	}
	c.rejectMu.Lock()
	n, ok := c.rejections[status]
	if !ok {
		n = &atomic.Int64{}
		c.rejections[status] = n
	}
	c.rejectMu.Unlock()
	n.Add(1)
}

func (c *Collector) RecordRegistration(success bool) {
	if c == nil {
		return
	}
	c.registrationAttempts.Add(1)
	if success {
		c.registrationSuccess.Add(1)
	}
}

func (c *Collector) RecordLookup(success bool) {
	if c == nil {
		return
	}
	c.lookups.Add(1)
	if !success {
		c.lookupFailures.Add(1)
	}
}

func counter(mu *sync.RWMutex, m map[string]*atomic.Int64, key string) *atomic.Int64 {
	mu.RLock()
	n, ok := m[key]
	mu.RUnlock()
	if ok {
		return n
	}
	mu.Lock()
	defer mu.Unlock()
	if n, ok = m[key]; !ok {
		n = &atomic.Int64{}
		m[key] = n
	}
	return n
}

// PrometheusFormat exports metrics in Prometheus text format.
func (c *Collector) PrometheusFormat() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	writeCounter := func(name, help string, v int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
	}

	writeCounter("svcweave_calls_total", "Total number of remote operation calls", c.totalCalls.Load())
	writeCounter("svcweave_calls_success_total", "Remote calls that produced a response", c.successCalls.Load())
	writeCounter("svcweave_calls_failed_total", "Remote calls that failed", c.failedCalls.Load())

	b.WriteString("# HELP svcweave_calls_by_operation_total Remote calls per target and operation\n")
	b.WriteString("# TYPE svcweave_calls_by_operation_total counter\n")
	for _, e := range sortedEntries(&c.callMu, c.callCounts) {
		target, op, _ := strings.Cut(e.key, "|")
		fmt.Fprintf(&b, "svcweave_calls_by_operation_total{target=%q,operation=%q} %d\n", target, op, e.value)
	}
	b.WriteString("\n")

	b.WriteString("# HELP svcweave_target_invalidations_total Resolved targets reset after a failure\n")
	b.WriteString("# TYPE svcweave_target_invalidations_total counter\n")
	for _, e := range sortedEntries(&c.invalidMu, c.invalidations) {
		fmt.Fprintf(&b, "svcweave_target_invalidations_total{target=%q} %d\n", e.key, e.value)
	}
	b.WriteString("\n")

	b.WriteString("# HELP svcweave_gate_rejections_total Inbound requests rejected before the handler\n")
	b.WriteString("# TYPE svcweave_gate_rejections_total counter\n")
	c.rejectMu.RLock()
	statuses := make([]int, 0, len(c.rejections))
	for status := range c.rejections {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "svcweave_gate_rejections_total{status=\"%d\"} %d\n", status, c.rejections[status].Load())
	}
	c.rejectMu.RUnlock()
	b.WriteString("\n")

	writeCounter("svcweave_registration_attempts_total", "Directory registration attempts", c.registrationAttempts.Load())
	writeCounter("svcweave_registration_success_total", "Successful directory registrations", c.registrationSuccess.Load())
	writeCounter("svcweave_lookups_total", "Directory lookups", c.lookups.Load())
	writeCounter("svcweave_lookups_failed_total", "Failed directory lookups", c.lookupFailures.Load())

	b.WriteString("# HELP svcweave_call_duration_milliseconds Remote call duration in milliseconds\n")
	b.WriteString("# TYPE svcweave_call_duration_milliseconds histogram\n")
	for _, bucket := range durationBuckets {
		fmt.Fprintf(&b, "svcweave_call_duration_milliseconds_bucket{le=\"%.0f\"} %d\n", bucket, c.durationCounts[bucket].Load())
	}
	fmt.Fprintf(&b, "svcweave_call_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.durationCount.Load())
	fmt.Fprintf(&b, "svcweave_call_duration_milliseconds_sum %d\n", c.durationSum.Load())
	fmt.Fprintf(&b, "svcweave_call_duration_milliseconds_count %d\n\n", c.durationCount.Load())

	b.WriteString("# HELP svcweave_uptime_seconds Uptime in seconds\n")
	b.WriteString("# TYPE svcweave_uptime_seconds counter\n")
	fmt.Fprintf(&b, "svcweave_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())
	return b.String()
}

type entry struct {
	key   string
	value int64
}

func sortedEntries(mu *sync.RWMutex, m map[string]*atomic.Int64) []entry {
	mu.RLock()
	out := make([]entry, 0, len(m))
	for k, n := range m {
		out = append(out, entry{key: k, value: n.Load()})
	}
	mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Handler serves PrometheusFormat.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(c.PrometheusFormat()))
	})
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalCalls           int64            `json:"total_calls"`
	SuccessCalls         int64            `json:"success_calls"`
	FailedCalls          int64            `json:"failed_calls"`
	AvgDurationMs        float64          `json:"avg_duration_ms"`
	CallsByOperation     map[string]int64 `json:"calls_by_operation"`
	Invalidations        map[string]int64 `json:"invalidations"`
	Rejections           map[string]int64 `json:"rejections"`
	RegistrationAttempts int64            `json:"registration_attempts"`
	RegistrationSuccess  int64            `json:"registration_success"`
	Lookups              int64            `json:"lookups"`
	LookupFailures       int64            `json:"lookup_failures"`
	UptimeSeconds        float64          `json:"uptime_seconds"`
}

func (c *Collector) Snapshot() *Snapshot {
	if c == nil {
		return &Snapshot{}
	}
	snap := &Snapshot{
		TotalCalls:           c.totalCalls.Load(),
		SuccessCalls:         c.successCalls.Load(),
		FailedCalls:          c.failedCalls.Load(),
		CallsByOperation:     make(map[string]int64),
		Invalidations:        make(map[string]int64),
		Rejections:           make(map[string]int64),
		RegistrationAttempts: c.registrationAttempts.Load(),
		RegistrationSuccess:  c.registrationSuccess.Load(),
		Lookups:              c.lookups.Load(),
		LookupFailures:       c.lookupFailures.Load(),
		UptimeSeconds:        time.Since(c.startTime).Seconds(),
	}
	if n := c.durationCount.Load(); n > 0 {
		snap.AvgDurationMs = float64(c.durationSum.Load()) / float64(n)
	}

	c.callMu.RLock()
	for key, n := range c.callCounts {
		snap.CallsByOperation[strings.Replace(key, "|", " ", 1)] = n.Load()
	}
	c.callMu.RUnlock()

	c.invalidMu.RLock()
	for key, n := range c.invalidations {
		snap.Invalidations[key] = n.Load()
	}
	c.invalidMu.RUnlock()

	c.rejectMu.RLock()
	for status, n := range c.rejections {
		snap.Rejections[strconv.Itoa(status)] = n.Load()
	}
	c.rejectMu.RUnlock()
	return snap
}
