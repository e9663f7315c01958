// Package telemetry records HTTP and flow metrics and exposes them in the
// Prometheus text format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are request duration boundaries in seconds.
var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; export makes them cumulative.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// labelSet renders alternating name/value pairs as a Prometheus label body,
// e.g. `type="patient.triaged"`. Odd trailing names are dropped.
func labelSet(pairs []string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", pairs[i], pairs[i+1]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// GaugeFunc reports the current value of a gauge per label body at scrape time.
type GaugeFunc func(ctx context.Context) (map[string]float64, error)

type counterFamily struct {
	help   string
	values map[string]*int64
}

type gaugeFamily struct {
	help string
	fn   GaugeFunc
}

// Metrics is the process-wide metric registry.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*counterFamily
	gauges   map[string]*gaugeFamily
	requests map[string]*histogram

	active int64
}

func New() *Metrics {
	return &Metrics{
		counters: make(map[string]*counterFamily),
		gauges:   make(map[string]*gaugeFamily),
		requests: make(map[string]*histogram),
	}
}

// DescribeCounter sets the HELP text of a counter family.
func (m *Metrics) DescribeCounter(name, help string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counterLocked(name).help = help
}

func (m *Metrics) counterLocked(name string) *counterFamily {
	f, ok := m.counters[name]
	if !ok {
		f = &counterFamily{values: make(map[string]*int64)}
		m.counters[name] = f
	}
	return f
}

// IncCounter adds one to the counter name with the given label pairs.
func (m *Metrics) IncCounter(name string, labels ...string) {
	key := labelSet(labels)

	m.mu.RLock()
	if f, ok := m.counters[name]; ok {
		if p, ok := f.values[key]; ok {
			atomic.AddInt64(p, 1)
			m.mu.RUnlock()
			return
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.counterLocked(name)
	p, ok := f.values[key]
	if !ok {
		p = new(int64)
		f.values[key] = p
	}
	atomic.AddInt64(p, 1)
}

// Counter returns the current value of a counter.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.counters[name]
	if !ok {
		return 0
	}
	p, ok := f.values[labelSet(labels)]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// RegisterGauge installs fn as the source of gauge name.
func (m *Metrics) RegisterGauge(name, help string, fn GaugeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = &gaugeFamily{help: help, fn: fn}
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(durationBuckets)
		m.requests[key] = h
	}
	return h
}

// RequestCount returns how many requests matched method, route and status.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.requests[labelSet([]string{"method", method, "route", route, "status_code", fmt.Sprint(status)})]
	if !ok {
		return 0
	}
	return h.Count()
}

// ActiveRequests returns the number of requests in flight.
func (m *Metrics) ActiveRequests() int64 { return atomic.LoadInt64(&m.active) }

// Middleware observes request duration by method, route and status code.
// Paths under skipPrefixes are not observed.
func (m *Metrics) Middleware(skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range skipPrefixes {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			atomic.AddInt64(&m.active, 1)
			defer atomic.AddInt64(&m.active, -1)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := labelSet([]string{
				"method", c.Request().Method,
				"route", route,
				"status_code", fmt.Sprint(c.Response().Status),
			})
			m.requestHistogram(key).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves every metric in the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(c.Request().Context(), &b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (m *Metrics) write(ctx context.Context, b *strings.Builder) {
	m.mu.RLock()
	requests := make(map[string]*histogram, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	counters := make(map[string]map[string]int64, len(m.counters))
	helps := make(map[string]string, len(m.counters))
	for name, f := range m.counters {
		vals := make(map[string]int64, len(f.values))
		for k, p := range f.values {
			vals[k] = atomic.LoadInt64(p)
		}
		counters[name] = vals
		helps[name] = f.help
	}
	gauges := make(map[string]*gaugeFamily, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	m.mu.RUnlock()

	const reqName = "http_server_request_duration_seconds"
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", reqName)
	fmt.Fprintf(b, "# TYPE %s histogram\n", reqName)
	for _, key := range sortedKeys(requests) {
		writeHistogram(b, reqName, key, requests[key])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of HTTP requests in flight.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n\n", m.ActiveRequests())

	for _, name := range sortedKeys(counters) {
		if helps[name] != "" {
			fmt.Fprintf(b, "# HELP %s %s\n", name, helps[name])
		}
		fmt.Fprintf(b, "# TYPE %s counter\n", name)
		vals := counters[name]
		for _, key := range sortedKeys(vals) {
			fmt.Fprintf(b, "%s%s %d\n", name, braces(key), vals[key])
		}
		b.WriteByte('\n')
	}

	for _, name := range sortedKeys(gauges) {
		g := gauges[name]
		vals, err := g.fn(ctx)
		if err != nil {
			continue
		}
		fmt.Fprintf(b, "# HELP %s %s\n", name, g.help)
		fmt.Fprintf(b, "# TYPE %s gauge\n", name)
		for _, key := range sortedKeys(vals) {
			fmt.Fprintf(b, "%s%s %g\n", name, braces(key), vals[key])
		}
		b.WriteByte('\n')
	}
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	total := h.Count()
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), total)
}

// Labels builds a gauge label body from name/value pairs.
func Labels(pairs ...string) string { return labelSet(pairs) }
