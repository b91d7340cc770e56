// Package telemetry keeps carewatch's counters, gauges and request histograms
// in process and serves them in the Prometheus text exposition format. It
// uses only standard library constructs.
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

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName     string        `json:"service_name"`
	ServiceVersion  string        `json:"service_version"`
	MetricsEnabled  *bool         `json:"metrics_enabled"` // nil = use default (true)
	MetricsInterval time.Duration `json:"metrics_interval"`
	Environment     string        `json:"environment"`
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "carewatch"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Metric names
// ---------------------------------------------------------------------------

// Counters. Each carries at most one label.
const (
	VitalsIngested = "vitals_ingested_total"
	VitalsRejected = "vitals_rejected_total"
	AlarmsRaised   = "alarms_raised_total"
	AlarmsResolved = "alarms_resolved_total"
	FanoutDropped  = "fanout_dropped_total"
	HTTPRequests   = "http_requests_total"
)

// Gauges.
const (
	FanoutSubscribers = "fanout_subscribers"
	PatientActors     = "patient_actors"
	ActiveRequests    = "http_server_active_requests"
	DBPoolActive      = "db_pool_active_connections"
	DBPoolIdle        = "db_pool_idle_connections"
)

type desc struct {
	name  string
	label string
	help  string
}

var counterDescs = []desc{
	{VitalsIngested, "source", "Vital readings accepted."},
	{VitalsRejected, "source", "Vital readings rejected by validation."},
	{AlarmsRaised, "severity", "Alarms raised."},
	{AlarmsResolved, "cause", "Alarms resolved."},
	{FanoutDropped, "", "Events dropped from full subscriber queues."},
	{HTTPRequests, "code", "HTTP requests by status class."},
}

var gaugeDescs = []desc{
	{FanoutSubscribers, "", "Open fan-out subscriptions."},
	{PatientActors, "", "Live per-patient actors."},
	{ActiveRequests, "", "Number of active HTTP requests."},
	{DBPoolActive, "", "Number of active database pool connections."},
	{DBPoolIdle, "", "Number of idle database pool connections."},
}

// ---------------------------------------------------------------------------
// Histogram: Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // stored as math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Value exceeds all boundaries: counted in +Inf (handled at export).
	h.mu.Unlock()
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// cumulativeBuckets returns cumulative bucket counts for Prometheus export.
func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// atomicAddFloat64 performs an atomic add on a uint64 that stores a float64
// using CAS.
func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Value store: counters and gauges keyed by (name, label value)
// ---------------------------------------------------------------------------

type valueStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newValueStore() *valueStore {
	return &valueStore{items: make(map[string]*int64)}
}

func storeKey(name, label string) string { return name + "|" + label }

func (s *valueStore) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *valueStore) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }

func (s *valueStore) set(key string, val int64) { atomic.StoreInt64(s.ptr(key), val) }

func (s *valueStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// labels returns the label values recorded for name, sorted.
func (s *valueStore) labels(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key := range s.items {
		if n, label, ok := strings.Cut(key, "|"); ok && n == name {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// TelemetryProvider: the main entry point
// ---------------------------------------------------------------------------

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for HTTP request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// TelemetryProvider manages all observability state.
type TelemetryProvider struct {
	cfg TelemetryConfig

	duration *histogram
	counters *valueStore
	gauges   *valueStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider creates and initialises the telemetry provider.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	return &TelemetryProvider{
		cfg:      cfg,
		duration: newHistogram(defaultDurationBuckets),
		counters: newValueStore(),
		gauges:   newValueStore(),
		done:     make(chan struct{}),
	}
}

// Shutdown stops background collection started with Collect.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Resource returns the service attributes.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// Inc increments a counter. label may be empty for unlabeled counters.
func (tp *TelemetryProvider) Inc(name, label string) {
	if tp == nil || !tp.cfg.metricsOn() {
		return
	}
	tp.counters.add(storeKey(name, label), 1)
}

// Counter returns the current value of a counter.
func (tp *TelemetryProvider) Counter(name, label string) int64 {
	return tp.counters.get(storeKey(name, label))
}

// SetGauge sets a gauge to val.
func (tp *TelemetryProvider) SetGauge(name string, val int64) {
	if tp == nil || !tp.cfg.metricsOn() {
		return
	}
	tp.gauges.set(storeKey(name, ""), val)
}

// AddGauge moves a gauge by delta.
func (tp *TelemetryProvider) AddGauge(name string, delta int64) {
	if tp == nil || !tp.cfg.metricsOn() {
		return
	}
	tp.gauges.add(storeKey(name, ""), delta)
}

// Gauge returns the current value of a gauge.
func (tp *TelemetryProvider) Gauge(name string) int64 {
	return tp.gauges.get(storeKey(name, ""))
}

// Collect calls fn every MetricsInterval until ctx ends or the provider is
// shut down. It is used to sample values that have no event of their own,
// such as database pool statistics.
func (tp *TelemetryProvider) Collect(ctx context.Context, fn func(tp *TelemetryProvider)) error {
	ticker := time.NewTicker(tp.cfg.MetricsInterval)
	defer ticker.Stop()
	fn(tp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tp.done:
			return nil
		case <-ticker.C:
			fn(tp)
		}
	}
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.AddGauge(ActiveRequests, 1)
			start := time.Now()

			err := next(c)

			tp.duration.Observe(time.Since(start).Seconds())
			tp.AddGauge(ActiveRequests, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			tp.Inc(HTTPRequests, fmt.Sprintf("%dxx", status/100))
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler returns an Echo handler that serves metrics in Prometheus
// text exposition format at /metrics.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, tp.Exposition())
	}
}

// Exposition renders every metric in the Prometheus text format.
func (tp *TelemetryProvider) Exposition() string {
	var b strings.Builder

	for _, d := range counterDescs {
		fmt.Fprintf(&b, "# HELP %s %s\n", d.name, d.help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", d.name)
		if d.label == "" {
			fmt.Fprintf(&b, "%s %d\n", d.name, tp.Counter(d.name, ""))
		} else {
			for _, v := range tp.counters.labels(d.name) {
				fmt.Fprintf(&b, "%s{%s=%q} %d\n", d.name, d.label, v, tp.Counter(d.name, v))
			}
		}
		b.WriteByte('\n')
	}

	for _, d := range gaugeDescs {
		fmt.Fprintf(&b, "# HELP %s %s\n", d.name, d.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", d.name)
		fmt.Fprintf(&b, "%s %d\n", d.name, tp.Gauge(d.name))
		b.WriteByte('\n')
	}

	writeHistogram(&b, "http_server_request_duration_seconds",
		"Duration of HTTP requests in seconds.", tp.duration)
	return b.String()
}

func writeHistogram(b *strings.Builder, name, help string, h *histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, h.Count())
	fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n", name, h.Count())
	b.WriteByte('\n')
}
