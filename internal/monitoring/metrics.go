package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// MetricType represents the type of metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// Counter represents a counter metric
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  uint64
}

// NewCounter creates a new counter
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds the given value to the counter
func (c *Counter) Add(value float64) {
	if value < 0 {
		return // Counters can't decrease
	}
	atomic.AddUint64(&c.value, uint64(value))
}

// Get returns the current value
func (c *Counter) Get() float64 {
	return float64(atomic.LoadUint64(&c.value))
}

// ToMetric converts to a Metric struct
func (c *Counter) ToMetric() Metric {
	return Metric{
		Name:      c.name,
		Type:      MetricTypeCounter,
		Help:      c.help,
		Labels:    c.labels,
		Value:     c.Get(),
		Timestamp: time.Now(),
	}
}

// Gauge represents a gauge metric
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  int64 // Stored with 3 decimal precision for atomic operations
}

// NewGauge creates a new gauge
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{
		name:   name,
		help:   help,
		labels: labels,
	}
}

// Set sets the gauge to the given value
func (g *Gauge) Set(value float64) {
	atomic.StoreInt64(&g.value, int64(value*1000))
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1000)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1000)
}

// Add adds the given value to the gauge
func (g *Gauge) Add(value float64) {
	atomic.AddInt64(&g.value, int64(value*1000))
}

// Get returns the current value
func (g *Gauge) Get() float64 {
	return float64(atomic.LoadInt64(&g.value)) / 1000
}

// ToMetric converts to a Metric struct
func (g *Gauge) ToMetric() Metric {
	return Metric{
		Name:      g.name,
		Type:      MetricTypeGauge,
		Help:      g.help,
		Labels:    g.labels,
		Value:     g.Get(),
		Timestamp: time.Now(),
	}
}

// Histogram represents a histogram metric
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

// NewHistogram creates a new histogram
func NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1), // +1 for +Inf bucket
	}
}

// Observe adds an observation to the histogram
func (h *Histogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	atomic.AddUint64(&h.sum, uint64(value*1000))

	for i, bucket := range h.buckets {
		if value <= bucket {
			atomic.AddUint64(&h.counts[i], 1)
			return
		}
	}
	atomic.AddUint64(&h.counts[len(h.buckets)], 1)
}

// GetCount returns the total count of observations
func (h *Histogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

// GetSum returns the sum of all observations
func (h *Histogram) GetSum() float64 {
	return float64(atomic.LoadUint64(&h.sum)) / 1000
}

// GetPercentile returns the upper bound of the bucket the percentile
// falls in.
func (h *Histogram) GetPercentile(percentile float64) float64 {
	count := h.GetCount()
	if count == 0 {
		return 0
	}

	target := float64(count) * percentile / 100.0
	var cumulative uint64

	for i, bucket := range h.buckets {
		cumulative += atomic.LoadUint64(&h.counts[i])
		if float64(cumulative) >= target {
			return bucket
		}
	}
	return 0
}

// GetAverage calculates the average value
func (h *Histogram) GetAverage() float64 {
	count := h.GetCount()
	if count == 0 {
		return 0
	}
	return h.GetSum() / float64(count)
}

// ToMetric converts to a Metric struct
func (h *Histogram) ToMetric() Metric {
	labels := make(map[string]string, len(h.labels)+4)
	for k, v := range h.labels {
		labels[k] = v
	}
	labels["count"] = fmt.Sprintf("%d", h.GetCount())
	labels["average"] = fmt.Sprintf("%.2f", h.GetAverage())
	labels["p95"] = fmt.Sprintf("%.2f", h.GetPercentile(95))
	labels["p99"] = fmt.Sprintf("%.2f", h.GetPercentile(99))

	return Metric{
		Name:      h.name,
		Type:      MetricTypeHistogram,
		Help:      h.help,
		Labels:    labels,
		Value:     float64(h.GetCount()),
		Timestamp: time.Now(),
	}
}

// MetricsCollector manages all metrics
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}

	mc.registerSystemMetrics()
	return mc
}

// registerSystemMetrics registers default system metrics
func (mc *MetricsCollector) registerSystemMetrics() {
	// System metrics
	mc.NewGauge("go_memstats_alloc_bytes", "Number of bytes allocated and still in use", nil)
	mc.NewGauge("go_memstats_sys_bytes", "Number of bytes obtained from system", nil)
	mc.NewGauge("go_goroutines", "Number of goroutines that currently exist", nil)

	// HTTP metrics
	mc.NewCounter("http_requests_total", "Total number of HTTP requests", nil)

	// Session metrics
	mc.NewGauge("live_sessions", "Number of attached live sessions", nil)
	mc.NewCounter("session_attaches_total", "Total number of sessions attached", nil)
	mc.NewCounter("sessions_evicted_total", "Total number of sessions evicted as idle", nil)

	// Delivery metrics
	mc.NewCounter("notifications_dispatched_total", "Total number of notifications dispatched", nil)
	mc.NewCounter("deliveries_total", "Total number of channel delivery attempts", nil)

	// Sync metrics
	mc.NewCounter("sync_changes_total", "Total number of sync changes processed", nil)

	// Queue metrics
	mc.NewCounter("queue_messages_total", "Total number of queue messages settled", nil)
}

// NewCounter creates or gets a counter
func (mc *MetricsCollector) NewCounter(name, help string, labels map[string]string) *Counter {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := mc.getMetricKey(name, labels)
	if counter, exists := mc.counters[key]; exists {
		return counter
	}

	counter := NewCounter(name, help, labels)
	mc.counters[key] = counter
	return counter
}

// NewGauge creates or gets a gauge
func (mc *MetricsCollector) NewGauge(name, help string, labels map[string]string) *Gauge {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := mc.getMetricKey(name, labels)
	if gauge, exists := mc.gauges[key]; exists {
		return gauge
	}

	gauge := NewGauge(name, help, labels)
	mc.gauges[key] = gauge
	return gauge
}

// NewHistogram creates or gets a histogram
func (mc *MetricsCollector) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := mc.getMetricKey(name, labels)
	if histogram, exists := mc.histograms[key]; exists {
		return histogram
	}

	histogram := NewHistogram(name, help, labels, buckets)
	mc.histograms[key] = histogram
	return histogram
}

// getMetricKey generates a unique key for a metric with labels
func (mc *MetricsCollector) getMetricKey(name string, labels map[string]string) string {
	key := name
	for k, v := range labels {
		key += fmt.Sprintf("_%s_%s", k, v)
	}
	return key
}

// UpdateSystemMetrics updates system-level metrics
func (mc *MetricsCollector) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	mc.NewGauge("go_memstats_alloc_bytes", "Number of bytes allocated and still in use", nil).Set(float64(memStats.Alloc))
	mc.NewGauge("go_memstats_sys_bytes", "Number of bytes obtained from system", nil).Set(float64(memStats.Sys))
	mc.NewGauge("go_goroutines", "Number of goroutines that currently exist", nil).Set(float64(runtime.NumGoroutine()))
}

// GetAllMetrics returns all metrics
func (mc *MetricsCollector) GetAllMetrics() []Metric {
	mc.UpdateSystemMetrics()

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var metrics []Metric
	for _, counter := range mc.counters {
		metrics = append(metrics, counter.ToMetric())
	}
	for _, gauge := range mc.gauges {
		metrics = append(metrics, gauge.ToMetric())
	}
	for _, histogram := range mc.histograms {
		metrics = append(metrics, histogram.ToMetric())
	}
	return metrics
}

// GetMetricsSummary returns a summary of all metrics
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	metrics := mc.GetAllMetrics()

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return map[string]interface{}{
		"timestamp":     time.Now(),
		"uptime":        time.Since(mc.startTime).String(),
		"total_metrics": len(metrics),
		"metrics_by_type": map[string]int{
			"counters":   len(mc.counters),
			"gauges":     len(mc.gauges),
			"histograms": len(mc.histograms),
		},
		"metrics": metrics,
	}
}

// PrometheusHandler returns a handler that exports metrics in Prometheus format
func (mc *MetricsCollector) PrometheusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics := mc.GetAllMetrics()

		c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		for _, metric := range metrics {
			_, _ = c.Writer.WriteString(fmt.Sprintf("# HELP %s %s\n", metric.Name, metric.Help))
			_, _ = c.Writer.WriteString(fmt.Sprintf("# TYPE %s %s\n", metric.Name, metric.Type))

			labelStr := ""
			if len(metric.Labels) > 0 {
				labelPairs := make([]string, 0, len(metric.Labels))
				for k, v := range metric.Labels {
					labelPairs = append(labelPairs, fmt.Sprintf(`%s="%s"`, k, v))
				}
				labelStr = "{" + strings.Join(labelPairs, ",") + "}"
			}

			_, _ = c.Writer.WriteString(fmt.Sprintf("%s%s %g %d\n", metric.Name, labelStr, metric.Value, metric.Timestamp.UnixMilli()))
		}
	}
}

// JSONHandler returns a handler that exports metrics in JSON format
func (mc *MetricsCollector) JSONHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, mc.GetMetricsSummary())
	}
}

// RecordHTTPRequest records HTTP request metrics
func (mc *MetricsCollector) RecordHTTPRequest(method, status string, duration time.Duration) {
	labels := map[string]string{"method": method, "status": status}
	mc.NewCounter("http_requests_total", "Total number of HTTP requests", labels).Inc()
	mc.NewHistogram("http_request_duration_seconds", "HTTP request duration in seconds", labels, nil).Observe(duration.Seconds())
}

// RecordNotificationDispatched records one dispatch with its final
// notification status.
func (mc *MetricsCollector) RecordNotificationDispatched(notifType, status string, duration time.Duration) {
	labels := map[string]string{"type": notifType, "status": status}
	mc.NewCounter("notifications_dispatched_total", "Total number of notifications dispatched", labels).Inc()
	mc.NewHistogram("notification_dispatch_duration_seconds", "Time spent dispatching a notification", map[string]string{"type": notifType}, nil).Observe(duration.Seconds())
}

// RecordDelivery records one channel delivery attempt
func (mc *MetricsCollector) RecordDelivery(channel, outcome string) {
	labels := map[string]string{"channel": channel, "outcome": outcome}
	mc.NewCounter("deliveries_total", "Total number of channel delivery attempts", labels).Inc()
}

// RecordSyncChange records one processed sync change by result
func (mc *MetricsCollector) RecordSyncChange(status string) {
	labels := map[string]string{"status": status}
	mc.NewCounter("sync_changes_total", "Total number of sync changes processed", labels).Inc()
}

// RecordQueueMessage records a settled queue message
func (mc *MetricsCollector) RecordQueueMessage(queue, result string) {
	labels := map[string]string{"queue": queue, "result": result}
	mc.NewCounter("queue_messages_total", "Total number of queue messages settled", labels).Inc()
}

// RecordSessionAttached records a session attach and moves the gauge
func (mc *MetricsCollector) RecordSessionAttached() {
	mc.NewCounter("session_attaches_total", "Total number of sessions attached", nil).Inc()
	mc.NewGauge("live_sessions", "Number of attached live sessions", nil).Inc()
}

// RecordSessionDetached moves the session gauge down
func (mc *MetricsCollector) RecordSessionDetached() {
	mc.NewGauge("live_sessions", "Number of attached live sessions", nil).Dec()
}

// RecordSessionEvicted records an idle eviction
func (mc *MetricsCollector) RecordSessionEvicted() {
	mc.NewCounter("sessions_evicted_total", "Total number of sessions evicted as idle", nil).Inc()
}

// UpdateActiveSessions sets the session gauge from an authoritative count
func (mc *MetricsCollector) UpdateActiveSessions(count int) {
	mc.NewGauge("live_sessions", "Number of attached live sessions", nil).Set(float64(count))
}

// UpdateQueueDepth sets the per-queue depth gauges
func (mc *MetricsCollector) UpdateQueueDepth(queue string, ready, delayed, inFlight int64) {
	labels := map[string]string{"queue": queue}
	mc.NewGauge("queue_ready", "Messages ready for delivery", labels).Set(float64(ready))
	mc.NewGauge("queue_delayed", "Messages waiting on a delay", labels).Set(float64(delayed))
	mc.NewGauge("queue_in_flight", "Messages claimed by a consumer", labels).Set(float64(inFlight))
}

// UpdateDeadLetters sets the dead-letter gauge
func (mc *MetricsCollector) UpdateDeadLetters(count int64) {
	mc.NewGauge("queue_dead_letters", "Messages parked on the dead-letter queue", nil).Set(float64(count))
}

// RecordDatabaseQuery records database query metrics
func (mc *MetricsCollector) RecordDatabaseQuery(operation, status string, duration time.Duration) {
	labels := map[string]string{"operation": operation, "status": status}
	mc.NewCounter("database_queries_total", "Total number of database queries", labels).Inc()
	mc.NewHistogram("database_query_duration_seconds", "Database query duration in seconds", map[string]string{"operation": operation}, nil).Observe(duration.Seconds())
}

// RecordCacheOperation records cache operation metrics
func (mc *MetricsCollector) RecordCacheOperation(operation, result string) {
	labels := map[string]string{"operation": operation, "result": result}
	mc.NewCounter("cache_operations_total", "Total number of cache operations", labels).Inc()
}

// RecordError records an error by type and component
func (mc *MetricsCollector) RecordError(component, errorType string) {
	labels := map[string]string{"component": component, "type": errorType}
	mc.NewCounter("errors_total", "Total number of errors", labels).Inc()
}

// GetServiceMetricsSummary returns a summary of the service-specific metrics
func (mc *MetricsCollector) GetServiceMetricsSummary() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return map[string]interface{}{
		"timestamp": time.Now(),
		"sessions": map[string]interface{}{
			"live":     mc.getGaugeValue("live_sessions", nil),
			"attached": mc.getCounterValue("session_attaches_total", nil),
			"evicted":  mc.getCounterValue("sessions_evicted_total", nil),
		},
		"notifications": map[string]interface{}{
			"dispatched": mc.getCounterValue("notifications_dispatched_total", nil),
			"deliveries": mc.getCounterValue("deliveries_total", nil),
		},
		"sync": map[string]interface{}{
			"changes": mc.getCounterValue("sync_changes_total", nil),
		},
		"queues": map[string]interface{}{
			"settled":      mc.getCounterValue("queue_messages_total", nil),
			"dead_letters": mc.getGaugeValue("queue_dead_letters", nil),
		},
	}
}

// Helper methods to get metric values safely
func (mc *MetricsCollector) getCounterValue(name string, labels map[string]string) float64 {
	key := mc.getMetricKey(name, labels)
	if counter, exists := mc.counters[key]; exists {
		return counter.Get()
	}
	return 0
}

func (mc *MetricsCollector) getGaugeValue(name string, labels map[string]string) float64 {
	key := mc.getMetricKey(name, labels)
	if gauge, exists := mc.gauges[key]; exists {
		return gauge.Get()
	}
	return 0
}
