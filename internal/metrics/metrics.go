package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds process-wide counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// Session lifecycle
	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64
	sessionsCancelled atomic.Int64
	sessionsActive    atomic.Int64

	// Session duration histogram (microseconds)
	// Buckets: 10ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, +Inf
	sessionLatencyBuckets [10]atomic.Int64
	sessionLatencySum     atomic.Int64
	sessionLatencyCount   atomic.Int64

	// Decoding
	recordsTotal       atomic.Int64
	tablesTotal        atomic.Int64
	bytesReadTotal     atomic.Int64
	protocolErrorTotal atomic.Int64
	valueErrorTotal    atomic.Int64
	transportErrTotal  atomic.Int64

	// Dispatcher
	dispatchRequestsTotal atomic.Int64
	dispatchErrorsTotal   atomic.Int64
	dispatchRejected      atomic.Int64 // circuit open
	pingTotal             atomic.Int64

	// Lifecycle events
	eventsPublished atomic.Int64
	eventsDropped   atomic.Int64

	// Export
	exportRecordsTotal atomic.Int64
	exportTablesTotal  atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// Session Metrics
func (m *Metrics) IncSessionsStarted()   { m.sessionsStarted.Add(1); m.sessionsActive.Add(1) }
func (m *Metrics) IncSessionsCompleted() { m.sessionsCompleted.Add(1); m.sessionsActive.Add(-1) }
func (m *Metrics) IncSessionsFailed()    { m.sessionsFailed.Add(1); m.sessionsActive.Add(-1) }
func (m *Metrics) IncSessionsCancelled() { m.sessionsCancelled.Add(1); m.sessionsActive.Add(-1) }

// RecordSessionLatency records a finished session's duration in microseconds
func (m *Metrics) RecordSessionLatency(durationMicros int64) {
	m.sessionLatencySum.Add(durationMicros)
	m.sessionLatencyCount.Add(1)
	m.sessionLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

func latencyBucket(micros int64) int {
	switch {
	case micros <= 10000:
		return 0
	case micros <= 50000:
		return 1
	case micros <= 100000:
		return 2
	case micros <= 250000:
		return 3
	case micros <= 500000:
		return 4
	case micros <= 1000000:
		return 5
	case micros <= 2500000:
		return 6
	case micros <= 5000000:
		return 7
	case micros <= 10000000:
		return 8
	default:
		return 9
	}
}

// Decode Metrics
func (m *Metrics) IncRecords(count int64)   { m.recordsTotal.Add(count) }
func (m *Metrics) IncTables(count int64)    { m.tablesTotal.Add(count) }
func (m *Metrics) IncBytesRead(bytes int64) { m.bytesReadTotal.Add(bytes) }
func (m *Metrics) IncProtocolErrors()       { m.protocolErrorTotal.Add(1) }
func (m *Metrics) IncValueErrors()          { m.valueErrorTotal.Add(1) }
func (m *Metrics) IncTransportErrors()      { m.transportErrTotal.Add(1) }

// Dispatcher Metrics
func (m *Metrics) IncDispatchRequests() { m.dispatchRequestsTotal.Add(1) }
func (m *Metrics) IncDispatchErrors()   { m.dispatchErrorsTotal.Add(1) }
func (m *Metrics) IncDispatchRejected() { m.dispatchRejected.Add(1) }
func (m *Metrics) IncPing()             { m.pingTotal.Add(1) }

// Event Metrics, copied from the bus counters
func (m *Metrics) SetEventsPublished(count int64) { m.eventsPublished.Store(count) }
func (m *Metrics) SetEventsDropped(count int64)   { m.eventsDropped.Store(count) }

// Export Metrics
func (m *Metrics) IncExportRecords(count int64) { m.exportRecordsTotal.Add(count) }
func (m *Metrics) IncExportTables(count int64)  { m.exportTablesTotal.Add(count) }

// ActiveSessions returns the number of sessions not yet finished
func (m *Metrics) ActiveSessions() int64 { return m.sessionsActive.Load() }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"memory_sys_bytes":        memStats.Sys,
		"gc_cycles":               memStats.NumGC,

		"sessions_started_total":   m.sessionsStarted.Load(),
		"sessions_completed_total": m.sessionsCompleted.Load(),
		"sessions_failed_total":    m.sessionsFailed.Load(),
		"sessions_cancelled_total": m.sessionsCancelled.Load(),
		"sessions_active":          m.sessionsActive.Load(),
		"session_latency_sum_us":   m.sessionLatencySum.Load(),
		"session_latency_count":    m.sessionLatencyCount.Load(),

		"records_total":          m.recordsTotal.Load(),
		"tables_total":           m.tablesTotal.Load(),
		"bytes_read_total":       m.bytesReadTotal.Load(),
		"protocol_errors_total":  m.protocolErrorTotal.Load(),
		"value_errors_total":     m.valueErrorTotal.Load(),
		"transport_errors_total": m.transportErrTotal.Load(),

		"dispatch_requests_total": m.dispatchRequestsTotal.Load(),
		"dispatch_errors_total":   m.dispatchErrorsTotal.Load(),
		"dispatch_rejected_total": m.dispatchRejected.Load(),
		"ping_total":              m.pingTotal.Load(),

		"events_published_total": m.eventsPublished.Load(),
		"events_dropped_total":   m.eventsDropped.Load(),

		"export_records_total": m.exportRecordsTotal.Load(),
		"export_tables_total":  m.exportTablesTotal.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value func(*Metrics) float64
}

var promMetrics = []promMetric{
	{"fluxq_sessions_started_total", "Sessions started", "counter", func(m *Metrics) float64 { return float64(m.sessionsStarted.Load()) }},
	{"fluxq_sessions_completed_total", "Sessions that consumed the full response", "counter", func(m *Metrics) float64 { return float64(m.sessionsCompleted.Load()) }},
	{"fluxq_sessions_failed_total", "Sessions ended by an error", "counter", func(m *Metrics) float64 { return float64(m.sessionsFailed.Load()) }},
	{"fluxq_sessions_cancelled_total", "Sessions cancelled by the consumer", "counter", func(m *Metrics) float64 { return float64(m.sessionsCancelled.Load()) }},
	{"fluxq_sessions_active", "Sessions currently running", "gauge", func(m *Metrics) float64 { return float64(m.sessionsActive.Load()) }},
	{"fluxq_records_total", "Records assembled", "counter", func(m *Metrics) float64 { return float64(m.recordsTotal.Load()) }},
	{"fluxq_tables_total", "Tables assembled in batch mode", "counter", func(m *Metrics) float64 { return float64(m.tablesTotal.Load()) }},
	{"fluxq_bytes_read_total", "Response bytes read from the server", "counter", func(m *Metrics) float64 { return float64(m.bytesReadTotal.Load()) }},
	{"fluxq_protocol_errors_total", "Malformed responses", "counter", func(m *Metrics) float64 { return float64(m.protocolErrorTotal.Load()) }},
	{"fluxq_value_errors_total", "Cells that failed type coercion", "counter", func(m *Metrics) float64 { return float64(m.valueErrorTotal.Load()) }},
	{"fluxq_transport_errors_total", "Genuine I/O failures while streaming", "counter", func(m *Metrics) float64 { return float64(m.transportErrTotal.Load()) }},
	{"fluxq_dispatch_requests_total", "Query requests sent", "counter", func(m *Metrics) float64 { return float64(m.dispatchRequestsTotal.Load()) }},
	{"fluxq_dispatch_errors_total", "Query requests rejected by the server or transport", "counter", func(m *Metrics) float64 { return float64(m.dispatchErrorsTotal.Load()) }},
	{"fluxq_dispatch_rejected_total", "Query requests refused by the open circuit breaker", "counter", func(m *Metrics) float64 { return float64(m.dispatchRejected.Load()) }},
	{"fluxq_events_published_total", "Lifecycle events published", "counter", func(m *Metrics) float64 { return float64(m.eventsPublished.Load()) }},
	{"fluxq_events_dropped_total", "Lifecycle event deliveries dropped on full subscribers", "counter", func(m *Metrics) float64 { return float64(m.eventsDropped.Load()) }},
	{"fluxq_export_records_total", "Records written by the exporter", "counter", func(m *Metrics) float64 { return float64(m.exportRecordsTotal.Load()) }},
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = append(b, "# HELP fluxq_uptime_seconds Time since the process started\n"...)
	b = append(b, "# TYPE fluxq_uptime_seconds gauge\n"...)
	b = appendMetric(b, "fluxq_uptime_seconds", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP fluxq_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE fluxq_goroutines gauge\n"...)
	b = appendMetric(b, "fluxq_goroutines", float64(runtime.NumGoroutine()))

	b = append(b, "# HELP fluxq_memory_heap_alloc_bytes Heap memory allocated\n"...)
	b = append(b, "# TYPE fluxq_memory_heap_alloc_bytes gauge\n"...)
	b = appendMetric(b, "fluxq_memory_heap_alloc_bytes", float64(memStats.HeapAlloc))

	for _, pm := range promMetrics {
		b = append(b, "# HELP "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.help...)
		b = append(b, "\n# TYPE "...)
		b = append(b, pm.name...)
		b = append(b, ' ')
		b = append(b, pm.kind...)
		b = append(b, '\n')
		b = appendMetric(b, pm.name, pm.value(m))
	}

	// Session duration histogram
	b = append(b, "# HELP fluxq_session_duration_seconds Session duration from dispatch to terminal state\n"...)
	b = append(b, "# TYPE fluxq_session_duration_seconds histogram\n"...)
	bucketLabels := []string{"0.01", "0.05", "0.1", "0.25", "0.5", "1", "2.5", "5", "10", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.sessionLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "fluxq_session_duration_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "fluxq_session_duration_seconds_sum", float64(m.sessionLatencySum.Load())/1000000.0)
	b = appendMetric(b, "fluxq_session_duration_seconds_count", float64(m.sessionLatencyCount.Load()))

	return string(b)
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

// appendFloat writes integers exactly and other values with six decimals
func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	if v < 0 && intPart == 0 {
		b = append(b, '-')
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	b = appendInt(b, fracPart)
	return b
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
