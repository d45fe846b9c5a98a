package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the process counters exported on /metrics.
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64
	httpLatencySum      atomic.Int64 // microseconds
	httpLatencyCount    atomic.Int64

	// Backup metrics
	backupsTotal      atomic.Int64
	backupsSuccess    atomic.Int64
	backupsFailed     atomic.Int64
	backupsSkipped    atomic.Int64
	backupBytesTotal  atomic.Int64
	backupDurationSum atomic.Int64 // milliseconds
	lastBackupSize    atomic.Int64
	lastBackupUnix    atomic.Int64
	resourceFailures  atomic.Int64
	backupsDeleted    atomic.Int64

	// Recovery metrics
	recoveriesTotal   atomic.Int64
	recoveriesSuccess atomic.Int64
	recoveriesFailed  atomic.Int64

	// Mirror metrics
	mirrorUploadsTotal  atomic.Int64
	mirrorUploadsFailed atomic.Int64
	mirrorBytesTotal    atomic.Int64

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
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
}

// Backup Metrics
func (m *Metrics) IncBackups()          { m.backupsTotal.Add(1) }
func (m *Metrics) IncBackupsFailed()    { m.backupsFailed.Add(1) }
func (m *Metrics) IncBackupsSkipped()   { m.backupsSkipped.Add(1) }
func (m *Metrics) IncResourceFailures() { m.resourceFailures.Add(1) }
func (m *Metrics) IncBackupsDeleted()   { m.backupsDeleted.Add(1) }

// RecordBackup records a completed backup.
func (m *Metrics) RecordBackup(size int64, duration time.Duration, at time.Time) {
	m.backupsSuccess.Add(1)
	m.backupBytesTotal.Add(size)
	m.backupDurationSum.Add(duration.Milliseconds())
	m.lastBackupSize.Store(size)
	m.lastBackupUnix.Store(at.Unix())
}

// Recovery Metrics
func (m *Metrics) IncRecoveries()        { m.recoveriesTotal.Add(1) }
func (m *Metrics) IncRecoveriesSuccess() { m.recoveriesSuccess.Add(1) }
func (m *Metrics) IncRecoveriesFailed()  { m.recoveriesFailed.Add(1) }

// Mirror Metrics
func (m *Metrics) IncMirrorUploads()          { m.mirrorUploadsTotal.Add(1) }
func (m *Metrics) IncMirrorUploadsFailed()    { m.mirrorUploadsFailed.Add(1) }
func (m *Metrics) IncMirrorBytes(bytes int64) { m.mirrorBytesTotal.Add(bytes) }

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"goroutines":         runtime.NumGoroutine(),
		"go_version":         runtime.Version(),
		"memory_alloc_bytes": memStats.Alloc,
		"memory_sys_bytes":   memStats.Sys,

		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),

		"backups_total":           m.backupsTotal.Load(),
		"backups_success":         m.backupsSuccess.Load(),
		"backups_failed":          m.backupsFailed.Load(),
		"backups_skipped":         m.backupsSkipped.Load(),
		"backups_deleted":         m.backupsDeleted.Load(),
		"backup_bytes_total":      m.backupBytesTotal.Load(),
		"backup_duration_sum_ms":  m.backupDurationSum.Load(),
		"last_backup_size_bytes":  m.lastBackupSize.Load(),
		"last_backup_timestamp":   m.lastBackupUnix.Load(),
		"resource_failures_total": m.resourceFailures.Load(),

		"recoveries_total":   m.recoveriesTotal.Load(),
		"recoveries_success": m.recoveriesSuccess.Load(),
		"recoveries_failed":  m.recoveriesFailed.Load(),

		"mirror_uploads_total":  m.mirrorUploadsTotal.Load(),
		"mirror_uploads_failed": m.mirrorUploadsFailed.Load(),
		"mirror_bytes_total":    m.mirrorBytesTotal.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value float64
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	all := []promMetric{
		{"keepsake_uptime_seconds", "Time since keepsake started", "gauge", time.Since(m.startTime).Seconds()},
		{"keepsake_goroutines", "Number of goroutines", "gauge", float64(runtime.NumGoroutine())},
		{"keepsake_memory_alloc_bytes", "Current allocated memory", "gauge", float64(memStats.Alloc)},

		{"keepsake_http_requests_total", "Total HTTP requests", "counter", float64(m.httpRequestsTotal.Load())},
		{"keepsake_http_requests_error_total", "HTTP requests that failed", "counter", float64(m.httpRequestsError.Load())},
		{"keepsake_http_latency_microseconds_sum", "Sum of HTTP request latencies", "counter", float64(m.httpLatencySum.Load())},
		{"keepsake_http_latency_microseconds_count", "Number of timed HTTP requests", "counter", float64(m.httpLatencyCount.Load())},

		{"keepsake_backups_total", "Backups started", "counter", float64(m.backupsTotal.Load())},
		{"keepsake_backups_success_total", "Backups that produced an archive", "counter", float64(m.backupsSuccess.Load())},
		{"keepsake_backups_failed_total", "Backups that failed", "counter", float64(m.backupsFailed.Load())},
		{"keepsake_backups_skipped_total", "Backups skipped because one was in progress", "counter", float64(m.backupsSkipped.Load())},
		{"keepsake_backups_deleted_total", "Archives deleted on request", "counter", float64(m.backupsDeleted.Load())},
		{"keepsake_backup_bytes_total", "Bytes of archives written", "counter", float64(m.backupBytesTotal.Load())},
		{"keepsake_backup_duration_milliseconds_sum", "Sum of successful backup durations", "counter", float64(m.backupDurationSum.Load())},
		{"keepsake_last_backup_size_bytes", "Size of the most recent archive", "gauge", float64(m.lastBackupSize.Load())},
		{"keepsake_last_backup_timestamp_seconds", "Unix time of the most recent archive", "gauge", float64(m.lastBackupUnix.Load())},
		{"keepsake_resource_failures_total", "Per-resource backup failures", "counter", float64(m.resourceFailures.Load())},

		{"keepsake_recoveries_total", "Recoveries started", "counter", float64(m.recoveriesTotal.Load())},
		{"keepsake_recoveries_success_total", "Recoveries that created a profile", "counter", float64(m.recoveriesSuccess.Load())},
		{"keepsake_recoveries_failed_total", "Recoveries that failed", "counter", float64(m.recoveriesFailed.Load())},

		{"keepsake_mirror_uploads_total", "Archive mirror uploads", "counter", float64(m.mirrorUploadsTotal.Load())},
		{"keepsake_mirror_uploads_failed_total", "Archive mirror uploads that failed", "counter", float64(m.mirrorUploadsFailed.Load())},
		{"keepsake_mirror_bytes_total", "Bytes uploaded to the mirror", "counter", float64(m.mirrorBytesTotal.Load())},
	}

	var b []byte
	for _, pm := range all {
		b = fmt.Appendf(b, "# HELP %s %s\n# TYPE %s %s\n", pm.name, pm.help, pm.name, pm.kind)
		b = appendMetric(b, pm.name, pm.value)
	}
	return string(b)
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = fmt.Appendf(b, "%g", value)
	b = append(b, '\n')
	return b
}
