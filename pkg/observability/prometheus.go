// Package observability provides Prometheus metrics for a collection run.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// namespace is the Prometheus metric namespace prefix for all rosac metrics.
	namespace = "rosac"
)

// Metrics holds all Prometheus metrics for one collection run.
type Metrics struct {
	registry *prometheus.Registry

	// Command runner metrics
	commandsTotal      *prometheus.CounterVec
	groupsAbortedTotal prometheus.Counter

	// Download metrics (files, backup, config)
	downloadsTotal *prometheus.CounterVec
	downloadBytes  *prometheus.CounterVec

	// Stage timing
	stageDuration *prometheus.GaugeVec

	// Archive size
	archiveBytes prometheus.Gauge

	// SNMP health readings
	deviceHealth *prometheus.GaugeVec

	// Audit events
	securityEvents *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so only run metrics end up in the textfile.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of device commands executed by group and status",
			},
			[]string{"group", "status"},
		),

		groupsAbortedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_aborted_total",
			Help:      "Total number of command groups aborted by a failing command",
		}),

		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of downloads by kind and status",
			},
			[]string{"kind", "status"},
		),

		downloadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Total bytes downloaded from the device by kind",
			},
			[]string{"kind"},
		),

		stageDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time spent in each pipeline stage in seconds",
			},
			[]string{"stage"},
		),

		archiveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of the produced archive in bytes",
		}),

		deviceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_health",
				Help:      "Hardware health readings from the MikroTik health MIB",
			},
			[]string{"reading", "unit"},
		),

		securityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Total number of audit events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.commandsTotal,
		m.groupsAbortedTotal,
		m.downloadsTotal,
		m.downloadBytes,
		m.stageDuration,
		m.archiveBytes,
		m.deviceHealth,
		m.securityEvents,
	)

	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in text exposition format to path,
// suitable for the node_exporter textfile collector. The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordCommand records one executed command of a group.
func (m *Metrics) RecordCommand(group string, err error) {
	m.commandsTotal.WithLabelValues(group, statusLabel(err)).Inc()
}

// RecordGroupAborted records that a group stopped at a failing command.
func (m *Metrics) RecordGroupAborted() {
	m.groupsAbortedTotal.Inc()
}

// RecordDownload records a download attempt.
// kind should be one of: file, backup, config.
func (m *Metrics) RecordDownload(kind string, bytes int64, err error) {
	m.downloadsTotal.WithLabelValues(kind, statusLabel(err)).Inc()
	if err == nil {
		m.downloadBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage).Set(duration.Seconds())
}

// RecordArchive records the final archive size.
func (m *Metrics) RecordArchive(bytes int64) {
	m.archiveBytes.Set(float64(bytes))
}

// RecordHealth records one hardware health reading.
func (m *Metrics) RecordHealth(reading, unit string, value float64) {
	m.deviceHealth.WithLabelValues(reading, unit).Set(value)
}

// RecordSecurityEvent counts one audit event. It satisfies security.Recorder.
func (m *Metrics) RecordSecurityEvent(eventType, outcome string) {
	m.securityEvents.WithLabelValues(eventType, outcome).Inc()
}
