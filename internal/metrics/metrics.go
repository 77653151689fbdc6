// Package metrics records job outcomes for the node exporter textfile
// collector. A nil *Metrics records nothing.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbkp"

type Metrics struct {
	registry *prometheus.Registry

	jobs         *prometheus.CounterVec
	duration     *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	backupBytes  *prometheus.GaugeVec
	backupParts  *prometheus.GaugeVec
	rawBytes     *prometheus.GaugeVec
	attempts     *prometheus.CounterVec
	pruned       *prometheus.CounterVec
	catalogSize  *prometheus.GaugeVec
	stageSeconds *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs run, by operation and result.",
		}, []string{"target", "operation", "result"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_duration_seconds",
			Help:      "Duration of the last job.",
		}, []string{"target", "operation"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful job.",
		}, []string{"target", "operation"}),
		backupBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_bytes",
			Help:      "Stored size of the last backup.",
		}, []string{"target"}),
		backupParts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_parts",
			Help:      "Multipart parts of the last backup.",
		}, []string{"target"}),
		rawBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_raw_bytes",
			Help:      "Dump size before compression and encryption.",
		}, []string{"target"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_attempts_total",
			Help:      "Storage attempts made by failed jobs, by error kind.",
		}, []string{"target", "kind"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_backups_total",
			Help:      "Backups removed by retention.",
		}, []string{"target"}),
		catalogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_backups",
			Help:      "Completed backups in the catalog.",
		}, []string{"target"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each job state.",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 1800, 3600, 4 * 3600},
		}, []string{"target", "stage"}),
	}
	m.registry.MustRegister(m.jobs, m.duration, m.lastSuccess, m.backupBytes, m.backupParts,
		m.rawBytes, m.attempts, m.pruned, m.catalogSize, m.stageSeconds)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// JobFinished records one job's outcome. attempts and kind are only used
// for failures.
func (m *Metrics) JobFinished(target, operation string, d time.Duration, err error, kind string, attempts int) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		if attempts > 0 {
			m.attempts.WithLabelValues(target, kind).Add(float64(attempts))
		}
	} else {
		m.lastSuccess.WithLabelValues(target, operation).SetToCurrentTime()
	}
	m.jobs.WithLabelValues(target, operation, result).Inc()
	m.duration.WithLabelValues(target, operation).Set(d.Seconds())
}

func (m *Metrics) BackupStored(target string, size, raw int64, parts int) {
	if m == nil {
		return
	}
	m.backupBytes.WithLabelValues(target).Set(float64(size))
	m.rawBytes.WithLabelValues(target).Set(float64(raw))
	m.backupParts.WithLabelValues(target).Set(float64(parts))
}

func (m *Metrics) Pruned(target string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruned.WithLabelValues(target).Add(float64(n))
}

func (m *Metrics) CatalogCount(target string, n int) {
	if m == nil {
		return
	}
	m.catalogSize.WithLabelValues(target).Set(float64(n))
}

func (m *Metrics) ObserveStage(target, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(target, stage).Observe(d.Seconds())
}

// TextfilePath returns the per-target file next to path, so runs for
// different targets do not overwrite each other: /x/dbkp.prom becomes
// /x/dbkp_orders.prom.
func TextfilePath(path, target string) string {
	dir, base := filepath.Split(path)
	stem := strings.TrimSuffix(base, ".prom")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.prom", stem, target))
}

// WriteTextfile writes the registry atomically in the text exposition
// format. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
