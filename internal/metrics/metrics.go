// Package metrics exposes deploy outcomes to the node-exporter textfile
// collector. Invocations are short-lived, so each run rewrites a per-project
// file of gauges instead of keeping live collectors registered.
package metrics

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder writes deploy metrics for scraping. An empty directory disables
// recording.
type Recorder struct {
	dir    string
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing into dir.
func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	return &Recorder{dir: dir, logger: logger}
}

// RecordDeploy writes the outcome of one deploy attempt. Failures to write
// are logged and swallowed: metrics must never fail a deploy.
func (r *Recorder) RecordDeploy(project, kind, release, outcome string, duration time.Duration) {
	if r == nil || r.dir == "" {
		return
	}

	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"project": project, "kind": kind, "release": release, "outcome": outcome}

	lastRun := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "server_setup",
		Name:      "last_deploy_timestamp_seconds",
		Help:      "Unix time of the most recent deploy attempt",
	}, []string{"project", "kind", "release", "outcome"})
	durationGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "server_setup",
		Name:      "last_deploy_duration_seconds",
		Help:      "Wall time of the most recent deploy attempt",
	}, []string{"project", "kind", "release", "outcome"})
	registry.MustRegister(lastRun, durationGauge)

	lastRun.With(labels).SetToCurrentTime()
	durationGauge.With(labels).Set(duration.Seconds())

	path := filepath.Join(r.dir, "server_setup_"+project+".prom")
	if err := prometheus.WriteToTextfile(path, registry); err != nil && r.logger != nil {
		r.logger.Warn("metrics write failed", "path", path, "error", err)
	}
}
