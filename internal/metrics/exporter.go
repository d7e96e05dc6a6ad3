// Package metrics exports run results for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Exporter writes one textfile per run mode.
type Exporter struct {
	logger zerolog.Logger
}

// NewExporter creates a textfile exporter.
func NewExporter(logger zerolog.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// FileName returns the textfile name used for mode.
func FileName(mode models.Mode) string {
	return "gorsnapshot_" + string(mode) + ".prom"
}

// Export writes the summary of a finished run into dir. WriteToTextfile
// renames a temporary file into place, so the collector never reads a
// partial file.
func (e *Exporter) Export(dir string, summary models.RunSummary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating textfile dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mode": string(summary.Mode)}

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "gorsnapshot_last_run_timestamp_seconds",
		Help:        "Unix time the last run started",
		ConstLabels: labels,
	}).Set(float64(summary.StartTime.Unix()))

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "gorsnapshot_last_run_duration_seconds",
		Help:        "Duration of the last run",
		ConstLabels: labels,
	}).Set(summary.Duration.Seconds())

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "gorsnapshot_last_run_errors",
		Help:        "Errors counted during the last run",
		ConstLabels: labels,
	}).Set(float64(summary.Errors))

	items := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "gorsnapshot_last_run_items",
		Help:        "Items processed during the last run by terminal status",
		ConstLabels: labels,
	}, []string{"status"})
	for _, status := range []models.ItemStatus{models.StatusCompleted, models.StatusSkipped, models.StatusFailed} {
		items.WithLabelValues(string(status)).Set(0)
	}
	for _, r := range summary.Results {
		items.WithLabelValues(string(r.Status)).Inc()
	}

	path := filepath.Join(dir, FileName(summary.Mode))
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	e.logger.Debug().Str("path", path).Msg("metrics textfile written")
	return path, nil
}
