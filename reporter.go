package composer

import (
	"time"

	"github.com/ethereum-optimism/infra/op-composer/metrics"
	"github.com/ethereum-optimism/infra/op-composer/runner"
)

// MetricsReporter is responsible for reporting metrics from test results.
type MetricsReporter interface {
	ReportResults(runID string, summary *runner.RunSummary, duration time.Duration)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults reports the run totals to the metrics registry.
func (r *DefaultMetricsReporter) ReportResults(runID string, summary *runner.RunSummary, duration time.Duration) {
	metrics.RecordRun(runID, summary.PassedCount, summary.FailedCount, summary.IgnoredCount, duration)
	for _, o := range summary.Failures {
		metrics.RecordErrorDetails("device failed", o.Err)
	}
}
