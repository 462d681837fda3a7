package pysys

import (
	"github.com/eshch/pysys/metrics"
	"github.com/eshch/pysys/runner"
)

// MetricsReporter is responsible for reporting metrics from test results.
type MetricsReporter interface {
	ReportResults(result *runner.RunResult)
}

// DefaultMetricsReporter implements the MetricsReporter interface.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportResults records the run-level metrics. Per-test outcome counters are
// recorded by the runner as results arrive.
func (r *DefaultMetricsReporter) ReportResults(result *runner.RunResult) {
	passed, failed, _ := result.Counts()
	label := "pass"
	if failed > 0 || result.NotRun() > 0 {
		label = "fail"
	}
	metrics.RecordRun(
		result.RunID,
		label,
		len(result.Results),
		passed,
		failed,
		result.Duration,
	)
}
