package pysys

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reportedRunResult scrapes the default registry for the run_results label
// recorded against the given run ID.
func reportedRunResult(t *testing.T, runID string) string {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "pysys_run_results" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var id, result string
			for _, label := range m.GetLabel() {
				switch label.GetName() {
				case "run_id":
					id = label.GetValue()
				case "result":
					result = label.GetValue()
				}
			}
			if id == runID {
				return result
			}
		}
	}
	return ""
}

func TestReportResultsLabelsRun(t *testing.T) {
	rep := NewDefaultMetricsReporter()

	res := runResultWith(2, 0, 0)
	res.RunID = "reporter-pass"
	res.Duration = 3 * time.Second
	rep.ReportResults(res)
	assert.Equal(t, "pass", reportedRunResult(t, "reporter-pass"))

	res = runResultWith(1, 1, 0)
	res.RunID = "reporter-fail"
	rep.ReportResults(res)
	assert.Equal(t, "fail", reportedRunResult(t, "reporter-fail"))

	res = runResultWith(1, 0, 1)
	res.RunID = "reporter-cut-short"
	rep.ReportResults(res)
	assert.Equal(t, "fail", reportedRunResult(t, "reporter-cut-short"),
		"undispatched tests make the run a failure")
}
