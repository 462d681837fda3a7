package writer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/eshch/pysys/outcome"
	"github.com/eshch/pysys/types"
)

// ConsoleSummary renders the final outcome table and the non-pass listing to
// the console. It is the default summary writer, registered automatically
// when the run configures no other.
type ConsoleSummary struct {
	logger log.Logger
	out    io.Writer
	color  bool

	info types.RunInfo
}

// NewConsoleSummary builds a console summary writing to out, or stdout when
// out is nil. color selects the colorized table styles.
func NewConsoleSummary(logger log.Logger, out io.Writer, color bool) *ConsoleSummary {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSummary{logger: logger, out: out, color: color}
}

func (c *ConsoleSummary) Setup(info types.RunInfo) error {
	c.info = info
	return nil
}

// Result is a no-op: the summary renders from the full result set it
// receives at the end of the run.
func (c *ConsoleSummary) Result(result *types.TestResult) error {
	return nil
}

// Summarize renders the outcome table and the non-pass listing.
func (c *ConsoleSummary) Summarize(results []types.TestResult) error {
	sorted := make([]types.TestResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := outcome.DefaultPrecedence.Rank(sorted[i].Outcome), outcome.DefaultPrecedence.Rank(sorted[j].Outcome)
		if ri != rj {
			return ri < rj
		}
		if sorted[i].Cycle != sorted[j].Cycle {
			return sorted[i].Cycle < sorted[j].Cycle
		}
		return sorted[i].ID < sorted[j].ID
	})

	var passed, failed, inconclusive int
	for _, r := range sorted {
		switch {
		case r.Outcome == outcome.Passed:
			passed++
		case r.Outcome.IsFailure():
			failed++
		default:
			inconclusive++
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle(fmt.Sprintf("Test Results (%s)", formatDuration(time.Since(c.info.Start))))
	t.AppendHeader(table.Row{"Outcome", "ID", "Duration", "Reason"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Outcome", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Reason", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, r := range sorted {
		id := r.ID
		if c.info.Cycles > 1 {
			id = r.Key().String()
		}
		t.AppendRow(table.Row{r.Outcome.String(), id, formatDuration(r.Duration), r.Reason})
	}

	switch {
	case !c.color:
		t.SetStyle(table.StyleLight)
	case failed > 0:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case inconclusive > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		len(sorted),
		formatDuration(totalDuration(sorted)),
		fmt.Sprintf("%d passed, %d failed", passed, failed),
	})
	t.Render()

	c.listNonPasses(sorted)
	return nil
}

// listNonPasses prints every result that did not pass, strongest outcomes
// first, in the summary shape operators grep for.
func (c *ConsoleSummary) listNonPasses(sorted []types.TestResult) {
	var nonPasses []types.TestResult
	for _, r := range sorted {
		if r.Outcome != outcome.Passed {
			nonPasses = append(nonPasses, r)
		}
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Summary of non passes:")
	if len(nonPasses) == 0 {
		fmt.Fprintln(c.out, "  THERE WERE NO NON PASSES")
		return
	}
	for _, r := range nonPasses {
		prefix := ""
		if c.info.Cycles > 1 {
			prefix = fmt.Sprintf("CYCLE %d  ", r.Cycle+1)
		}
		fmt.Fprintf(c.out, "  %s%s: %s\n", prefix, r.Outcome, r.ID)
		if r.Reason != "" {
			fmt.Fprintf(c.out, "      %s\n", r.Reason)
		}
	}
}

func (c *ConsoleSummary) Cleanup() error { return nil }

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func totalDuration(results []types.TestResult) time.Duration {
	var total time.Duration
	for _, r := range results {
		total += r.Duration
	}
	return total
}
