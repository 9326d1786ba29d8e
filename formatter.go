package composer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-composer/runner"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// ResultFormatter is responsible for formatting and displaying test results.
type ResultFormatter interface {
	FormatResults(outcomes []runner.DeviceOutcome, summary *runner.RunSummary, duration time.Duration) error
}

// ConsoleResultFormatter prints one row per device and one per failed test.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatResults formats and displays the test results.
func (f *ConsoleResultFormatter) FormatResults(outcomes []runner.DeviceOutcome, summary *runner.RunSummary, duration time.Duration) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	t.SetTitle(fmt.Sprintf("Instrumentation Test Results (%s)", types.HumanDuration(duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Ignored", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Ignored", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, o := range outcomes {
		id := o.Device.ID
		if o.Shard.Count > 0 {
			id = fmt.Sprintf("%s (shard %d/%d)", id, o.Shard.Index+1, o.Shard.Count)
		}
		if o.Err != nil || o.Result == nil {
			errMsg := ""
			if o.Err != nil {
				errMsg = o.Err.Error()
			}
			t.AppendRow(table.Row{"Device", id, "-", "-", "-", "-", "-", getResultString(types.TestStatusFailed), errMsg})
			continue
		}

		r := o.Result
		status := types.TestStatusPassed
		if r.FailedCount > 0 {
			status = types.TestStatusFailed
		}
		t.AppendRow(table.Row{
			"Device",
			id,
			types.HumanDuration(r.Duration),
			len(r.Tests),
			r.PassedCount,
			r.FailedCount,
			r.IgnoredCount,
			getResultString(status),
			"",
		})

		var failed []types.TestResult
		for _, test := range r.Tests {
			if test.Status == types.TestStatusFailed {
				failed = append(failed, test)
			}
		}
		for i, test := range failed {
			prefix := "├─"
			if i == len(failed)-1 {
				prefix = "└─"
			}
			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, test.Key()),
				types.HumanDuration(test.Duration),
				"-",
				"-",
				"-",
				"-",
				getResultString(test.Status),
				firstLine(test.Stacktrace),
			})
		}
	}

	t.AppendSeparator()
	status := types.TestStatusPassed
	if summary.FailedCount > 0 || len(summary.Failures) > 0 {
		status = types.TestStatusFailed
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		types.HumanDuration(duration),
		summary.PassedCount + summary.FailedCount + summary.IgnoredCount,
		summary.PassedCount,
		summary.FailedCount,
		summary.IgnoredCount,
		getResultString(status),
		"",
	})

	t.Render()
	return nil
}

func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPassed:
		return "✓ pass"
	case types.TestStatusFailed:
		return "✗ fail"
	case types.TestStatusIgnored:
		return "- ignored"
	default:
		return "? " + string(status)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
