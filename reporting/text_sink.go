package reporting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// TextSummarySink writes a plain text summary.log once the run completes.
type TextSummarySink struct {
	path   string
	suites map[string][]*types.Suite
}

func NewTextSummarySink(path string) *TextSummarySink {
	return &TextSummarySink{
		path:   path,
		suites: make(map[string][]*types.Suite),
	}
}

func (s *TextSummarySink) Consume(suite *types.Suite, runID string) error {
	s.suites[runID] = append(s.suites[runID], suite)
	return nil
}

func (s *TextSummarySink) Complete(runID string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	content := FormatSummary(s.suites[runID], runID)
	if err := os.WriteFile(s.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}

// FormatSummary renders suites as a table followed by the failed tests.
func FormatSummary(suites []*types.Suite, runID string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "RUN ID: %s\n\n", runID)

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.AppendHeader(table.Row{"Suite", "Package", "Devices", "Tests", "Passed", "Failed", "Ignored", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Ignored", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	var passed, failed, ignored int
	var failures []types.TestResult
	for _, suite := range suites {
		ids := make([]string, 0, len(suite.Devices))
		for _, d := range suite.Devices {
			ids = append(ids, d.ID)
		}
		t.AppendRow(table.Row{
			suite.Name(),
			suite.TestPackage,
			strings.Join(ids, ", "),
			len(suite.Tests),
			suite.PassedCount,
			suite.FailedCount,
			suite.IgnoredCount,
			types.HumanDuration(suite.Duration),
		})
		passed += suite.PassedCount
		failed += suite.FailedCount
		ignored += suite.IgnoredCount
		for _, test := range suite.Tests {
			if test.Status == types.TestStatusFailed {
				failures = append(failures, test)
			}
		}
	}
	t.AppendFooter(table.Row{"Total", "", "", passed + failed + ignored, passed, failed, ignored, ""})
	t.Render()

	if len(failures) > 0 {
		buf.WriteString("\nFAILED TESTS:\n")
		for _, test := range failures {
			fmt.Fprintf(&buf, "  [%s] %s\n", test.Device.ID, test.Key())
			for _, line := range strings.Split(test.Stacktrace, "\n") {
				if line != "" {
					fmt.Fprintf(&buf, "      %s\n", line)
				}
			}
			if test.LogcatPath != "" {
				fmt.Fprintf(&buf, "      logcat: %s\n", test.LogcatPath)
			}
		}
	}
	return buf.String()
}
