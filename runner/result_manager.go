package runner

import (
	"fmt"

	"github.com/ethereum-optimism/infra/op-composer/exitcodes"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

const (
	MessageNoTests      = "Error: 0 tests were run."
	MessageFailedTests  = "Error: There were failed tests."
	MessageFailedDevice = "Error: There were failed devices."
)

// RunSummary is the aggregated outcome of all devices.
type RunSummary struct {
	Suites   []types.Suite
	Failures []DeviceOutcome // Devices that produced no result

	PassedCount  int
	IgnoredCount int
	FailedCount  int
}

// Aggregate merges device outcomes into suites. Sharded runs produce a single
// suite holding every device in outcome order. Otherwise each device gets its
// own suite. Failed devices are kept apart in Failures.
func Aggregate(testPackage string, shard bool, outcomes []DeviceOutcome) *RunSummary {
	summary := &RunSummary{}
	var results []*types.DeviceRunResult
	for _, o := range outcomes {
		if o.Err != nil || o.Result == nil {
			summary.Failures = append(summary.Failures, o)
			continue
		}
		results = append(results, o.Result)
	}

	if shard {
		if len(results) > 0 {
			summary.Suites = []types.Suite{mergeSharded(testPackage, results)}
		}
	} else {
		for _, r := range results {
			summary.Suites = append(summary.Suites, r.ToSuite(testPackage))
		}
	}

	for _, s := range summary.Suites {
		summary.PassedCount += s.PassedCount
		summary.IgnoredCount += s.IgnoredCount
		summary.FailedCount += s.FailedCount
	}
	return summary
}

func mergeSharded(testPackage string, results []*types.DeviceRunResult) types.Suite {
	suite := types.Suite{TestPackage: testPackage}
	for i, r := range results {
		part := r.ToSuite(testPackage)
		suite.Devices = append(suite.Devices, part.Devices...)
		suite.Tests = append(suite.Tests, part.Tests...)
		suite.PassedCount += part.PassedCount
		suite.IgnoredCount += part.IgnoredCount
		suite.FailedCount += part.FailedCount
		if part.Duration > suite.Duration {
			suite.Duration = part.Duration
		}
		if i == 0 || part.Timestamp.Before(suite.Timestamp) {
			suite.Timestamp = part.Timestamp
		}
	}
	return suite
}

// ExitCode classifies the run. The message is empty on success.
func (s *RunSummary) ExitCode(failIfNoTests bool) (int, string) {
	switch {
	case len(s.Failures) > 0:
		return exitcodes.TestFailure, MessageFailedDevice
	case s.FailedCount > 0:
		return exitcodes.TestFailure, MessageFailedTests
	case s.PassedCount > 0:
		return exitcodes.Success, ""
	case failIfNoTests:
		return exitcodes.TestFailure, MessageNoTests
	default:
		return exitcodes.Success, ""
	}
}

func (s *RunSummary) String() string {
	return fmt.Sprintf("%d passed, %d failed, %d ignored on %d suite(s), %d failed device(s)",
		s.PassedCount, s.FailedCount, s.IgnoredCount, len(s.Suites), len(s.Failures))
}
