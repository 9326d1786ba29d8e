package types

import (
	"fmt"
	"time"
)

// DeviceRunResult is the immutable outcome of one device coordinator.
type DeviceRunResult struct {
	Device                    Device        `json:"device"`
	Tests                     []TestResult  `json:"tests"`
	PassedCount               int           `json:"passedCount"`
	IgnoredCount              int           `json:"ignoredCount"`
	FailedCount               int           `json:"failedCount"`
	Duration                  time.Duration `json:"durationNanos"`
	StartTime                 time.Time     `json:"timestamp"`
	LogcatPath                string        `json:"logcat"`
	InstrumentationOutputPath string        `json:"instrumentationOutput"`
}

// NewDeviceRunResult builds a result whose counters always match its tests.
func NewDeviceRunResult(device Device, tests []TestResult, start time.Time, duration time.Duration, logcatPath, instrumentationOutputPath string) *DeviceRunResult {
	r := &DeviceRunResult{
		Device:                    device,
		Tests:                     tests,
		Duration:                  duration,
		StartTime:                 start,
		LogcatPath:                logcatPath,
		InstrumentationOutputPath: instrumentationOutputPath,
	}
	for _, t := range tests {
		switch t.Status {
		case TestStatusPassed:
			r.PassedCount++
		case TestStatusIgnored:
			r.IgnoredCount++
		case TestStatusFailed:
			r.FailedCount++
		}
	}
	return r
}

func (r *DeviceRunResult) String() string {
	return fmt.Sprintf("%d passed, %d failed, %d ignored, took %s",
		r.PassedCount, r.FailedCount, r.IgnoredCount, HumanDuration(r.Duration))
}

// SuiteDevice is a device entry of a Suite.
type SuiteDevice struct {
	ID                        string `json:"id"`
	Model                     string `json:"model"`
	LogcatPath                string `json:"logcat"`
	InstrumentationOutputPath string `json:"instrumentationOutput"`
}

// Suite is the unit handed to report writers.
type Suite struct {
	TestPackage  string        `json:"testPackage"`
	Devices      []SuiteDevice `json:"devices"`
	Tests        []TestResult  `json:"tests"`
	PassedCount  int           `json:"passedCount"`
	IgnoredCount int           `json:"ignoredCount"`
	FailedCount  int           `json:"failedCount"`
	Duration     time.Duration `json:"durationNanos"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Name is the file-system friendly suite name used by report sinks.
func (s *Suite) Name() string {
	if len(s.Devices) == 1 {
		return s.Devices[0].ID
	}
	return "sharded"
}

// ToSuite wraps a single device result as its own suite.
func (r *DeviceRunResult) ToSuite(testPackage string) Suite {
	return Suite{
		TestPackage: testPackage,
		Devices: []SuiteDevice{{
			ID:                        r.Device.ID,
			Model:                     r.Device.Model,
			LogcatPath:                r.LogcatPath,
			InstrumentationOutputPath: r.InstrumentationOutputPath,
		}},
		Tests:        r.Tests,
		PassedCount:  r.PassedCount,
		IgnoredCount: r.IgnoredCount,
		FailedCount:  r.FailedCount,
		Duration:     r.Duration,
		Timestamp:    r.StartTime,
	}
}
