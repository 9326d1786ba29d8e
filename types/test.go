package types

import (
	"fmt"
	"time"
)

// TestStatus is the outcome of a single instrumentation test.
type TestStatus string

const (
	TestStatusPassed  TestStatus = "passed"
	TestStatusIgnored TestStatus = "ignored"
	TestStatusFailed  TestStatus = "failed"
)

// TestKey identifies a test within a device run.
type TestKey struct {
	ClassName string `json:"className"`
	TestName  string `json:"testName"`
}

func (k TestKey) String() string {
	return fmt.Sprintf("%s.%s", k.ClassName, k.TestName)
}

// TestResult is the final record of one test on one device.
type TestResult struct {
	Device      Device        `json:"device"`
	ClassName   string        `json:"className"`
	TestName    string        `json:"testName"`
	Status      TestStatus    `json:"status"`
	Stacktrace  string        `json:"stacktrace,omitempty"` // Set for ignored and failed tests
	Duration    time.Duration `json:"durationNanos"`
	LogcatPath  string        `json:"logcat"`
	Files       []string      `json:"files"`
	Screenshots []string      `json:"screenshots"`
}

func (r TestResult) Key() TestKey {
	return TestKey{ClassName: r.ClassName, TestName: r.TestName}
}
