package types

import "time"

// EventKind tags an InstrumentationEvent.
type EventKind string

const (
	EventTestStarted EventKind = "started"
	EventTestPassed  EventKind = "passed"
	EventTestIgnored EventKind = "ignored"
	EventTestFailed  EventKind = "failed"
)

// InstrumentationEvent is one decoded step of the instrumentation status stream.
type InstrumentationEvent struct {
	Kind       EventKind
	ClassName  string
	TestName   string
	Index      int // 1-based
	Total      int
	Duration   time.Duration // Zero for started events
	Stacktrace string        // Only for ignored and failed events
}

func (e InstrumentationEvent) Key() TestKey {
	return TestKey{ClassName: e.ClassName, TestName: e.TestName}
}

// Completed reports whether the event ends a test.
func (e InstrumentationEvent) Completed() bool {
	return e.Kind != EventTestStarted
}

// Status maps a completion event onto the test status. Started events map to "".
func (e InstrumentationEvent) Status() TestStatus {
	switch e.Kind {
	case EventTestPassed:
		return TestStatusPassed
	case EventTestIgnored:
		return TestStatusIgnored
	case EventTestFailed:
		return TestStatusFailed
	default:
		return ""
	}
}
