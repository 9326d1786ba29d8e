package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Prefixes of the "am instrument -r" status protocol.
const (
	statusPrefix     = "INSTRUMENTATION_STATUS: "
	statusCodePrefix = "INSTRUMENTATION_STATUS_CODE: "
	resultPrefix     = "INSTRUMENTATION_RESULT: "
	codePrefix       = "INSTRUMENTATION_CODE: "
	failedPrefix     = "INSTRUMENTATION_FAILED: "
)

// Status block keys.
const (
	keyClass    = "class"
	keyTest     = "test"
	keyCurrent  = "current"
	keyNumTests = "numtests"
	keyStack    = "stack"
	keyShortMsg = "shortMsg"
)

// Status codes of a block.
const (
	statusStart             = 1
	statusInProgress        = 2
	statusOK                = 0
	statusError             = -1
	statusFailure           = -2
	statusIgnored           = -3
	statusAssumptionFailure = -4
)

// TruncatedStacktrace is reported for a test that was running when the stream ended.
const TruncatedStacktrace = "Process terminated unexpectedly while the test was running"

type pendingTest struct {
	key       types.TestKey
	index     int
	total     int
	startedAt time.Time
}

// InstrumentationParser decodes the instrumentation status protocol. Lines may
// be fed in arbitrary batches: a block is only decoded once its status code
// line has been seen.
type InstrumentationParser struct {
	clock clock.Clock

	block      map[string]string
	result     map[string]string
	currentKey *string
	inResult   bool
	finished   bool
	failure    string

	pending *pendingTest
}

func NewInstrumentationParser(clk clock.Clock) *InstrumentationParser {
	if clk == nil {
		clk = clock.NewClock()
	}
	p := &InstrumentationParser{clock: clk}
	p.Reset()
	return p
}

// Reset drops all buffered state.
func (p *InstrumentationParser) Reset() {
	p.block = make(map[string]string)
	p.result = make(map[string]string)
	p.currentKey = nil
	p.inResult = false
	p.finished = false
	p.failure = ""
	p.pending = nil
}

// Feed consumes a batch of lines and returns the events completed by it.
func (p *InstrumentationParser) Feed(lines []string) []types.InstrumentationEvent {
	var events []types.InstrumentationEvent
	for _, line := range lines {
		if ev, ok := p.feedLine(strings.TrimRight(line, "\r")); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (p *InstrumentationParser) feedLine(line string) (types.InstrumentationEvent, bool) {
	switch {
	case strings.HasPrefix(line, statusCodePrefix):
		code, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, statusCodePrefix)))
		block := p.block
		p.block = make(map[string]string)
		p.currentKey = nil
		if err != nil {
			return types.InstrumentationEvent{}, false
		}
		return p.decodeBlock(block, code)

	case strings.HasPrefix(line, statusPrefix):
		p.inResult = false
		p.setValue(p.block, strings.TrimPrefix(line, statusPrefix))

	case strings.HasPrefix(line, resultPrefix):
		p.inResult = true
		p.setValue(p.result, strings.TrimPrefix(line, resultPrefix))

	case strings.HasPrefix(line, codePrefix):
		p.finished = true
		p.currentKey = nil

	case strings.HasPrefix(line, failedPrefix):
		p.failure = strings.TrimSpace(strings.TrimPrefix(line, failedPrefix))
		p.currentKey = nil

	default:
		if p.currentKey != nil {
			target := p.block
			if p.inResult {
				target = p.result
			}
			target[*p.currentKey] += "\n" + line
		}
	}
	return types.InstrumentationEvent{}, false
}

func (p *InstrumentationParser) setValue(target map[string]string, kv string) {
	key, value, _ := strings.Cut(kv, "=")
	target[key] = value
	p.currentKey = &key
}

func (p *InstrumentationParser) decodeBlock(block map[string]string, code int) (types.InstrumentationEvent, bool) {
	key := types.TestKey{ClassName: block[keyClass], TestName: block[keyTest]}
	index, _ := strconv.Atoi(block[keyCurrent])
	total, _ := strconv.Atoi(block[keyNumTests])
	now := p.clock.Now()

	var kind types.EventKind
	switch code {
	case statusStart:
		if p.pending != nil && p.pending.key == key && p.pending.index == index {
			// Repeated start marker, restart the timer only.
			p.pending.startedAt = now
			return types.InstrumentationEvent{}, false
		}
		p.pending = &pendingTest{key: key, index: index, total: total, startedAt: now}
		return types.InstrumentationEvent{
			Kind:      types.EventTestStarted,
			ClassName: key.ClassName,
			TestName:  key.TestName,
			Index:     index,
			Total:     total,
		}, true
	case statusInProgress:
		return types.InstrumentationEvent{}, false
	case statusOK:
		kind = types.EventTestPassed
	case statusError, statusFailure:
		kind = types.EventTestFailed
	case statusIgnored, statusAssumptionFailure:
		kind = types.EventTestIgnored
	default:
		return types.InstrumentationEvent{}, false
	}

	ev := types.InstrumentationEvent{
		Kind:      kind,
		ClassName: key.ClassName,
		TestName:  key.TestName,
		Index:     index,
		Total:     total,
	}
	if p.pending != nil && p.pending.key == key {
		ev.Duration = now.Sub(p.pending.startedAt)
		if ev.Index == 0 {
			ev.Index = p.pending.index
		}
		if ev.Total == 0 {
			ev.Total = p.pending.total
		}
		p.pending = nil
	}
	if kind != types.EventTestPassed {
		ev.Stacktrace = cleanStacktrace(block[keyStack])
	}
	return ev, true
}

// Finish flushes the stream. A test that started but never completed is
// reported as failed with a synthetic trace.
func (p *InstrumentationParser) Finish() []types.InstrumentationEvent {
	defer func() {
		p.block = make(map[string]string)
		p.currentKey = nil
	}()
	if p.pending == nil {
		return nil
	}
	pending := p.pending
	p.pending = nil

	trace := TruncatedStacktrace
	if msg := p.crashMessage(); msg != "" {
		trace = fmt.Sprintf("%s: %s", trace, msg)
	}
	return []types.InstrumentationEvent{{
		Kind:       types.EventTestFailed,
		ClassName:  pending.key.ClassName,
		TestName:   pending.key.TestName,
		Index:      pending.index,
		Total:      pending.total,
		Duration:   p.clock.Since(pending.startedAt),
		Stacktrace: trace,
	}}
}

func (p *InstrumentationParser) crashMessage() string {
	if msg := strings.TrimSpace(p.result[keyShortMsg]); msg != "" {
		return msg
	}
	return p.failure
}

// Finished reports whether the session trailer was seen.
func (p *InstrumentationParser) Finished() bool {
	return p.finished
}

// Stream parses lines until the channel closes, then flushes. Cancelling ctx
// stops without flushing.
func (p *InstrumentationParser) Stream(ctx context.Context, lines <-chan string) <-chan types.InstrumentationEvent {
	out := make(chan types.InstrumentationEvent, 16)
	go func() {
		defer close(out)
		send := func(events []types.InstrumentationEvent) bool {
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					send(p.Finish())
					return
				}
				if !send(p.Feed([]string{line})) {
					return
				}
			}
		}
	}()
	return out
}

func cleanStacktrace(s string) string {
	return strings.TrimSpace(stripansi.Strip(s))
}
