package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// testRunnerTag is the log tag of the on-device run listener that brackets
// every test with "started: name(class)" and "finished: name(class)".
const testRunnerTag = "TestRunner"

// MarkerKind is the kind of a run listener marker line.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerStarted
	MarkerFinished
)

// ParseTestMarker extracts the test from a run listener line such as
// "I/TestRunner( 123): started: testFoo(com.example.FooTest)".
func ParseTestMarker(line string) (types.TestKey, MarkerKind) {
	idx := strings.Index(line, testRunnerTag)
	if idx < 0 {
		return types.TestKey{}, MarkerNone
	}

	tokens := strings.Split(line[idx:], ":")
	if len(tokens) != 3 {
		return types.TestKey{}, MarkerNone
	}

	var kind MarkerKind
	switch strings.TrimSpace(tokens[1]) {
	case "started":
		kind = MarkerStarted
	case "finished":
		kind = MarkerFinished
	default:
		return types.TestKey{}, MarkerNone
	}

	test := strings.TrimSpace(tokens[2])
	name, class, found := strings.Cut(test, "(")
	if !found {
		class = test
	}
	return types.TestKey{
		ClassName: strings.TrimSuffix(class, ")"),
		TestName:  strings.TrimSpace(name),
	}, kind
}

// lineNode is a persistent stack of lines, newest first, so that every
// LogcatState shares its history with its predecessors.
type lineNode struct {
	line string
	prev *lineNode
}

// LogcatState is an immutable snapshot of the per-test log correlation.
// Each Next call returns a new state and leaves the receiver untouched.
type LogcatState struct {
	lines    *lineNode
	count    int
	started  *types.TestKey
	finished *types.TestKey
}

// Next folds one device log line into the state. A started marker opens a new
// slice and replaces any unmatched one. A finished marker is only kept for
// the line it appears on, so the last finished marker wins.
func (s LogcatState) Next(line string) LogcatState {
	key, kind := ParseTestMarker(line)

	switch kind {
	case MarkerStarted:
		return LogcatState{
			lines:   &lineNode{line: line},
			count:   1,
			started: &key,
		}
	case MarkerFinished:
		if s.started == nil || s.isComplete() {
			return LogcatState{}
		}
		return LogcatState{
			lines:    &lineNode{line: line, prev: s.lines},
			count:    s.count + 1,
			started:  s.started,
			finished: &key,
		}
	default:
		if s.started == nil || s.isComplete() {
			return LogcatState{}
		}
		return LogcatState{
			lines:   &lineNode{line: line, prev: s.lines},
			count:   s.count + 1,
			started: s.started,
		}
	}
}

func (s LogcatState) isComplete() bool {
	return s.started != nil && s.finished != nil && *s.started == *s.finished
}

// Completed returns the test and its log slice, marker lines included, when
// this state closes a started/finished pair.
func (s LogcatState) Completed() (types.TestKey, []string, bool) {
	if !s.isComplete() {
		return types.TestKey{}, nil, false
	}
	lines := make([]string, s.count)
	i := s.count - 1
	for n := s.lines; n != nil; n = n.prev {
		lines[i] = n.line
		i--
	}
	return *s.started, lines, true
}

// Pending returns the test whose slice is still open, if any.
func (s LogcatState) Pending() (types.TestKey, bool) {
	if s.started == nil || s.isComplete() {
		return types.TestKey{}, false
	}
	return *s.started, true
}

// LogcatCorrelator writes a log file per test from a live device log.
type LogcatCorrelator struct {
	layout   Layout
	deviceID string
	log      log.Logger
}

func NewLogcatCorrelator(layout Layout, deviceID string, logger log.Logger) *LogcatCorrelator {
	if logger == nil {
		logger = log.Root()
	}
	return &LogcatCorrelator{layout: layout, deviceID: deviceID, log: logger}
}

// Run folds lines in arrival order until the channel closes or ctx is done
// and returns the tests a log file was written for. An open slice at the end
// of the stream is dropped.
func (c *LogcatCorrelator) Run(ctx context.Context, lines <-chan string) ([]types.TestKey, error) {
	var (
		state   LogcatState
		written []types.TestKey
	)
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if key, pending := state.Pending(); pending {
					c.log.Debug("Dropping incomplete logcat slice", "test", key)
				}
				return written, nil
			}
			state = state.Next(line)
			key, slice, complete := state.Completed()
			if !complete {
				continue
			}
			if err := c.write(key, slice); err != nil {
				return written, err
			}
			written = append(written, key)
		}
	}
}

func (c *LogcatCorrelator) write(key types.TestKey, slice []string) error {
	path := c.layout.TestLogcat(c.deviceID, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create logcat directory for %s: %w", key, err)
	}
	content := stripansi.Strip(strings.Join(slice, "\n")) + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write logcat for %s: %w", key, err)
	}
	return nil
}
