package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

func marker(kind, test, class string) string {
	return "10-17 12:00:00.000  1234  1250 I TestRunner: " + kind + ": " + test + "(" + class + ")"
}

func TestParseTestMarker(t *testing.T) {
	tests := []struct {
		name string
		line string
		key  types.TestKey
		kind MarkerKind
	}{
		{
			name: "started",
			line: marker("started", "testFoo", "com.example.FooTest"),
			key:  types.TestKey{ClassName: "com.example.FooTest", TestName: "testFoo"},
			kind: MarkerStarted,
		},
		{
			name: "finished with trailing carriage return",
			line: marker("finished", "testBar", "com.example.BarTest") + "\r",
			key:  types.TestKey{ClassName: "com.example.BarTest", TestName: "testBar"},
			kind: MarkerFinished,
		},
		{
			name: "other test runner message",
			line: "I TestRunner: run started: 3 tests",
			kind: MarkerNone,
		},
		{
			name: "failed marker is not a bracket",
			line: marker("failed", "testFoo", "com.example.FooTest"),
			kind: MarkerNone,
		},
		{
			name: "unrelated line",
			line: "D ActivityManager: Start proc 1234",
			kind: MarkerNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, kind := ParseTestMarker(tt.line)
			assert.Equal(t, tt.kind, kind)
			if tt.kind != MarkerNone {
				assert.Equal(t, tt.key, key)
			}
		})
	}
}

func fold(lines []string) []LogcatState {
	var states []LogcatState
	var s LogcatState
	for _, l := range lines {
		s = s.Next(l)
		states = append(states, s)
	}
	return states
}

func TestLogcatStateSlices(t *testing.T) {
	x := types.TestKey{ClassName: "com.example.X", TestName: "testX"}
	lines := []string{
		"noise before",
		marker("started", "testX", "com.example.X"),
		"one", "two", "three", "four", "five",
		marker("finished", "testX", "com.example.X"),
		"noise after",
		marker("started", "testY", "com.example.Y"),
		"y output",
	}

	states := fold(lines)

	var completed []types.TestKey
	for _, s := range states {
		if key, slice, ok := s.Completed(); ok {
			completed = append(completed, key)
			assert.Equal(t, lines[1:8], slice)
		}
	}
	assert.Equal(t, []types.TestKey{x}, completed)

	pending, ok := states[len(states)-1].Pending()
	require.True(t, ok)
	assert.Equal(t, "testY", pending.TestName)
}

func TestLogcatStateIsImmutable(t *testing.T) {
	var s LogcatState
	s = s.Next(marker("started", "testX", "c.X"))
	before := s
	after := s.Next("line")

	_, _, ok := before.Completed()
	assert.False(t, ok)
	assert.Equal(t, 1, before.count)
	assert.Equal(t, 2, after.count)

	done := after.Next(marker("finished", "testX", "c.X"))
	_, slice, ok := done.Completed()
	require.True(t, ok)
	assert.Len(t, slice, 3)
	_, _, ok = after.Completed()
	assert.False(t, ok)
}

func TestLogcatStateLastStartedWins(t *testing.T) {
	states := fold([]string{
		marker("started", "testA", "c.T"),
		"a output",
		marker("started", "testB", "c.T"),
		"b output",
		marker("finished", "testA", "c.T"),
		"more b output",
		marker("finished", "testB", "c.T"),
	})

	last := states[len(states)-1]
	key, slice, ok := last.Completed()
	require.True(t, ok)
	assert.Equal(t, "testB", key.TestName)
	assert.Equal(t, "b output", slice[1])
	assert.NotContains(t, slice, "a output")
	for _, s := range states[:len(states)-1] {
		_, _, ok := s.Completed()
		assert.False(t, ok)
	}
}

func TestLogcatCorrelatorWritesCompletedSlices(t *testing.T) {
	dir := t.TempDir()
	layout := NewLayout(dir)
	c := NewLogcatCorrelator(layout, "emulator-5554", log.NewLogger(log.DiscardHandler()))

	input := []string{
		marker("started", "testX", "com.example.X"),
		"1", "2", "3", "4", "5",
		marker("finished", "testX", "com.example.X"),
		marker("started", "testY", "com.example.Y"),
		"orphan",
	}
	lines := make(chan string, len(input))
	for _, l := range input {
		lines <- l
	}
	close(lines)

	written, err := c.Run(context.Background(), lines)
	require.NoError(t, err)
	require.Equal(t, []types.TestKey{{ClassName: "com.example.X", TestName: "testX"}}, written)

	data, err := os.ReadFile(filepath.Join(dir, "logs", "emulator-5554", "com.example.X", "testX.logcat"))
	require.NoError(t, err)
	content := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, content[1:6])
	assert.Len(t, content, 7)

	assert.NoFileExists(t, filepath.Join(dir, "logs", "emulator-5554", "com.example.Y", "testY.logcat"))
}

func TestLogcatCorrelatorCancel(t *testing.T) {
	c := NewLogcatCorrelator(NewLayout(t.TempDir()), "d", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, make(chan string))
	assert.ErrorIs(t, err, context.Canceled)
}
