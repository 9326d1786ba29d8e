package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

func readFixture(t *testing.T, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func parseAll(p *InstrumentationParser, lines []string) []types.InstrumentationEvent {
	events := p.Feed(lines)
	return append(events, p.Finish()...)
}

func kindsOf(events []types.InstrumentationEvent) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestParserMixedStream(t *testing.T) {
	p := NewInstrumentationParser(fakeclock.NewFakeClock(time.Unix(0, 0)))
	events := parseAll(p, readFixture(t, "mixed.output"))

	require.Equal(t, []types.EventKind{
		types.EventTestStarted, types.EventTestPassed,
		types.EventTestStarted, types.EventTestFailed,
		types.EventTestStarted, types.EventTestPassed,
		types.EventTestStarted, types.EventTestIgnored,
		types.EventTestStarted, types.EventTestIgnored,
	}, kindsOf(events))

	failed := events[3]
	assert.Equal(t, "com.example.CalculatorTest", failed.ClassName)
	assert.Equal(t, "testDivide", failed.TestName)
	assert.Equal(t, 2, failed.Index)
	assert.Equal(t, 5, failed.Total)
	assert.Equal(t, "java.lang.AssertionError: expected:<1> but was:<2>\n"+
		"\tat org.junit.Assert.fail(Assert.java:88)\n"+
		"\tat com.example.CalculatorTest.testDivide(CalculatorTest.kt:42)", failed.Stacktrace)

	ignored := events[7]
	assert.Equal(t, "testTablet", ignored.TestName)
	assert.True(t, strings.HasPrefix(ignored.Stacktrace, "org.junit.AssumptionViolatedException"))

	// @Ignore reports -3 without a stack.
	skipped := events[9]
	assert.Equal(t, types.EventTestIgnored, skipped.Kind)
	assert.Equal(t, "com.example.LoginTest", skipped.ClassName)
	assert.Equal(t, "testLegacyFlow", skipped.TestName)
	assert.Equal(t, 5, skipped.Index)
	assert.Empty(t, skipped.Stacktrace)

	assert.Empty(t, events[1].Stacktrace)
	assert.True(t, p.Finished())
}

func TestParserIdempotence(t *testing.T) {
	lines := readFixture(t, "mixed.output")
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))

	first := parseAll(NewInstrumentationParser(clk), lines)
	second := parseAll(NewInstrumentationParser(clk), lines)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("parsing the same stream twice differs (-first +second):\n%s", diff)
	}

	p := NewInstrumentationParser(clk)
	_ = parseAll(p, lines)
	p.Reset()
	third := parseAll(p, lines)
	if diff := cmp.Diff(first, third); diff != "" {
		t.Fatalf("reset parser differs (-first +third):\n%s", diff)
	}
}

func TestParserPartialBatches(t *testing.T) {
	lines := readFixture(t, "mixed.output")
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	want := parseAll(NewInstrumentationParser(clk), lines)

	for _, size := range []int{1, 2, 3, 7, 13} {
		p := NewInstrumentationParser(clk)
		var got []types.InstrumentationEvent
		for i := 0; i < len(lines); i += size {
			end := min(i+size, len(lines))
			got = append(got, p.Feed(lines[i:end])...)
		}
		got = append(got, p.Finish()...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("batch size %d differs (-want +got):\n%s", size, diff)
		}
	}
}

func TestParserBuffersUntilStatusCode(t *testing.T) {
	p := NewInstrumentationParser(fakeclock.NewFakeClock(time.Unix(0, 0)))
	lines := readFixture(t, "passing.output")

	// Everything up to, but excluding, the first status code line.
	assert.Empty(t, p.Feed(lines[:7]))
	events := p.Feed(lines[7:8])
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTestStarted, events[0].Kind)
	assert.Equal(t, "testOne", events[0].TestName)
}

func TestParserDurationFromBlockTimes(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	p := NewInstrumentationParser(clk)
	lines := readFixture(t, "passing.output")

	// Each test is two 8 line blocks.
	require.Len(t, p.Feed(lines[:8]), 1)
	clk.Increment(1500 * time.Millisecond)
	events := p.Feed(lines[8:16])
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTestPassed, events[0].Kind)
	assert.Equal(t, 1500*time.Millisecond, events[0].Duration)
}

func TestParserDuplicateStartIsIdempotent(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(0, 0))
	p := NewInstrumentationParser(clk)
	lines := readFixture(t, "passing.output")
	start, end := lines[:8], lines[8:16]

	require.Len(t, p.Feed(start), 1)
	clk.Increment(time.Second)
	assert.Empty(t, p.Feed(start), "repeated start must not emit")
	clk.Increment(2 * time.Second)

	events := p.Feed(end)
	require.Len(t, events, 1)
	assert.Equal(t, 2*time.Second, events[0].Duration, "last start marker wins for timing")
}

func TestParserTruncatedStream(t *testing.T) {
	p := NewInstrumentationParser(fakeclock.NewFakeClock(time.Unix(0, 0)))
	events := parseAll(p, readFixture(t, "crashed.output"))

	require.Equal(t, []types.EventKind{
		types.EventTestStarted, types.EventTestPassed,
		types.EventTestStarted, types.EventTestPassed,
		types.EventTestStarted, types.EventTestFailed,
	}, kindsOf(events))

	last := events[5]
	assert.Equal(t, "testThree", last.TestName)
	assert.Equal(t, 3, last.Index)
	assert.Equal(t, 5, last.Total)
	assert.Equal(t, TruncatedStacktrace+": Process crashed.", last.Stacktrace)

	for _, e := range events {
		assert.NotContains(t, []string{"testFour", "testFive"}, e.TestName)
	}
	assert.Empty(t, p.Finish(), "finish is only reported once")
}

func TestParserTruncatedMidBlock(t *testing.T) {
	p := NewInstrumentationParser(fakeclock.NewFakeClock(time.Unix(0, 0)))
	lines := readFixture(t, "passing.output")

	// Start block of the first test then half of its completion block.
	events := parseAll(p, lines[:12])
	require.Equal(t, []types.EventKind{types.EventTestStarted, types.EventTestFailed}, kindsOf(events))
	assert.Equal(t, TruncatedStacktrace, events[1].Stacktrace)
}

func TestParserStream(t *testing.T) {
	lines := readFixture(t, "passing.output")
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)

	p := NewInstrumentationParser(fakeclock.NewFakeClock(time.Unix(0, 0)))
	var got []types.InstrumentationEvent
	for ev := range p.Stream(context.Background(), ch) {
		got = append(got, ev)
	}
	require.Len(t, got, 6)
	assert.Equal(t, "testThree", got[5].TestName)
	assert.Equal(t, types.EventTestPassed, got[5].Kind)
}
