package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	out := &dto.Metric{}
	require.NoError(t, m.Write(out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "nil error", err: nil},
		{name: "simple error", err: errors.New("install failed")},
		{name: "error with special chars", err: errors.New("device@emulator-5554#1")},
		{name: "error with multiple spaces", err: errors.New("process   timed out")},
	}

	validLabelRegex := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			assert.Regexp(t, validLabelRegex, result)
		})
	}
}

func TestRecordTest(t *testing.T) {
	RecordTest("metrics-test-device", types.TestStatusPassed)
	RecordTest("metrics-test-device", types.TestStatusPassed)
	RecordTest("metrics-test-device", "bogus")

	assert.Equal(t, 2.0, value(t, testsTotal.WithLabelValues("metrics-test-device", "passed")))
	assert.Equal(t, 0.0, value(t, testsTotal.WithLabelValues("metrics-test-device", "bogus")))
}

func TestRecordDeviceState(t *testing.T) {
	states := []string{"installing", "running", "done"}
	RecordDeviceState("metrics-state-device", "running", states)

	assert.Equal(t, 1.0, value(t, deviceState.WithLabelValues("metrics-state-device", "running")))
	assert.Equal(t, 0.0, value(t, deviceState.WithLabelValues("metrics-state-device", "installing")))
}

func TestRecordRunAndErrors(t *testing.T) {
	// just test that these don't panic
	RecordRun("run-1", 3, 1, 0, 2*time.Second)
	RecordDeviceRun("metrics-run-device", DeviceResultFailed, time.Second)
	RecordArtifactPullFailure("metrics-run-device", "screenshots")
	RecordError("test_error")
	RecordErrorDetails("install", errors.New("boom"))
	RecordErrorDetails("install", nil)

	assert.Equal(t, 1.0, value(t, deviceRunsTotal.WithLabelValues("metrics-run-device", DeviceResultFailed)))
}
