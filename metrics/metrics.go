package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

const (
	MetricsNamespace = "composer"
)

// Device run results.
const (
	DeviceResultPassed = "passed"
	DeviceResultFailed = "failed"
	DeviceResultError  = "error"
)

var (
	Debug                bool
	validStatuses        = []types.TestStatus{types.TestStatusPassed, types.TestStatusIgnored, types.TestStatusFailed}
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	testsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_total",
		Help:      "Count of completed instrumentation tests",
	}, []string{
		"device",
		"status",
	})

	deviceRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "device_runs_total",
		Help:      "Count of finished device runs",
	}, []string{
		"device",
		"result",
	})

	deviceRunDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "device_run_duration_seconds",
		Help:      "Duration of the last run on a device",
	}, []string{
		"device",
	})

	deviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "device_state",
		Help:      "Current coordinator state of a device, 1 for the active state",
	}, []string{
		"device",
		"state",
	})

	artifactPullFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "artifact_pull_failures_total",
		Help:      "Count of failed per-test artifact pulls",
	}, []string{
		"device",
		"kind",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Test counts of a run",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of a run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordTest(device string, status types.TestStatus) {
	if !slices.Contains(validStatuses, status) {
		log.Error("RecordTest - invalid status", "status", status)
		return
	}
	testsTotal.WithLabelValues(device, string(status)).Inc()
}

func RecordDeviceRun(device string, result string, duration time.Duration) {
	if Debug {
		log.Debug("metric inc",
			"m", "device_runs_total",
			"device", device,
			"result", result,
			"duration", duration)
	}
	deviceRunsTotal.WithLabelValues(device, result).Inc()
	deviceRunDuration.WithLabelValues(device).Set(duration.Seconds())
}

// RecordDeviceState marks state as the active one out of states.
func RecordDeviceState(device string, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		deviceState.WithLabelValues(device, s).Set(v)
	}
}

func RecordArtifactPullFailure(device string, kind string) {
	artifactPullFailures.WithLabelValues(device, kind).Inc()
}

func RecordRun(runID string, passed, failed, ignored int, duration time.Duration) {
	runResults.WithLabelValues(runID, string(types.TestStatusPassed)).Set(float64(passed))
	runResults.WithLabelValues(runID, string(types.TestStatusFailed)).Set(float64(failed))
	runResults.WithLabelValues(runID, string(types.TestStatusIgnored)).Set(float64(ignored))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
