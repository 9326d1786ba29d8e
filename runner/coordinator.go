package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-composer/device"
	"github.com/ethereum-optimism/infra/op-composer/logging"
	"github.com/ethereum-optimism/infra/op-composer/metrics"
	"github.com/ethereum-optimism/infra/op-composer/process"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// State is the lifecycle state of a device coordinator.
type State string

const (
	StateInstalling State = "installing"
	StateRunning    State = "running"
	StateCollecting State = "collecting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

var allStates = []string{
	string(StateInstalling),
	string(StateRunning),
	string(StateCollecting),
	string(StateDone),
	string(StateFailed),
}

const (
	defaultMaxConcurrentPulls = 4

	// logcatDrainDelay lets the device log catch up with the last
	// "finished" marker after the instrumentation exits.
	logcatDrainDelay = time.Second
)

// CoordinatorConfig holds the collaborators of a Coordinator.
type CoordinatorConfig struct {
	Run        types.RunConfig
	Bridge     device.Bridge
	Locker     device.Locker // Optional
	Supervisor *process.Supervisor
	Clock      clock.Clock
	Progress   ProgressIndicator
	Log        log.Logger

	PollInterval       time.Duration
	MaxConcurrentPulls int
}

// Coordinator drives one device from install to a DeviceRunResult.
// A single Coordinator may run many devices concurrently.
type Coordinator struct {
	cfg          types.RunConfig
	bridge       device.Bridge
	locker       device.Locker
	supervisor   *process.Supervisor
	layout       logging.Layout
	puller       *artifactPuller
	clock        clock.Clock
	progress     ProgressIndicator
	log          log.Logger
	tracer       trace.Tracer
	pollInterval time.Duration
	maxPulls     int
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("bridge cannot be nil")
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor cannot be nil")
	}
	if cfg.Run.TestPackage == "" {
		return nil, errors.New("test package cannot be empty")
	}
	if cfg.Run.TestRunner == "" {
		return nil, errors.New("test runner cannot be empty")
	}
	if cfg.Run.OutputDir == "" {
		return nil, errors.New("output directory cannot be empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Progress == nil {
		cfg.Progress = NewNoOpProgressIndicator()
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.MaxConcurrentPulls <= 0 {
		cfg.MaxConcurrentPulls = defaultMaxConcurrentPulls
	}

	layout := logging.NewLayout(cfg.Run.OutputDir)
	logger := cfg.Log.New("component", "device-coordinator")
	return &Coordinator{
		cfg:        cfg.Run,
		bridge:     cfg.Bridge,
		locker:     cfg.Locker,
		supervisor: cfg.Supervisor,
		layout:     layout,
		puller: &artifactPuller{
			transfer: cfg.Bridge,
			layout:   layout,
			log:      logger,
			verbose:  cfg.Run.Verbose,
		},
		clock:        cfg.Clock,
		progress:     cfg.Progress,
		log:          logger,
		tracer:       otel.Tracer("device coordinator"),
		pollInterval: cfg.PollInterval,
		maxPulls:     cfg.MaxConcurrentPulls,
	}, nil
}

// stateTracker publishes state changes to metrics and progress.
type stateTracker struct {
	mu       sync.Mutex
	deviceID string
	state    State
	progress ProgressIndicator
}

func (s *stateTracker) set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.progress.UpdateState(s.deviceID, state)
	metrics.RecordDeviceState(s.deviceID, string(state), allStates)
}

func (s *stateTracker) get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// collected is one completed test. The artifact pull fills in files.
type collected struct {
	event types.InstrumentationEvent
	files PulledFiles
}

// Run installs, runs and collects the tests on dev. The device is locked for
// the whole call. Any failure is returned as a *DeviceError and no partial
// result is produced.
func (c *Coordinator) Run(ctx context.Context, dev types.Device, shard Shard) (result *types.DeviceRunResult, err error) {
	logger := c.log.New("device", dev.ID)
	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("device %s", dev.ID), trace.WithAttributes(
		attribute.String("device.id", dev.ID),
		attribute.String("device.model", dev.Model),
		attribute.Int("shard.index", shard.Index),
		attribute.Int("shard.count", shard.Count),
	))
	defer span.End()

	start := c.clock.Now()
	states := &stateTracker{deviceID: dev.ID, progress: c.progress}
	c.progress.StartDevice(dev.ID)
	states.set(StateInstalling)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Device coordinator panicked", "panic", r)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			failedIn := states.get()
			states.set(StateFailed)
			err = &DeviceError{Device: dev, State: failedIn, Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Error during tests run", "state", failedIn, "err", err)
			metrics.RecordDeviceRun(dev.ID, metrics.DeviceResultError, c.clock.Since(start))
		}
		c.progress.CompleteDevice(dev.ID, err)
	}()

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, dev.ID)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := unlock(); err != nil {
				logger.Warn("Failed to release device lock", "err", err)
			}
		}()
	}

	if err := c.install(ctx, logger, dev); err != nil {
		return nil, err
	}

	states.set(StateRunning)
	result, err = c.runTests(ctx, logger, dev, shard, states)
	if err != nil {
		return nil, err
	}

	states.set(StateDone)
	span.SetAttributes(
		attribute.Int("tests.passed", result.PassedCount),
		attribute.Int("tests.failed", result.FailedCount),
		attribute.Int("tests.ignored", result.IgnoredCount),
	)
	label := metrics.DeviceResultPassed
	if result.FailedCount > 0 {
		label = metrics.DeviceResultFailed
	}
	metrics.RecordDeviceRun(dev.ID, label, result.Duration)
	logger.Info(fmt.Sprintf("Test run finished, %d passed, %d failed, took %s.",
		result.PassedCount, result.FailedCount, types.HumanDuration(result.Duration)))
	return result, nil
}

// install installs the APKs one at a time, then the multi-APK set.
func (c *Coordinator) install(ctx context.Context, logger log.Logger, dev types.Device) error {
	single, multiple := c.cfg.InstallPlan()
	all := append(append([]string(nil), single...), multiple...)

	logger.Info("APKs to install", "count", len(all))
	for i, apk := range all {
		logger.Info("Install plan", "step", i+1, "apk", apk)
	}

	for _, apk := range single {
		if err := c.bridge.Install(ctx, dev, apk, c.cfg.InstallTimeout); err != nil {
			return &InstallError{Apks: []string{apk}, Err: err}
		}
	}
	if len(multiple) > 0 {
		if err := c.bridge.InstallMultiple(ctx, dev, multiple, c.cfg.InstallTimeout); err != nil {
			return &InstallError{Apks: multiple, Err: err}
		}
	}
	return nil
}

// runTests joins three tasks: the instrumentation process, the parser with
// its artifact pulls, and the device log correlation. The first failure
// cancels the others.
func (c *Coordinator) runTests(ctx context.Context, logger log.Logger, dev types.Device, shard Shard, states *stateTracker) (*types.DeviceRunResult, error) {
	instrumentationOutput := c.layout.InstrumentationOutput(dev.ID)
	deviceLogcat := c.layout.DeviceLogcat(dev.ID)

	if err := os.MkdirAll(c.layout.LogsDir(dev.ID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	// Tailers must not pick up a previous run's files.
	for _, path := range []string{instrumentationOutput, deviceLogcat} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale output: %w", err)
		}
	}

	command := c.bridge.ShellCommand(dev, InstrumentCommand(c.cfg, shard))
	logger.Info("Starting tests...", "shardIndex", shard.Index, "shardCount", shard.Count)
	start := c.clock.Now()

	var slots []*collected
	exited := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(recovered(func() error {
		defer close(exited)
		notifications := c.supervisor.Supervise(gctx, process.Config{
			Command:         command,
			Timeout:         c.cfg.RunTimeout,
			OutputPath:      instrumentationOutput,
			KeepOutput:      true,
			DestroyOnCancel: true,
			Verbose:         c.cfg.Verbose,
		})
		for n := range notifications {
			switch n.Kind {
			case process.KindStarted:
				logger.Debug("Instrumentation started", "pid", n.Process.Pid)
			case process.KindExited:
				states.set(StateCollecting)
				return nil
			case process.KindFailed:
				return fmt.Errorf("instrumentation failed: %w", n.Err)
			}
		}
		return gctx.Err()
	}))

	g.Go(recovered(func() error {
		parser := NewInstrumentationParser(c.clock)
		lines := logging.NewTailer(instrumentationOutput, c.clock, c.pollInterval, logger).Follow(gctx, exited)
		pulls := pool.New().WithMaxGoroutines(c.maxPulls)
		defer pulls.Wait()

		for ev := range parser.Stream(gctx, lines) {
			c.progress.UpdateTest(dev.ID, ev)
			if !ev.Completed() {
				continue
			}
			logger.Info(fmt.Sprintf("Test %d/%d %s in %s: %s",
				ev.Index, ev.Total, ev.Status(), types.HumanDuration(ev.Duration), ev.Key()))
			metrics.RecordTest(dev.ID, ev.Status())

			slot := &collected{event: ev}
			slots = append(slots, slot)
			pulls.Go(func() {
				slot.files = c.puller.Pull(gctx, dev, ev.Key())
			})
		}
		if gctx.Err() == nil && !parser.Finished() {
			logger.Warn("Instrumentation output ended without a result code")
		}
		return gctx.Err()
	}))

	g.Go(recovered(func() error {
		return c.correlateLogcat(gctx, logger, dev, deviceLogcat, exited)
	}))

	if err := g.Wait(); err != nil {
		return nil, err
	}

	tests := make([]types.TestResult, 0, len(slots))
	for _, s := range slots {
		tests = append(tests, types.TestResult{
			Device:      dev,
			ClassName:   s.event.ClassName,
			TestName:    s.event.TestName,
			Status:      s.event.Status(),
			Stacktrace:  s.event.Stacktrace,
			Duration:    s.event.Duration,
			LogcatPath:  c.layout.TestLogcat(dev.ID, s.event.Key()),
			Files:       s.files.Files,
			Screenshots: s.files.Screenshots,
		})
	}
	return types.NewDeviceRunResult(dev, tests, start, c.clock.Since(start), deviceLogcat, instrumentationOutput), nil
}

// recovered turns a panic in task into its error so that it cancels the
// sibling tasks and fails only this device. Panics of pulls surface at
// pool.Wait inside the parser task.
func recovered(task func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return task()
	}
}

// correlateLogcat captures the device log into a file and splits it per
// test until the instrumentation has exited and the log has drained.
func (c *Coordinator) correlateLogcat(ctx context.Context, logger log.Logger, dev types.Device, path string, exited <-chan struct{}) error {
	logcatCtx, stopLogcat := context.WithCancel(ctx)
	notifications := c.bridge.RedirectLogcat(logcatCtx, dev, path)
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		for n := range notifications {
			if n.Kind == process.KindFailed {
				logger.Warn("Logcat capture failed", "err", n.Err)
				metrics.RecordErrorDetails("logcat", n.Err)
			}
		}
	}()
	defer func() {
		stopLogcat()
		<-captureDone
	}()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		select {
		case <-exited:
		case <-ctx.Done():
			return
		}
		select {
		case <-c.clock.After(logcatDrainDelay):
		case <-ctx.Done():
		}
	}()

	lines := logging.NewTailer(path, c.clock, c.pollInterval, logger).Follow(ctx, drained)
	written, err := logging.NewLogcatCorrelator(c.layout, dev.ID, logger).Run(ctx, lines)
	if err != nil {
		return fmt.Errorf("logcat correlation failed: %w", err)
	}
	logger.Debug("Logcat correlated", "tests", len(written))
	return nil
}
