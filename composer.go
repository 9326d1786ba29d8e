package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-composer/apk"
	"github.com/ethereum-optimism/infra/op-composer/device"
	"github.com/ethereum-optimism/infra/op-composer/exitcodes"
	"github.com/ethereum-optimism/infra/op-composer/logging"
	"github.com/ethereum-optimism/infra/op-composer/metrics"
	"github.com/ethereum-optimism/infra/op-composer/process"
	"github.com/ethereum-optimism/infra/op-composer/reporting"
	"github.com/ethereum-optimism/infra/op-composer/runner"
	"github.com/ethereum-optimism/infra/op-composer/service"
	"github.com/ethereum-optimism/infra/op-composer/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// composer implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &composer{}

// packageResolver reads test metadata out of the test APK.
type packageResolver interface {
	TestPackage(ctx context.Context, apkPath string) (string, error)
	TestRunner(ctx context.Context, apkPath string) (string, error)
}

// runnerFactory builds the per device runner once the run config is complete.
type runnerFactory func(run types.RunConfig, progress runner.ProgressIndicator) (runner.DeviceRunner, error)

// composer runs the instrumentation tests of one test APK on every selected
// device and then exits.
type composer struct {
	config  *Config
	version string

	supervisor *process.Supervisor
	discoverer device.Discoverer
	locker     device.Locker // Held by every device runner
	resolver   packageResolver // nil when aapt could not be found
	newRunner  runnerFactory
	formatter  ResultFormatter
	reporter   MetricsReporter
	service    *service.Service
	clock      clock.Clock
	tracer     trace.Tracer
	out        io.Writer

	summary *runner.RunSummary

	running  atomic.Bool
	stopOnce sync.Once

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*composer, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating composer with config",
		"testApk", config.Run.TestApk,
		"apk", config.Run.AppApk,
		"outputDir", config.Run.OutputDir,
		"shard", config.Run.Shard,
		"failIfNoTests", config.Run.FailIfNoTests)

	clk := clock.NewClock()
	supervisor := process.NewSupervisor(config.Log, clk)
	adb, err := device.NewADB(config.AdbPath, supervisor, config.Log, config.Run.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create adb bridge: %w", err)
	}

	var resolver packageResolver
	if config.Run.TestPackage == "" || config.Run.TestRunner == "" {
		aaptPath := config.AaptPath
		if aaptPath == "" {
			if aaptPath, err = apk.FindAapt(androidHome()); err != nil {
				config.Log.Warn("Could not locate aapt", "err", err)
			}
		}
		if aaptPath != "" {
			if resolver, err = apk.NewResolver(aaptPath, supervisor, config.Log); err != nil {
				return nil, fmt.Errorf("failed to create apk resolver: %w", err)
			}
		}
	}

	locker := device.NewFileLocker(config.LockDir)
	config.Log.Debug("Device locks", "dir", locker.Dir())

	newRunner := func(run types.RunConfig, progress runner.ProgressIndicator) (runner.DeviceRunner, error) {
		return runner.NewCoordinator(runner.CoordinatorConfig{
			Run:        run,
			Bridge:     adb,
			Locker:     locker,
			Supervisor: supervisor,
			Clock:      clk,
			Progress:   progress,
			Log:        config.Log,
		})
	}

	c := newComposer(config, version, shutdownCallback, adb, resolver, newRunner, clk)
	c.supervisor = supervisor
	c.locker = locker
	if config.HealthzAddr != "" || config.MetricsAddr != "" {
		c.service = service.New(service.Config{
			HealthzAddr: config.HealthzAddr,
			MetricsAddr: config.MetricsAddr,
		}, config.Log)
	}
	config.Log.Info("composer.New: created adb bridge and device runner")
	return c, nil
}

func newComposer(config *Config, version string, shutdownCallback func(error), discoverer device.Discoverer, resolver packageResolver, newRunner runnerFactory, clk clock.Clock) *composer {
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}
	return &composer{
		config:           config,
		version:          version,
		discoverer:       discoverer,
		resolver:         resolver,
		newRunner:        newRunner,
		formatter:        NewConsoleResultFormatter(config.Log, os.Stdout),
		reporter:         NewDefaultMetricsReporter(),
		clock:            clk,
		tracer:           otel.Tracer("composer"),
		out:              os.Stdout,
		shutdownCallback: shutdownCallback,
	}
}

// Start runs the tests once on every selected device.
// Start implements the cliapp.Lifecycle interface.
func (c *composer) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			c.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	c.running.Store(true)
	c.config.Log.Info("Starting op-composer", "version", c.version)

	if c.service != nil {
		if err := c.service.Start(); err != nil {
			return NewRuntimeError(err)
		}
	}

	summary, err := c.runTests(ctx)
	if err != nil {
		if IsFatalError(err) || IsRuntimeError(err) {
			return err
		}
		return NewRuntimeError(err)
	}
	c.summary = summary

	code, message := summary.ExitCode(c.config.Run.FailIfNoTests)
	if code != exitcodes.Success {
		c.config.Log.Warn("Test run did not pass", "reason", message)
		return NewTestFailureError(message)
	}

	c.config.Log.Info("Tests completed, exiting")
	go func() {
		c.shutdownCallback(nil)
	}()
	return nil
}

// runTests resolves the test APK, selects devices, runs them all and reports.
func (c *composer) runTests(ctx context.Context) (summary *runner.RunSummary, err error) {
	runID := uuid.New().String()
	ctx, span := c.tracer.Start(ctx, "test run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("test.apk", c.config.Run.TestApk),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := c.clock.Now()

	run := c.config.Run
	if err := c.resolveTestApk(ctx, &run); err != nil {
		return nil, err
	}

	devices, err := c.selectDevices(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("devices", len(devices)))

	progress := runner.NewNoOpProgressIndicator()
	if c.config.ShowProgress {
		progress = runner.NewConsoleProgressIndicator(c.config.Log, c.clock, c.config.ProgressInterval)
	}
	deviceRunner, err := c.newRunner(run, progress)
	if err != nil {
		progress.Stop()
		return nil, fmt.Errorf("failed to create device runner: %w", err)
	}

	c.config.Log.Info("Running tests", "run_id", runID, "package", run.TestPackage, "runner", run.TestRunner, "shard", run.Shard)
	outcomes := runner.RunDevices(ctx, deviceRunner, devices, run.Shard)
	progress.Stop()

	for _, o := range outcomes {
		if o.Err != nil {
			c.config.Log.Error("Device failed", "device", o.Device.ID, "err", o.Err)
		}
	}

	summary = runner.Aggregate(run.TestPackage, run.Shard, outcomes)
	elapsed := c.clock.Since(start)

	if err := c.formatter.FormatResults(outcomes, summary, elapsed); err != nil {
		c.config.Log.Error("Error formatting results", "error", err)
	}

	layout := logging.NewLayout(run.OutputDir)
	sinks := []reporting.Sink{
		reporting.NewTextSummarySink(layout.SummaryFile()),
		reporting.NewJSONSink(layout.JSONDir()),
	}
	if err := reporting.Publish(sinks, summary.Suites, runID); err != nil {
		c.config.Log.Error("Error writing reports", "error", err)
		metrics.RecordErrorDetails("reporting", err)
	}

	c.reporter.ReportResults(runID, summary, elapsed)
	span.SetAttributes(
		attribute.Int("tests.passed", summary.PassedCount),
		attribute.Int("tests.failed", summary.FailedCount),
		attribute.Int("tests.ignored", summary.IgnoredCount),
	)

	fmt.Fprintf(c.out, "Test run finished, total passed = %d, total failed = %d, total ignored = %d, took %s.\n",
		summary.PassedCount, summary.FailedCount, summary.IgnoredCount, types.HumanDuration(elapsed))
	c.config.Log.Info("Test run completed", "run_id", runID, "summary", summary.String())
	return summary, nil
}

// resolveTestApk fills in the test package and runner from the test APK when
// they were not configured.
func (c *composer) resolveTestApk(ctx context.Context, run *types.RunConfig) error {
	if run.TestPackage != "" && run.TestRunner != "" {
		return nil
	}
	if c.resolver == nil {
		return NewFatalError(errors.New("Error: aapt is required to read the test APK, set --aapt or ANDROID_HOME"))
	}
	if run.TestPackage == "" {
		pkg, err := c.resolver.TestPackage(ctx, run.TestApk)
		if err != nil {
			return NewFatalError(err)
		}
		run.TestPackage = pkg
	}
	if run.TestRunner == "" {
		testRunner, err := c.resolver.TestRunner(ctx, run.TestApk)
		if err != nil {
			return NewFatalError(err)
		}
		run.TestRunner = testRunner
	}
	c.config.Log.Info("Resolved test APK", "package", run.TestPackage, "runner", run.TestRunner)
	return nil
}

// selectDevices lists attached devices and applies the configured filter.
func (c *composer) selectDevices(ctx context.Context) ([]types.Device, error) {
	attached, err := c.discoverer.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	c.config.Log.Info(fmt.Sprintf("%d connected adb device(s)", len(attached)))
	for _, d := range attached {
		c.config.Log.Debug("Attached device", "device", d.String())
	}

	devices, err := c.config.Filter.Select(attached)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, NewFatalError(ErrNoDevices)
	}
	return devices, nil
}

// Stop stops the op-composer service.
// Stop implements the cliapp.Lifecycle interface.
func (c *composer) Stop(ctx context.Context) error {
	c.config.Log.Info("Stopping op-composer")

	if !c.running.Load() {
		c.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	c.running.Store(false)

	c.stopOnce.Do(func() {
		if c.service != nil {
			c.service.Shutdown(ctx)
		}
		if c.supervisor != nil && !c.config.Run.KeepOutput {
			if err := c.supervisor.Close(); err != nil {
				c.config.Log.Warn("Failed to remove process output", "err", err)
			}
		}
	})

	c.config.Log.Info("op-composer stopped successfully")
	return nil
}

// Stopped returns true if the op-composer service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (c *composer) Stopped() bool {
	return !c.running.Load()
}
