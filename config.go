package composer

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-composer/device"
	"github.com/ethereum-optimism/infra/op-composer/flags"
	"github.com/ethereum-optimism/infra/op-composer/manifest"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Config holds the application configuration
type Config struct {
	Run    types.RunConfig
	Filter device.Filter

	AdbPath  string
	AaptPath string // Empty means search ANDROID_HOME
	LockDir  string

	ShowProgress     bool          // Whether to show periodic progress updates during the run
	ProgressInterval time.Duration // Interval between progress updates when ShowProgress is 'true'

	HealthzAddr string // Empty disables the healthz server
	MetricsAddr string // Empty disables the metrics server

	Log log.Logger
}

// NewConfig creates a new Config from cli context. Values from the optional
// manifest fill in flags that were not set on the command line.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	m := &manifest.Manifest{}
	if path := ctx.String(flags.Manifest.Name); path != "" {
		var err error
		if m, err = manifest.Load(path); err != nil {
			return nil, err
		}
	}
	r := resolver{ctx: ctx}

	args := []types.KeyValue(m.InstrumentationArguments)
	if ctx.IsSet(flags.InstrumentationArguments.Name) || len(args) == 0 {
		args = nil
		for _, raw := range ctx.StringSlice(flags.InstrumentationArguments.Name) {
			kv, err := types.ParseKeyValue(raw)
			if err != nil {
				return nil, err
			}
			args = append(args, kv)
		}
	}

	run := types.RunConfig{
		TestPackage:              r.stringValue(flags.TestPackage, m.TestPackage),
		TestRunner:               r.stringValue(flags.TestRunner, m.TestRunner),
		AppApk:                   r.stringValue(flags.Apk, m.Apk),
		TestApk:                  r.stringValue(flags.TestApk, m.TestApk),
		ExtraApks:                r.stringsValue(flags.ExtraApks, m.ExtraApks),
		MultiApks:                r.stringsValue(flags.MultiApks, m.MultiApks),
		InstrumentationArguments: args,
		InstallTimeout:           r.durationValue(flags.InstallTimeout, m.InstallTimeout),
		RunTimeout:               r.durationValue(flags.RunTimeout, m.RunTimeout),
		Shard:                    r.boolValue(flags.Shard, m.Shard),
		WithOrchestrator:         r.boolValue(flags.WithOrchestrator, m.WithOrchestrator),
		FailIfNoTests:            r.boolValue(flags.FailIfNoTests, m.FailIfNoTests),
		OutputDir:                r.stringValue(flags.OutputDirectory, m.OutputDir),
		Verbose:                  ctx.Bool(flags.VerboseOutput.Name),
		KeepOutput:               ctx.Bool(flags.KeepOutputOnExit.Name),
	}

	if run.TestApk == "" {
		return nil, errors.New("test APK is required")
	}
	if run.AppApk == "" && len(run.MultiApks) == 0 {
		return nil, errors.New("application APK is required unless multi-apks is set")
	}
	if run.InstallTimeout <= 0 {
		return nil, errors.New("install timeout must be positive")
	}
	if run.RunTimeout < 0 {
		return nil, errors.New("run timeout cannot be negative")
	}
	if run.OutputDir == "" {
		run.OutputDir = flags.OutputDirectory.Value
	}
	outputDir, err := filepath.Abs(run.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for output directory '%s': %w", run.OutputDir, err)
	}
	run.OutputDir = outputDir

	filter := device.Filter{
		IDs:     r.stringsValue(flags.Devices, m.Devices),
		Pattern: r.stringValue(flags.DevicePattern, m.DevicePattern),
	}
	// Surface a bad pattern before any device work.
	if _, err := filter.Select(nil); err != nil {
		return nil, err
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	var metricsAddr string
	if metricsCfg.Enabled {
		metricsAddr = net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort))
	}

	return &Config{
		Run:              run,
		Filter:           filter,
		AdbPath:          ctx.String(flags.Adb.Name),
		AaptPath:         ctx.String(flags.Aapt.Name),
		LockDir:          ctx.String(flags.LockDir.Name),
		ShowProgress:     ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		HealthzAddr:      ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:      metricsAddr,
		Log:              log,
	}, nil
}

// resolver prefers flags set on the command line, then manifest values,
// then flag defaults.
type resolver struct {
	ctx *cli.Context
}

func (r resolver) stringValue(f *cli.StringFlag, fromManifest string) string {
	if r.ctx.IsSet(f.Name) || fromManifest == "" {
		return r.ctx.String(f.Name)
	}
	return fromManifest
}

func (r resolver) stringsValue(f *cli.StringSliceFlag, fromManifest []string) []string {
	if r.ctx.IsSet(f.Name) || len(fromManifest) == 0 {
		return r.ctx.StringSlice(f.Name)
	}
	return fromManifest
}

func (r resolver) boolValue(f *cli.BoolFlag, fromManifest *bool) bool {
	if r.ctx.IsSet(f.Name) || fromManifest == nil {
		return r.ctx.Bool(f.Name)
	}
	return *fromManifest
}

func (r resolver) durationValue(f *cli.DurationFlag, fromManifest *time.Duration) time.Duration {
	if r.ctx.IsSet(f.Name) || fromManifest == nil {
		return r.ctx.Duration(f.Name)
	}
	return *fromManifest
}

// androidHome returns the SDK root from the environment.
func androidHome() string {
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		return home
	}
	return os.Getenv("ANDROID_SDK_ROOT")
}
