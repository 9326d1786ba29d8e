package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_COMPOSER"

var (
	TestApk = &cli.StringFlag{
		Name:    "test-apk",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_APK"),
		Usage:   "Path to the test APK",
	}
	Apk = &cli.StringFlag{
		Name:    "apk",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "APK"),
		Usage:   "Path to the application APK. Required unless multi-apks is set",
	}
	ExtraApks = &cli.StringSliceFlag{
		Name:    "extra-apks",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXTRA_APKS"),
		Usage:   "Additional APKs installed one by one before the run",
	}
	MultiApks = &cli.StringSliceFlag{
		Name:    "multi-apks",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MULTI_APKS"),
		Usage:   "APKs installed together with a single install-multiple, e.g. split APKs",
	}
	TestPackage = &cli.StringFlag{
		Name:    "test-package",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_PACKAGE"),
		Usage:   "Test package name. Read from the test APK when empty",
	}
	TestRunner = &cli.StringFlag{
		Name:    "test-runner",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_RUNNER"),
		Usage:   "Instrumentation runner class. Read from the test APK when empty",
	}
	InstrumentationArguments = &cli.StringSliceFlag{
		Name:    "instrumentation-arguments",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INSTRUMENTATION_ARGUMENTS"),
		Usage:   "Instrumentation arguments as key=value, may be repeated (e.g. 'size=small')",
	}
	Shard = &cli.BoolFlag{
		Name:    "shard",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHARD"),
		Usage:   "Split the tests across devices instead of running all tests on every device",
	}
	WithOrchestrator = &cli.BoolFlag{
		Name:    "with-orchestrator",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WITH_ORCHESTRATOR"),
		Usage:   "Run the tests through the AndroidX test orchestrator",
	}
	OutputDirectory = &cli.StringFlag{
		Name:    "output-directory",
		Value:   "composer-output",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT_DIRECTORY"),
		Usage:   "Directory for logs, artifacts and reports",
	}
	InstallTimeout = &cli.DurationFlag{
		Name:    "install-timeout",
		Value:   120 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INSTALL_TIMEOUT"),
		Usage:   "Timeout for installing one APK",
	}
	RunTimeout = &cli.DurationFlag{
		Name:    "run-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_TIMEOUT"),
		Usage:   "Timeout for the test run on one device. 0 means no timeout",
	}
	FailIfNoTests = &cli.BoolFlag{
		Name:    "fail-if-no-tests",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_IF_NO_TESTS"),
		Usage:   "Exit with an error when no tests were run",
	}
	Devices = &cli.StringSliceFlag{
		Name:    "devices",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEVICES"),
		Usage:   "Serial numbers of the devices to run on. All online devices when empty",
	}
	DevicePattern = &cli.StringFlag{
		Name:    "device-pattern",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEVICE_PATTERN"),
		Usage:   "Regular expression a device serial must fully match (e.g. 'emulator-.*')",
	}
	VerboseOutput = &cli.BoolFlag{
		Name:    "verbose-output",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "VERBOSE_OUTPUT"),
		Usage:   "Log every device command and its exit status",
	}
	KeepOutputOnExit = &cli.BoolFlag{
		Name:    "keep-output-on-exit",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "KEEP_OUTPUT_ON_EXIT"),
		Usage:   "Keep the temporary output files of device commands",
	}
	Adb = &cli.StringFlag{
		Name:    "adb",
		Value:   "adb",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ADB"),
		Usage:   "Path to the adb binary",
	}
	Aapt = &cli.StringFlag{
		Name:    "aapt",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AAPT"),
		Usage:   "Path to the aapt binary. Defaults to the newest build-tools release under ANDROID_HOME",
	}
	LockDir = &cli.StringFlag{
		Name:    "lock-dir",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOCK_DIR"),
		Usage:   "Directory for device lock files. Defaults to the system temp directory",
	}
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to a YAML run manifest. Flags given on the command line take precedence",
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Periodically log the progress of every device",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when show-progress is enabled",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Address to serve /healthz on while running (e.g. '0.0.0.0:8080'). Disabled when empty",
	}
)

var requiredFlags = []cli.Flag{
	TestApk,
}

var optionalFlags = []cli.Flag{
	Apk,
	ExtraApks,
	MultiApks,
	TestPackage,
	TestRunner,
	InstrumentationArguments,
	Shard,
	WithOrchestrator,
	OutputDirectory,
	InstallTimeout,
	RunTimeout,
	FailIfNoTests,
	Devices,
	DevicePattern,
	VerboseOutput,
	KeepOutputOnExit,
	Adb,
	Aapt,
	LockDir,
	Manifest,
	ShowProgress,
	ProgressInterval,
	HealthzAddr,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

// CheckRequired verifies the required flags. The test APK may also come from
// a manifest, so it is only required when no manifest is given.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) && !ctx.IsSet(Manifest.Name) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
