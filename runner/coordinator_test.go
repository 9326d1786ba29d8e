package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-composer/logging"
	"github.com/ethereum-optimism/infra/op-composer/process"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// fakeBridge replays fixture files in place of a real device.
type fakeBridge struct {
	t          *testing.T
	supervisor *process.Supervisor

	instrumentation string // Fixture streamed by the instrumentation command
	logcat          string // Fixture streamed by the logcat capture
	screenshots     map[string][]string
	failInstall     map[string]bool
	exitCode        int
	hang            bool // Keep the instrumentation running after the fixture
	panicOnPull     bool

	mu       sync.Mutex
	installs map[string][]string
	commands map[string][]string
	pulls    []string
	deletes  []string
}

func newFakeBridge(t *testing.T) *fakeBridge {
	return &fakeBridge{
		t:               t,
		supervisor:      process.NewSupervisor(log.New(), clock.NewClock()),
		instrumentation: "passing.output",
		logcat:          "passing.logcat",
		screenshots:     map[string][]string{},
		failInstall:     map[string]bool{},
		installs:        map[string][]string{},
		commands:        map[string][]string{},
	}
}

func (b *fakeBridge) fixture(name string) string {
	path, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(b.t, err)
	return path
}

func (b *fakeBridge) Install(ctx context.Context, dev types.Device, apkPath string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failInstall[dev.ID] {
		return errors.New("Failure [INSTALL_FAILED_INSUFFICIENT_STORAGE]")
	}
	b.installs[dev.ID] = append(b.installs[dev.ID], apkPath)
	return nil
}

func (b *fakeBridge) InstallMultiple(ctx context.Context, dev types.Device, apkPaths []string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.installs[dev.ID] = append(b.installs[dev.ID], "multiple:"+strings.Join(apkPaths, ","))
	return nil
}

func (b *fakeBridge) PullFolder(ctx context.Context, dev types.Device, remote, local string) error {
	b.mu.Lock()
	b.pulls = append(b.pulls, dev.ID+":"+remote)
	b.mu.Unlock()
	if b.panicOnPull {
		panic("pull exploded")
	}

	names, ok := b.screenshots[remote]
	if !ok {
		return errors.New("remote object does not exist")
	}
	dir := filepath.Join(local, filepath.Base(remote))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("png"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBridge) DeleteFolder(ctx context.Context, dev types.Device, remote string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, dev.ID+":"+remote)
	return nil
}

func (b *fakeBridge) RedirectLogcat(ctx context.Context, dev types.Device, path string) <-chan process.Notification {
	return b.supervisor.Supervise(ctx, process.Config{
		Command:         []string{"cat", b.fixture(b.logcat)},
		OutputPath:      path,
		KeepOutput:      true,
		DestroyOnCancel: true,
	})
}

func (b *fakeBridge) ShellCommand(dev types.Device, command string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[dev.ID] = append(b.commands[dev.ID], command)
	script := "cat " + b.fixture(b.instrumentation)
	if b.hang {
		script += "; sleep 30"
	}
	script += "; exit " + strconv.Itoa(b.exitCode)
	return []string{"sh", "-c", script}
}

func testRunConfig(t *testing.T) types.RunConfig {
	return types.RunConfig{
		TestPackage:    "com.example.test",
		TestRunner:     "androidx.test.runner.AndroidJUnitRunner",
		AppApk:         "app.apk",
		TestApk:        "app-test.apk",
		InstallTimeout: 10 * time.Second,
		Shard:          true,
		FailIfNoTests:  true,
		OutputDir:      t.TempDir(),
	}
}

func newTestCoordinator(t *testing.T, cfg types.RunConfig, bridge *fakeBridge) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		Run:          cfg,
		Bridge:       bridge,
		Supervisor:   bridge.supervisor,
		PollInterval: 5 * time.Millisecond,
		Log:          log.New(),
	})
	require.NoError(t, err)
	return c
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	bridge := newFakeBridge(t)
	cfg := testRunConfig(t)

	_, err := NewCoordinator(CoordinatorConfig{Run: cfg, Supervisor: bridge.supervisor})
	assert.Error(t, err)

	_, err = NewCoordinator(CoordinatorConfig{Run: cfg, Bridge: bridge})
	assert.Error(t, err)

	noPackage := cfg
	noPackage.TestPackage = ""
	_, err = NewCoordinator(CoordinatorConfig{Run: noPackage, Bridge: bridge, Supervisor: bridge.supervisor})
	assert.Error(t, err)

	noOutput := cfg
	noOutput.OutputDir = ""
	_, err = NewCoordinator(CoordinatorConfig{Run: noOutput, Bridge: bridge, Supervisor: bridge.supervisor})
	assert.Error(t, err)
}

func TestCoordinatorRunPassing(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	cfg := testRunConfig(t)
	dev := types.Device{ID: "emulator-5554", Model: "Pixel_6", Online: true}
	bridge.screenshots[DeviceScreenshotsDir+"/com.example.CalculatorTest/testTwo"] = []string{"b.png", "a.png"}

	c := newTestCoordinator(t, cfg, bridge)
	result, err := c.Run(context.Background(), dev, Shard{})
	require.NoError(t, err)

	assert.Equal(t, dev, result.Device)
	assert.Equal(t, 3, result.PassedCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, 0, result.IgnoredCount)
	require.Len(t, result.Tests, 3)
	assert.Equal(t, []string{"testOne", "testTwo", "testThree"}, []string{
		result.Tests[0].TestName, result.Tests[1].TestName, result.Tests[2].TestName,
	})

	layout := logging.NewLayout(cfg.OutputDir)
	assert.Equal(t, layout.DeviceLogcat(dev.ID), result.LogcatPath)
	assert.Equal(t, layout.InstrumentationOutput(dev.ID), result.InstrumentationOutputPath)
	assert.FileExists(t, result.InstrumentationOutputPath)

	// Per-test logcat slices include the markers and nothing outside them.
	slice, err := os.ReadFile(result.Tests[1].LogcatPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(slice), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "started: testTwo")
	assert.Contains(t, lines[1], "subtracting 2 - 1")
	assert.Contains(t, lines[2], "finished: testTwo")

	shotsDir := filepath.Join(layout.ScreenshotsDir(dev.ID, "com.example.CalculatorTest"), "testTwo")
	assert.Equal(t, []string{
		filepath.Join(shotsDir, "a.png"),
		filepath.Join(shotsDir, "b.png"),
	}, result.Tests[1].Screenshots)
	assert.Empty(t, result.Tests[0].Screenshots)
	assert.Empty(t, result.Tests[2].Files)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Equal(t, []string{"app.apk", "app-test.apk"}, bridge.installs[dev.ID])
	require.Len(t, bridge.commands[dev.ID], 1)
	assert.Equal(t, "am instrument -w -r com.example.test/androidx.test.runner.AndroidJUnitRunner", bridge.commands[dev.ID][0])
	// Two folders per test, each pulled and then deleted.
	assert.Len(t, bridge.pulls, 6)
	assert.Len(t, bridge.deletes, 6)
}

func TestCoordinatorShardArguments(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	cfg := testRunConfig(t)
	dev := types.Device{ID: "emulator-5556", Online: true}

	c := newTestCoordinator(t, cfg, bridge)
	_, err := c.Run(context.Background(), dev, Shard{Index: 1, Count: 2})
	require.NoError(t, err)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.commands[dev.ID], 1)
	assert.Contains(t, bridge.commands[dev.ID][0], " -e numShards 2 -e shardIndex 1 ")
}

func TestCoordinatorInstallFailure(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	cfg := testRunConfig(t)
	dev := types.Device{ID: "A", Online: true}
	bridge.failInstall["A"] = true

	c := newTestCoordinator(t, cfg, bridge)
	result, err := c.Run(context.Background(), dev, Shard{})
	require.Error(t, err)
	assert.Nil(t, result)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "A", devErr.Device.ID)
	assert.Equal(t, StateInstalling, devErr.State)
	assert.True(t, IsInstallError(err))

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Empty(t, bridge.commands["A"], "tests must not start after a failed install")
}

func TestCoordinatorTruncatedStream(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	bridge.instrumentation = "crashed.output"
	cfg := testRunConfig(t)
	dev := types.Device{ID: "emulator-5554", Online: true}

	c := newTestCoordinator(t, cfg, bridge)
	result, err := c.Run(context.Background(), dev, Shard{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PassedCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Tests, 3)
	crashed := result.Tests[2]
	assert.Equal(t, types.TestStatusFailed, crashed.Status)
	assert.True(t, strings.HasPrefix(crashed.Stacktrace, TruncatedStacktrace))
}

// lockedBuffer collects log output written from the device goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCoordinatorWarnsWithoutResultCode(t *testing.T) {
	skipOnWindows(t)
	for _, tc := range []struct {
		fixture string
		warned  bool
	}{
		{fixture: "cut.output", warned: true},
		{fixture: "crashed.output", warned: false},
	} {
		t.Run(tc.fixture, func(t *testing.T) {
			bridge := newFakeBridge(t)
			bridge.instrumentation = tc.fixture
			var logs lockedBuffer
			c, err := NewCoordinator(CoordinatorConfig{
				Run:          testRunConfig(t),
				Bridge:       bridge,
				Supervisor:   bridge.supervisor,
				PollInterval: 5 * time.Millisecond,
				Log:          log.NewLogger(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn})),
			})
			require.NoError(t, err)

			result, err := c.Run(context.Background(), types.Device{ID: "emulator-5554", Online: true}, Shard{})
			require.NoError(t, err)
			require.NotEmpty(t, result.Tests)
			assert.Equal(t, types.TestStatusFailed, result.Tests[len(result.Tests)-1].Status)
			assert.Equal(t, tc.warned, strings.Contains(logs.String(), "ended without a result code"))
		})
	}
}

func TestCoordinatorProcessFailure(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	bridge.exitCode = 3
	cfg := testRunConfig(t)
	dev := types.Device{ID: "emulator-5554", Online: true}

	c := newTestCoordinator(t, cfg, bridge)
	result, err := c.Run(context.Background(), dev, Shard{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, process.IsExitError(err))

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, StateRunning, devErr.State)
}

func TestCoordinatorRecoversTaskPanic(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	bridge.panicOnPull = true
	dev := types.Device{ID: "emulator-5554", Online: true}

	c := newTestCoordinator(t, testRunConfig(t), bridge)
	result, err := c.Run(context.Background(), dev, Shard{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "pull exploded")

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, dev, devErr.Device)
}

func TestCoordinatorMultiApkInstallPlan(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	cfg := testRunConfig(t)
	cfg.ExtraApks = []string{"extra.apk"}
	cfg.MultiApks = []string{"base.apk", "split.apk"}
	dev := types.Device{ID: "emulator-5554", Online: true}

	c := newTestCoordinator(t, cfg, bridge)
	_, err := c.Run(context.Background(), dev, Shard{})
	require.NoError(t, err)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Equal(t, []string{"app-test.apk", "extra.apk", "multiple:base.apk,split.apk"}, bridge.installs[dev.ID])
}

type recordingLocker struct {
	mu     sync.Mutex
	locked []string
	freed  []string
	err    error
}

func (l *recordingLocker) Lock(ctx context.Context, deviceID string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.locked = append(l.locked, deviceID)
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.freed = append(l.freed, deviceID)
		return nil
	}, nil
}

func TestCoordinatorHoldsDeviceLock(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	locker := &recordingLocker{}
	c, err := NewCoordinator(CoordinatorConfig{
		Run:          testRunConfig(t),
		Bridge:       bridge,
		Locker:       locker,
		Supervisor:   bridge.supervisor,
		PollInterval: 5 * time.Millisecond,
		Log:          log.New(),
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), types.Device{ID: "emulator-5554", Online: true}, Shard{})
	require.NoError(t, err)
	assert.Equal(t, []string{"emulator-5554"}, locker.locked)
	assert.Equal(t, []string{"emulator-5554"}, locker.freed)

	locker.err = errors.New("device busy")
	_, err = c.Run(context.Background(), types.Device{ID: "emulator-5556", Online: true}, Shard{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Empty(t, bridge.installs["emulator-5556"])
}

func TestCoordinatorCancellation(t *testing.T) {
	skipOnWindows(t)
	bridge := newFakeBridge(t)
	bridge.hang = true
	c := newTestCoordinator(t, testRunConfig(t), bridge)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	result, err := c.Run(ctx, types.Device{ID: "emulator-5554", Online: true}, Shard{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Less(t, time.Since(start), 10*time.Second)
}
