package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-composer/process"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

const (
	adbCommandTimeout = 30 * time.Second
	adbPullTimeout    = 60 * time.Second

	adbStateOnline = "device"
)

// ADB implements Discoverer and Bridge with the adb binary.
type ADB struct {
	path       string
	supervisor *process.Supervisor
	log        log.Logger
	verbose    bool
}

var (
	_ Discoverer = (*ADB)(nil)
	_ Bridge     = (*ADB)(nil)
)

func NewADB(path string, supervisor *process.Supervisor, logger log.Logger, verbose bool) (*ADB, error) {
	if path == "" {
		return nil, errors.New("adb path cannot be empty")
	}
	if supervisor == nil {
		return nil, errors.New("supervisor cannot be nil")
	}
	if logger == nil {
		logger = log.Root()
	}
	return &ADB{
		path:       path,
		supervisor: supervisor,
		log:        logger.New("component", "adb"),
		verbose:    verbose,
	}, nil
}

func (a *ADB) command(device types.Device, args ...string) []string {
	return append([]string{a.path, "-s", device.ID}, args...)
}

func (a *ADB) Devices(ctx context.Context) ([]types.Device, error) {
	out, err := a.supervisor.Output(ctx, process.Config{
		Command: []string{a.path, "devices", "-l"},
		Timeout: adbCommandTimeout,
		Verbose: a.verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return ParseDevices(out), nil
}

// ParseDevices decodes the output of "adb devices -l".
func ParseDevices(output string) []types.Device {
	var devices []types.Device
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := types.Device{
			ID:     fields[0],
			Online: fields[1] == adbStateOnline,
		}
		for _, f := range fields[2:] {
			if model, ok := strings.CutPrefix(f, "model:"); ok {
				d.Model = model
			}
		}
		devices = append(devices, d)
	}
	return devices
}

func (a *ADB) Install(ctx context.Context, device types.Device, apkPath string, timeout time.Duration) error {
	return a.install(ctx, device, timeout, "install", "-r", apkPath)
}

func (a *ADB) InstallMultiple(ctx context.Context, device types.Device, apkPaths []string, timeout time.Duration) error {
	return a.install(ctx, device, timeout, append([]string{"install-multiple", "-r"}, apkPaths...)...)
}

func (a *ADB) install(ctx context.Context, device types.Device, timeout time.Duration, args ...string) error {
	out, err := a.supervisor.Output(ctx, process.Config{
		Command: a.command(device, args...),
		Timeout: timeout,
		Verbose: a.verbose,
	})
	if err != nil {
		return err
	}
	if !process.HasSuccessLine(out) {
		return fmt.Errorf("install did not report success: %s", out)
	}
	return nil
}

func (a *ADB) PullFolder(ctx context.Context, device types.Device, remote, local string) error {
	_, err := a.supervisor.Wait(ctx, process.Config{
		Command: a.command(device, "pull", remote, local),
		Timeout: adbPullTimeout,
		Verbose: a.verbose,
	})
	return err
}

func (a *ADB) DeleteFolder(ctx context.Context, device types.Device, remote string) error {
	_, err := a.supervisor.Wait(ctx, process.Config{
		Command: a.command(device, "shell", "rm", "-r", remote),
		Timeout: adbCommandTimeout,
		Verbose: a.verbose,
	})
	return err
}

// RedirectLogcat clears the device log first so the file starts with this run.
func (a *ADB) RedirectLogcat(ctx context.Context, device types.Device, path string) <-chan process.Notification {
	if _, err := a.supervisor.Wait(ctx, process.Config{
		Command: a.command(device, "logcat", "-c"),
		Timeout: adbCommandTimeout,
		Verbose: a.verbose,
	}); err != nil {
		a.log.Warn("Failed to clear logcat", "device", device.ID, "err", err)
	}
	return a.supervisor.Supervise(ctx, process.Config{
		Command:         a.command(device, "logcat", "-v", "threadtime"),
		OutputPath:      path,
		DestroyOnCancel: true,
		Verbose:         a.verbose,
	})
}

func (a *ADB) ShellCommand(device types.Device, command string) []string {
	return a.command(device, "shell", command)
}
