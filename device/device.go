// Package device holds the capabilities a run needs from attached devices and
// an implementation backed by the adb command line tool.
package device

import (
	"context"
	"time"

	"github.com/ethereum-optimism/infra/op-composer/process"
	"github.com/ethereum-optimism/infra/op-composer/types"
)

// Discoverer lists attached devices.
type Discoverer interface {
	Devices(ctx context.Context) ([]types.Device, error)
}

// Locker grants exclusive use of a device across processes.
type Locker interface {
	// Lock blocks until the device is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, deviceID string) (func() error, error)
}

// Installer installs APKs onto a device.
type Installer interface {
	Install(ctx context.Context, device types.Device, apkPath string, timeout time.Duration) error
	InstallMultiple(ctx context.Context, device types.Device, apkPaths []string, timeout time.Duration) error
}

// FolderTransfer copies folders off a device and removes them there.
type FolderTransfer interface {
	PullFolder(ctx context.Context, device types.Device, remote, local string) error
	DeleteFolder(ctx context.Context, device types.Device, remote string) error
}

// LogcatRedirector streams the live device log into a host file until ctx is done.
type LogcatRedirector interface {
	RedirectLogcat(ctx context.Context, device types.Device, path string) <-chan process.Notification
}

// Shell builds the host command that runs a shell command on the device.
type Shell interface {
	ShellCommand(device types.Device, command string) []string
}

// Bridge is everything a device coordinator uses.
type Bridge interface {
	Installer
	FolderTransfer
	LogcatRedirector
	Shell
}
