package runner

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-composer/types"
)

// InstallError is returned when an APK could not be installed on a device.
type InstallError struct {
	Apks []string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("failed to install %v: %v", e.Apks, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// DeviceError is the terminal error of one device coordinator.
type DeviceError struct {
	Device types.Device
	State  State // State the coordinator failed in
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s failed while %s: %v", e.Device.ID, e.State, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// IsInstallError checks if the error is or wraps an InstallError
func IsInstallError(err error) bool {
	var installErr *InstallError
	return err != nil && errors.As(err, &installErr)
}
