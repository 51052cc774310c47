package hypervisor

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidCPUCount      = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory   = errors.New("hypervisor: memory must be at least 128MB")
	ErrInvalidGuestKind     = errors.New("hypervisor: guest kind must be 'linux' or 'macos'")
	ErrMissingIdentity      = errors.New("hypervisor: machine identity is required")
	ErrMissingFirmware      = errors.New("hypervisor: linux guests need an EFI variable store")
	ErrMissingPlatform      = errors.New("hypervisor: macOS guests need a hardware model and auxiliary storage")
	ErrMissingDisk          = errors.New("hypervisor: at least one storage device is required")
	ErrInvalidNetworkMode   = errors.New("hypervisor: network device is missing its attachment")
	ErrInvalidShare         = errors.New("hypervisor: directory share needs a tag and a path")
	ErrUnsupportedGuest     = errors.New("hypervisor: guest kind not supported on this host")
	ErrIncompatibleIdentity = errors.New("hypervisor: identity does not belong to this backend")
	ErrInvalidConfiguration = errors.New("hypervisor: invalid configuration")
)

// Runtime errors
var (
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
	ErrNoConsole      = errors.New("hypervisor: serial console not configured")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)

// invalidConfiguration wraps the reason the backend rejected a configuration.
// The reason may be nil when the backend gave none.
func invalidConfiguration(reason error) error {
	if reason == nil {
		return ErrInvalidConfiguration
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, reason)
}
