package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform has a hypervisor driver.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin"
}

// NewBackend creates the hypervisor backend for the current platform.
// Implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_stub.go.
