// Package hypervisor defines the capability surface the VM launcher consumes
// from a host hypervisor, and the platform drivers that provide it.
package hypervisor

import (
	"context"
	"io"
)

// Backend is the full set of hypervisor capabilities used by the launcher.
// Platform-specific implementations (vz on darwin) satisfy this interface.
type Backend interface {
	IdentityProvider
	FirmwareProvider
	PlatformProvider

	Info() Info
	// Capabilities returns what features the driver supports.
	Capabilities() Capabilities
	// BridgedInterfaces lists host interfaces a guest NIC can be bridged to.
	BridgedInterfaces() ([]BridgedInterface, error)
	// Validate checks if the configuration is acceptable to this driver.
	Validate(ctx context.Context, cfg *VMConfig) error
	// NewMachine builds a machine from a validated configuration without starting it.
	NewMachine(ctx context.Context, cfg *VMConfig) (Machine, error)
}

// IdentityProvider issues and parses machine identity blobs.
type IdentityProvider interface {
	CreateMachineIdentity(kind GuestKind) (MachineIdentity, error)
	LoadMachineIdentity(kind GuestKind, data []byte) (MachineIdentity, error)
}

// FirmwareProvider creates and opens EFI variable stores.
type FirmwareProvider interface {
	CreateFirmwareStore(path string) (FirmwareStore, error)
	LoadFirmwareStore(path string) (FirmwareStore, error)
}

// PlatformProvider covers the extra platform artifacts of macOS guests.
type PlatformProvider interface {
	LoadRestoreImage(ctx context.Context, path string) (*RestoreImage, error)
	// FetchRestoreImage downloads the latest supported restore image to dest.
	FetchRestoreImage(ctx context.Context, dest string, progress func(fraction float64)) error
	LoadHardwareModel(data []byte) (HardwareModel, error)
	CreateAuxiliaryStorage(path string, model HardwareModel) (AuxiliaryStorage, error)
	LoadAuxiliaryStorage(path string) (AuxiliaryStorage, error)
}

// Machine is a configured virtual machine.
type Machine interface {
	// Start boots the VM. The returned channel carries one terminal event
	// (Stopped or Failed) preceded by any number of non-terminal events.
	Start(ctx context.Context) (<-chan Event, error)

	// Install runs the macOS installer from a restore image. Blocks until done.
	Install(ctx context.Context, restoreImage string, progress func(fraction float64)) error

	// RequestStop asks the guest to shut down.
	RequestStop(ctx context.Context) error

	// Stop forcefully terminates the VM.
	Stop(ctx context.Context) error

	// Console returns serial console I/O handles. Only valid with VMConfig.Serial set.
	Console() (in io.Writer, out io.Reader, err error)

	// CloseConsole closes console pipes to unblock any I/O operations.
	// Safe to call multiple times.
	CloseConsole() error

	// ShowWindow runs the native display window on the calling goroutine and
	// blocks until the window is closed.
	ShowWindow(width, height int, title string) error
}

// MachineIdentity is an opaque backend-issued identity.
type MachineIdentity interface {
	DataRepresentation() []byte
}

// FirmwareStore is an EFI variable store backed by a file.
type FirmwareStore interface {
	Path() string
}

// HardwareModel describes the virtual hardware a macOS guest was installed for.
type HardwareModel interface {
	DataRepresentation() []byte
	Supported() bool
}

// AuxiliaryStorage is the macOS guest boot ROM storage.
type AuxiliaryStorage interface {
	Path() string
}

// RestoreImage summarises a loaded macOS restore image.
type RestoreImage struct {
	Path           string
	HardwareModel  HardwareModel
	MinCPUs        uint
	MinMemoryBytes uint64
}

// BridgedInterface is a host network interface usable for bridging.
type BridgedInterface struct {
	Identifier  string
	DisplayName string
}

// Capabilities describes driver feature support.
// Used for early validation before VM configuration.
type Capabilities struct {
	SharedDirs  bool // virtio-fs
	Networking  bool // virtio-net
	Bridged     bool // bridged attachments (needs entitlement)
	Rosetta     bool // Rosetta directory share installed
	MacOSGuests bool
	Graphics    bool
	Audio       bool

	MinCPUs   uint
	MaxCPUs   uint
	MinMemory uint64
	MaxMemory uint64
}

// ClampCPUs bounds n to the allowed vCPU range. Zero limits are ignored.
func (c Capabilities) ClampCPUs(n uint) uint {
	if c.MinCPUs > 0 && n < c.MinCPUs {
		n = c.MinCPUs
	}
	if c.MaxCPUs > 0 && n > c.MaxCPUs {
		n = c.MaxCPUs
	}
	return n
}

// ClampMemory bounds bytes to the allowed memory range. Zero limits are ignored.
func (c Capabilities) ClampMemory(bytes uint64) uint64 {
	if c.MinMemory > 0 && bytes < c.MinMemory {
		bytes = c.MinMemory
	}
	if c.MaxMemory > 0 && bytes > c.MaxMemory {
		bytes = c.MaxMemory
	}
	return bytes
}

// Info contains driver metadata.
type Info struct {
	Name    string // "vz"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}
