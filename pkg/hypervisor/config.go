package hypervisor

import (
	"net"
	"os"
)

// GuestKind selects the boot chain and platform of a machine.
type GuestKind string

const (
	GuestLinux GuestKind = "linux"
	GuestMacOS GuestKind = "macos"
)

// Valid reports whether k names a known guest kind.
func (k GuestKind) Valid() bool {
	return k == GuestLinux || k == GuestMacOS
}

// DiskCachingMode is the host caching policy for a disk image.
type DiskCachingMode int

const (
	DiskCachingAutomatic DiskCachingMode = iota
	DiskCachingCached
	DiskCachingUncached
)

func (m DiskCachingMode) String() string {
	switch m {
	case DiskCachingAutomatic:
		return "automatic"
	case DiskCachingCached:
		return "cached"
	case DiskCachingUncached:
		return "uncached"
	default:
		return "unknown"
	}
}

// StorageDevice is a disk image attached to the guest.
type StorageDevice struct {
	Path     string
	ReadOnly bool
	// USB attaches the image as USB mass storage instead of virtio-blk.
	// Used for installer media.
	USB     bool
	Caching DiskCachingMode
}

// NetworkAttachment is how a guest NIC reaches the outside.
type NetworkAttachment int

const (
	AttachNAT NetworkAttachment = iota
	AttachBridged
	AttachFileHandle
)

func (a NetworkAttachment) String() string {
	switch a {
	case AttachNAT:
		return "nat"
	case AttachBridged:
		return "bridged"
	case AttachFileHandle:
		return "filehandle"
	default:
		return "unknown"
	}
}

// NetworkDevice is one virtio-net interface.
type NetworkDevice struct {
	Attachment NetworkAttachment
	MAC        net.HardwareAddr

	// Interface is the host interface identifier for bridged attachments.
	Interface string

	// Socket is the guest end of a datagram socket pair for file handle
	// attachments. Owned by the caller; the machine never closes it.
	Socket *os.File
}

// ShareDevice is a virtio-fs share.
type ShareDevice struct {
	Tag      string
	Path     string
	ReadOnly bool
	// Rosetta exposes the Rosetta translation runtime instead of Path.
	Rosetta bool
}

// GraphicsDevice is the guest display.
type GraphicsDevice struct {
	Width  int
	Height int
	PPI    int
}

// PlatformConfig holds the macOS platform artifacts.
type PlatformConfig struct {
	HardwareModel    HardwareModel
	AuxiliaryStorage AuxiliaryStorage
}

// VMConfig holds VM configuration parameters.
type VMConfig struct {
	Kind GuestKind

	// CPUs is the number of virtual CPUs.
	CPUs uint

	// MemoryBytes is the amount of guest memory.
	MemoryBytes uint64

	Identity MachineIdentity

	// Firmware is the EFI variable store. Linux guests only.
	Firmware FirmwareStore

	// Platform is set for macOS guests only.
	Platform *PlatformConfig

	Storage []StorageDevice
	Network []NetworkDevice
	Shares  []ShareDevice

	// Graphics adds a display plus USB keyboard and pointer. Nil for headless.
	Graphics *GraphicsDevice

	// Audio adds host input and output streams.
	Audio bool

	// SpiceAgent adds the clipboard-sharing console port.
	SpiceAgent bool

	// Serial adds a pipe-backed virtio console readable through Machine.Console.
	Serial bool
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if !c.Kind.Valid() {
		return ErrInvalidGuestKind
	}
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryBytes < 128*1024*1024 {
		return ErrInsufficientMemory
	}
	if c.Identity == nil {
		return ErrMissingIdentity
	}
	switch c.Kind {
	case GuestLinux:
		if c.Firmware == nil {
			return ErrMissingFirmware
		}
	case GuestMacOS:
		if c.Platform == nil || c.Platform.HardwareModel == nil || c.Platform.AuxiliaryStorage == nil {
			return ErrMissingPlatform
		}
	}
	if len(c.Storage) == 0 {
		return ErrMissingDisk
	}
	for _, n := range c.Network {
		switch n.Attachment {
		case AttachBridged:
			if n.Interface == "" {
				return ErrInvalidNetworkMode
			}
		case AttachFileHandle:
			if n.Socket == nil {
				return ErrInvalidNetworkMode
			}
		case AttachNAT:
		default:
			return ErrInvalidNetworkMode
		}
	}
	for _, s := range c.Shares {
		if s.Tag == "" || (!s.Rosetta && s.Path == "") {
			return ErrInvalidShare
		}
	}
	return nil
}
