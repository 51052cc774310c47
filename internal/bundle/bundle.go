// Package bundle manages the on-disk VM bundle: a directory holding the guest
// kind marker, the main disk image and the identity artifacts issued by the
// hypervisor backend.
//
// Identity artifacts are created exactly once, on the install path, and are
// read back verbatim on every later run.
package bundle

import (
	"path/filepath"

	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Kind is the guest kind recorded by a bundle's marker file.
type Kind string

const (
	KindLinux Kind = "linux"
	KindMacOS Kind = "macos"
)

// Kinds lists every bundle kind in marker lookup order.
var Kinds = []Kind{KindLinux, KindMacOS}

// Marker returns the marker file name for k.
func (k Kind) Marker() string {
	return "." + string(k)
}

// GuestKind converts k for the hypervisor backend.
func (k Kind) GuestKind() hypervisor.GuestKind {
	return hypervisor.GuestKind(k)
}

// File names inside a bundle.
const (
	DiskImageName        = "Disk.img"
	IdentityName         = "MachineIdentifier"
	FirmwareName         = "NVRAM"
	AuxiliaryStorageName = "AuxiliaryStorage"
	HardwareModelName    = "HardwareModel"
	RestoreImageName     = "RestoreImage.ipsw"
	StateName            = "state.json"
	LockName             = ".lock"
)

// Bundle is an opened or freshly created bundle directory.
type Bundle struct {
	Root string
	Kind Kind
}

func (b *Bundle) path(name string) string {
	return filepath.Join(b.Root, name)
}

func (b *Bundle) MarkerPath() string           { return b.path(b.Kind.Marker()) }
func (b *Bundle) DiskImagePath() string        { return b.path(DiskImageName) }
func (b *Bundle) IdentityPath() string         { return b.path(IdentityName) }
func (b *Bundle) FirmwarePath() string         { return b.path(FirmwareName) }
func (b *Bundle) AuxiliaryStoragePath() string { return b.path(AuxiliaryStorageName) }
func (b *Bundle) HardwareModelPath() string    { return b.path(HardwareModelName) }
func (b *Bundle) RestoreImagePath() string     { return b.path(RestoreImageName) }
func (b *Bundle) StatePath() string            { return b.path(StateName) }
func (b *Bundle) LockPath() string             { return b.path(LockName) }
