//go:build darwin && amd64

package hypervisor

import (
	"context"

	"github.com/Code-Hex/vz/v3"
)

// macOS guests and Rosetta need Apple silicon.
const macOSGuestsSupported = false

func rosettaAvailable() bool { return false }

func rosettaShare() (vz.DirectoryShare, error) {
	return nil, ErrUnsupportedGuest
}

func newMacMachineIdentifier() (MachineIdentity, error) {
	return nil, ErrUnsupportedGuest
}

func loadMacMachineIdentifier([]byte) (MachineIdentity, error) {
	return nil, ErrUnsupportedGuest
}

func (b *vzBackend) LoadRestoreImage(context.Context, string) (*RestoreImage, error) {
	return nil, ErrUnsupportedGuest
}

func (b *vzBackend) FetchRestoreImage(context.Context, string, func(float64)) error {
	return ErrUnsupportedGuest
}

func (b *vzBackend) LoadHardwareModel([]byte) (HardwareModel, error) {
	return nil, ErrUnsupportedGuest
}

func (b *vzBackend) CreateAuxiliaryStorage(string, HardwareModel) (AuxiliaryStorage, error) {
	return nil, ErrUnsupportedGuest
}

func (b *vzBackend) LoadAuxiliaryStorage(string) (AuxiliaryStorage, error) {
	return nil, ErrUnsupportedGuest
}

func macPlatform(*VMConfig) (vz.BootLoader, vz.PlatformConfiguration, error) {
	return nil, nil, ErrUnsupportedGuest
}

func macGraphics(*GraphicsDevice) (vz.GraphicsDeviceConfiguration, error) {
	return nil, ErrUnsupportedGuest
}

func installMacOS(context.Context, *vz.VirtualMachine, string, func(float64)) error {
	return ErrUnsupportedGuest
}
