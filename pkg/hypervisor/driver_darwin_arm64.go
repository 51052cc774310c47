//go:build darwin && arm64

package hypervisor

import (
	"context"
	"time"

	"github.com/Code-Hex/vz/v3"
	"gitlab.com/tozd/go/errors"
)

const macOSGuestsSupported = true

// progressInterval is how often install and download progress is sampled.
const progressInterval = 500 * time.Millisecond

func rosettaAvailable() bool {
	return vz.LinuxRosettaDirectoryShareAvailability() == vz.LinuxRosettaAvailabilityInstalled
}

func rosettaShare() (vz.DirectoryShare, error) {
	if !rosettaAvailable() {
		return nil, errors.New("vz: rosetta is not installed")
	}
	share, err := vz.NewLinuxRosettaDirectoryShare()
	if err != nil {
		return nil, errors.Errorf("vz: create rosetta share: %w", err)
	}
	return share, nil
}

func newMacMachineIdentifier() (MachineIdentity, error) {
	id, err := vz.NewMacMachineIdentifier()
	if err != nil {
		return nil, errors.Errorf("vz: create mac machine identifier: %w", err)
	}
	return id, nil
}

func loadMacMachineIdentifier(data []byte) (MachineIdentity, error) {
	id, err := vz.NewMacMachineIdentifierWithData(data)
	if err != nil {
		return nil, errors.Errorf("vz: parse mac machine identifier: %w", err)
	}
	return id, nil
}

func (b *vzBackend) LoadRestoreImage(ctx context.Context, path string) (*RestoreImage, error) {
	img, err := vz.LoadMacOSRestoreImageFromPath(path)
	if err != nil {
		return nil, errors.Errorf("vz: load restore image %s: %w", path, err)
	}
	req := img.MostFeaturefulSupportedConfiguration()
	if req == nil {
		return nil, errors.Errorf("vz: restore image %s has no configuration supported by this host", path)
	}
	return &RestoreImage{
		Path:           path,
		HardwareModel:  req.HardwareModel(),
		MinCPUs:        uint(req.MinimumSupportedCPUCount()),
		MinMemoryBytes: req.MinimumSupportedMemorySize(),
	}, nil
}

func (b *vzBackend) FetchRestoreImage(ctx context.Context, dest string, progress func(float64)) error {
	reader, err := vz.FetchLatestSupportedMacOSRestoreImage(ctx, dest)
	if err != nil {
		return errors.Errorf("vz: fetch restore image: %w", err)
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-reader.Finished():
			if err := reader.Err(); err != nil {
				return errors.Errorf("vz: download restore image: %w", err)
			}
			if progress != nil {
				progress(1)
			}
			return nil
		case <-ticker.C:
			if progress != nil {
				progress(reader.FractionCompleted())
			}
		}
	}
}

func (b *vzBackend) LoadHardwareModel(data []byte) (HardwareModel, error) {
	hw, err := vz.NewMacHardwareModelWithData(data)
	if err != nil {
		return nil, errors.Errorf("vz: parse hardware model: %w", err)
	}
	return hw, nil
}

func (b *vzBackend) CreateAuxiliaryStorage(path string, model HardwareModel) (AuxiliaryStorage, error) {
	hw, ok := model.(*vz.MacHardwareModel)
	if !ok {
		return nil, ErrIncompatibleIdentity
	}
	aux, err := vz.NewMacAuxiliaryStorage(path, vz.WithCreatingMacAuxiliaryStorage(hw))
	if err != nil {
		return nil, errors.Errorf("vz: create auxiliary storage: %w", err)
	}
	return aux, nil
}

func (b *vzBackend) LoadAuxiliaryStorage(path string) (AuxiliaryStorage, error) {
	aux, err := vz.NewMacAuxiliaryStorage(path)
	if err != nil {
		return nil, errors.Errorf("vz: open auxiliary storage: %w", err)
	}
	return aux, nil
}

func macPlatform(cfg *VMConfig) (vz.BootLoader, vz.PlatformConfiguration, error) {
	id, ok := cfg.Identity.(*vz.MacMachineIdentifier)
	if !ok {
		return nil, nil, ErrIncompatibleIdentity
	}
	hw, ok := cfg.Platform.HardwareModel.(*vz.MacHardwareModel)
	if !ok {
		return nil, nil, ErrMissingPlatform
	}
	aux, ok := cfg.Platform.AuxiliaryStorage.(*vz.MacAuxiliaryStorage)
	if !ok {
		return nil, nil, ErrMissingPlatform
	}

	bootLoader, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, nil, errors.Errorf("vz: create macOS boot loader: %w", err)
	}
	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(aux),
		vz.WithMacHardwareModel(hw),
		vz.WithMacMachineIdentifier(id),
	)
	if err != nil {
		return nil, nil, errors.Errorf("vz: create mac platform config: %w", err)
	}
	return bootLoader, platform, nil
}

func macGraphics(g *GraphicsDevice) (vz.GraphicsDeviceConfiguration, error) {
	gfx, err := vz.NewMacGraphicsDeviceConfiguration()
	if err != nil {
		return nil, errors.Errorf("vz: create mac graphics device: %w", err)
	}
	display, err := vz.NewMacGraphicsDisplayConfiguration(int64(g.Width), int64(g.Height), int64(g.PPI))
	if err != nil {
		return nil, errors.Errorf("vz: create mac display: %w", err)
	}
	gfx.SetDisplays(display)
	return gfx, nil
}

func installMacOS(ctx context.Context, vm *vz.VirtualMachine, restoreImage string, progress func(float64)) error {
	installer, err := vz.NewMacOSInstaller(vm, restoreImage)
	if err != nil {
		return errors.Errorf("vz: create installer: %w", err)
	}

	if progress != nil {
		go func() {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-installer.Done():
					return
				case <-ticker.C:
					progress(installer.FractionCompleted())
				}
			}
		}()
	}

	if err := installer.Install(ctx); err != nil {
		return errors.Errorf("vz: install macOS: %w", err)
	}
	return nil
}
