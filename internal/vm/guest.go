package vm

import (
	"context"
	"math"

	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Policy holds the per-guest-kind device choices.
type Policy struct {
	DiskCaching hypervisor.DiskCachingMode
	SpiceAgent  bool
	// CaptureSystemKeys forwards system shortcuts to the guest window.
	CaptureSystemKeys bool
}

// Env is what a Guest needs to create or load its identity.
type Env struct {
	Backend hypervisor.Backend
	Store   *bundle.Store
	Bundle  *bundle.Bundle
}

// Identity is the persisted identity of a bundle plus what the install path
// needs to attach.
type Identity struct {
	Machine  hypervisor.MachineIdentity
	Firmware hypervisor.FirmwareStore
	Platform *hypervisor.PlatformConfig

	// InstallMedia is attached read-only over USB. Linux install only.
	InstallMedia string
	// RestoreImage is installed from. macOS install only.
	RestoreImage string

	MinCPUs        uint
	MinMemoryBytes uint64
}

// Guest is the guest-kind variant of the launch.
type Guest interface {
	Kind() bundle.Kind
	Policy() Policy
	// Create generates identity artifacts. Only called on the install path.
	Create(ctx context.Context, env Env, install *InstallSource) (*Identity, error)
	// Load reads back identity artifacts. Never creates any.
	Load(ctx context.Context, env Env) (*Identity, error)
	// Platform sets the boot chain and platform of cfg.
	Platform(cfg *hypervisor.VMConfig, id *Identity)
	Graphics(d devconf.Display) *hypervisor.GraphicsDevice
}

// GuestFor returns the variant for kind.
func GuestFor(kind bundle.Kind) (Guest, error) {
	switch kind {
	case bundle.KindLinux:
		return linuxGuest{}, nil
	case bundle.KindMacOS:
		return macOSGuest{}, nil
	default:
		return nil, errors.Errorf("unknown guest kind %q", kind)
	}
}

type linuxGuest struct{}

func (linuxGuest) Kind() bundle.Kind { return bundle.KindLinux }

func (linuxGuest) Policy() Policy {
	return Policy{DiskCaching: hypervisor.DiskCachingCached, SpiceAgent: true}
}

func (linuxGuest) Create(ctx context.Context, env Env, install *InstallSource) (*Identity, error) {
	machine, err := env.Store.CreateIdentity(env.Bundle)
	if err != nil {
		return nil, err
	}
	firmware, err := env.Store.CreateFirmwareStore(env.Bundle)
	if err != nil {
		return nil, err
	}
	return &Identity{Machine: machine, Firmware: firmware, InstallMedia: install.Image}, nil
}

func (linuxGuest) Load(ctx context.Context, env Env) (*Identity, error) {
	machine, err := env.Store.LoadIdentity(env.Bundle)
	if err != nil {
		return nil, err
	}
	firmware, err := env.Store.LoadFirmwareStore(env.Bundle)
	if err != nil {
		return nil, err
	}
	return &Identity{Machine: machine, Firmware: firmware}, nil
}

func (linuxGuest) Platform(cfg *hypervisor.VMConfig, id *Identity) {
	cfg.Identity = id.Machine
	cfg.Firmware = id.Firmware
}

func (linuxGuest) Graphics(d devconf.Display) *hypervisor.GraphicsDevice {
	return &hypervisor.GraphicsDevice{Width: d.Width, Height: d.Height}
}

type macOSGuest struct{}

func (macOSGuest) Kind() bundle.Kind { return bundle.KindMacOS }

func (macOSGuest) Policy() Policy {
	return Policy{DiskCaching: hypervisor.DiskCachingAutomatic, CaptureSystemKeys: true}
}

func (macOSGuest) Create(ctx context.Context, env Env, install *InstallSource) (*Identity, error) {
	image := install.Image
	if image == "" {
		image = env.Bundle.RestoreImagePath()
		slogctx.Info(ctx, "downloading latest supported restore image", "dest", image)
		if err := env.Backend.FetchRestoreImage(ctx, image, progressLogger(ctx, "restore image download")); err != nil {
			return nil, errors.Errorf("downloading restore image: %w", err)
		}
	}

	restore, err := env.Backend.LoadRestoreImage(ctx, image)
	if err != nil {
		return nil, errors.Errorf("loading restore image: %w", err)
	}
	if !restore.HardwareModel.Supported() {
		return nil, errors.New("restore image hardware model isn't supported on this host")
	}

	platform, err := env.Store.CreatePlatform(env.Bundle, restore.HardwareModel)
	if err != nil {
		return nil, err
	}
	machine, err := env.Store.CreateIdentity(env.Bundle)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Machine:        machine,
		Platform:       platform,
		RestoreImage:   image,
		MinCPUs:        restore.MinCPUs,
		MinMemoryBytes: restore.MinMemoryBytes,
	}, nil
}

func (macOSGuest) Load(ctx context.Context, env Env) (*Identity, error) {
	platform, err := env.Store.LoadPlatform(env.Bundle)
	if err != nil {
		return nil, err
	}
	machine, err := env.Store.LoadIdentity(env.Bundle)
	if err != nil {
		return nil, err
	}
	return &Identity{Machine: machine, Platform: platform}, nil
}

func (macOSGuest) Platform(cfg *hypervisor.VMConfig, id *Identity) {
	cfg.Identity = id.Machine
	cfg.Platform = id.Platform
}

func (macOSGuest) Graphics(d devconf.Display) *hypervisor.GraphicsDevice {
	return &hypervisor.GraphicsDevice{Width: d.Width, Height: d.Height, PPI: d.PPI}
}

// progressLogger logs a task's progress every 5 percent.
func progressLogger(ctx context.Context, task string) func(float64) {
	last := -1
	return func(fraction float64) {
		pct := int(math.Floor(fraction * 100))
		if pct/5 == last/5 && last >= 0 {
			return
		}
		last = pct
		slogctx.Info(ctx, task, "progress", pct)
	}
}
