package vm

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"

	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/internal/usernet"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// DeviceError reports a device that references something unusable.
type DeviceError struct {
	Device string
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("device %s: %s", e.Device, e.Reason)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Establisher creates user-mode network paths.
type Establisher interface {
	Establish(ctx context.Context, portForwards string) (*usernet.Handle, error)
}

// BuildInput is everything the device set is assembled from.
type BuildInput struct {
	Bundle   *bundle.Bundle
	Identity *Identity

	CPUs        uint
	MemoryBytes uint64

	Network []devconf.NetworkDevice
	Shares  []devconf.Share

	// Display is only used when Graphics is set.
	Display  devconf.Display
	Graphics bool
	Audio    bool
	Serial   bool
}

// Devices is a built configuration and the network paths it holds open.
type Devices struct {
	Config  *hypervisor.VMConfig
	Handles []*usernet.Handle
}

// Close shuts down every network path. Safe to call more than once.
func (d *Devices) Close() error {
	var errs []error
	for _, h := range d.Handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeviceBuilder assembles a VMConfig from parsed device entries.
type DeviceBuilder struct {
	backend hypervisor.Backend
	network Establisher
	newMAC  func() (net.HardwareAddr, error)
}

// NewDeviceBuilder returns a builder resolving devices against backend.
func NewDeviceBuilder(backend hypervisor.Backend, network Establisher) *DeviceBuilder {
	return &DeviceBuilder{backend: backend, network: network, newMAC: RandomMAC}
}

// Build assembles the configuration for guest. It fails on the first device
// that references something unusable, closing any network path it already
// established.
func (b *DeviceBuilder) Build(ctx context.Context, guest Guest, in BuildInput) (_ *Devices, err error) {
	policy := guest.Policy()
	devices := &Devices{Config: &hypervisor.VMConfig{
		Kind:        guest.Kind().GuestKind(),
		CPUs:        in.CPUs,
		MemoryBytes: in.MemoryBytes,
		Audio:       in.Audio,
		SpiceAgent:  policy.SpiceAgent,
		Serial:      in.Serial,
	}}
	defer func() {
		if err != nil {
			if cerr := devices.Close(); cerr != nil {
				slogctx.Warn(ctx, "closing network paths", "error", cerr)
			}
		}
	}()
	cfg := devices.Config
	guest.Platform(cfg, in.Identity)

	if media := in.Identity.InstallMedia; media != "" {
		if err := requireFile(media); err != nil {
			return nil, &DeviceError{Device: "install media", Reason: "can't read " + media, Err: err}
		}
		cfg.Storage = append(cfg.Storage, hypervisor.StorageDevice{
			Path:     media,
			ReadOnly: true,
			USB:      true,
			Caching:  hypervisor.DiskCachingAutomatic,
		})
	}
	if err := requireFile(in.Bundle.DiskImagePath()); err != nil {
		return nil, &DeviceError{Device: "disk", Reason: "missing disk image", Err: err}
	}
	cfg.Storage = append(cfg.Storage, hypervisor.StorageDevice{
		Path:    in.Bundle.DiskImagePath(),
		Caching: policy.DiskCaching,
	})

	shares, err := b.shares(in.Shares)
	if err != nil {
		return nil, err
	}
	cfg.Shares = shares

	if in.Graphics {
		cfg.Graphics = guest.Graphics(in.Display)
	}

	var bridged []hypervisor.BridgedInterface
	for i, dev := range in.Network {
		switch dev.Kind {
		case devconf.KindUser:
			if _, err := usernet.ParsePortForwards(dev.Options); err != nil {
				return nil, &DeviceError{Device: dev.String(), Reason: "invalid port forwards", Err: err}
			}
			mac, err := b.newMAC()
			if err != nil {
				return nil, &DeviceError{Device: dev.String(), Reason: "generating MAC address", Err: err}
			}
			h, err := b.network.Establish(context.WithoutCancel(ctx), dev.Options)
			if err != nil {
				return nil, &DeviceError{Device: dev.String(), Reason: "establishing user network", Err: err}
			}
			devices.Handles = append(devices.Handles, h)
			cfg.Network = append(cfg.Network, hypervisor.NetworkDevice{
				Attachment: hypervisor.AttachFileHandle,
				MAC:        mac,
				Socket:     h.Guest,
			})
			slogctx.Debug(ctx, "user network attached", "index", i, "mac", mac.String())
		case devconf.KindNAT:
			cfg.Network = append(cfg.Network, hypervisor.NetworkDevice{
				Attachment: hypervisor.AttachNAT,
				MAC:        dev.MAC,
			})
		case devconf.KindBridged:
			if bridged == nil {
				if bridged, err = b.backend.BridgedInterfaces(); err != nil {
					return nil, &DeviceError{Device: dev.String(), Reason: "listing host interfaces", Err: err}
				}
			}
			if !hasInterface(bridged, dev.Interface) {
				return nil, &DeviceError{Device: dev.String(), Reason: "no bridgeable host interface " + dev.Interface}
			}
			cfg.Network = append(cfg.Network, hypervisor.NetworkDevice{
				Attachment: hypervisor.AttachBridged,
				MAC:        dev.MAC,
				Interface:  dev.Interface,
			})
		default:
			return nil, &DeviceError{Device: dev.String(), Reason: "unknown network kind"}
		}
	}

	return devices, nil
}

func (b *DeviceBuilder) shares(shares []devconf.Share) ([]hypervisor.ShareDevice, error) {
	out := make([]hypervisor.ShareDevice, 0, len(shares))
	for _, s := range shares {
		if s.Rosetta {
			if !b.backend.Capabilities().Rosetta {
				return nil, &DeviceError{Device: s.String(), Reason: "rosetta is not available on this host"}
			}
			out = append(out, hypervisor.ShareDevice{Tag: devconf.RosettaTag, Rosetta: true})
			continue
		}
		info, err := os.Stat(s.Dir)
		if err != nil {
			return nil, &DeviceError{Device: s.String(), Reason: "can't access shared directory", Err: err}
		}
		if !info.IsDir() {
			return nil, &DeviceError{Device: s.String(), Reason: s.Dir + " is not a directory"}
		}
		out = append(out, hypervisor.ShareDevice{Tag: s.Tag, Path: s.Dir, ReadOnly: s.ReadOnly})
	}
	return out, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.Errorf("%s is a directory", path)
	}
	return nil
}

func hasInterface(ifaces []hypervisor.BridgedInterface, id string) bool {
	for _, iface := range ifaces {
		if iface.Identifier == id {
			return true
		}
	}
	return false
}

// RandomMAC returns a random locally administered unicast MAC address.
func RandomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}
