//go:build darwin

package hypervisor

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"gitlab.com/tozd/go/errors"
)

// vzBackend implements Backend using macOS Virtualization.framework.
type vzBackend struct{}

// NewBackend creates a new vz-based backend for macOS.
func NewBackend() (Backend, error) {
	return &vzBackend{}, nil
}

func (b *vzBackend) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (b *vzBackend) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs:  true,
		Networking:  true,
		Bridged:     true,
		Rosetta:     rosettaAvailable(),
		MacOSGuests: macOSGuestsSupported,
		Graphics:    true,
		Audio:       true,
		MinCPUs:     vz.VirtualMachineConfigurationMinimumAllowedCPUCount(),
		MaxCPUs:     vz.VirtualMachineConfigurationMaximumAllowedCPUCount(),
		MinMemory:   vz.VirtualMachineConfigurationMinimumAllowedMemorySize(),
		MaxMemory:   vz.VirtualMachineConfigurationMaximumAllowedMemorySize(),
	}
}

func (b *vzBackend) CreateMachineIdentity(kind GuestKind) (MachineIdentity, error) {
	switch kind {
	case GuestLinux:
		id, err := vz.NewGenericMachineIdentifier()
		if err != nil {
			return nil, errors.Errorf("vz: create machine identifier: %w", err)
		}
		return id, nil
	case GuestMacOS:
		return newMacMachineIdentifier()
	default:
		return nil, ErrInvalidGuestKind
	}
}

func (b *vzBackend) LoadMachineIdentity(kind GuestKind, data []byte) (MachineIdentity, error) {
	switch kind {
	case GuestLinux:
		id, err := vz.NewGenericMachineIdentifierWithData(data)
		if err != nil {
			return nil, errors.Errorf("vz: parse machine identifier: %w", err)
		}
		return id, nil
	case GuestMacOS:
		return loadMacMachineIdentifier(data)
	default:
		return nil, ErrInvalidGuestKind
	}
}

func (b *vzBackend) CreateFirmwareStore(path string) (FirmwareStore, error) {
	store, err := vz.NewEFIVariableStore(path, vz.WithCreatingEFIVariableStore())
	if err != nil {
		return nil, errors.Errorf("vz: create EFI variable store: %w", err)
	}
	return store, nil
}

func (b *vzBackend) LoadFirmwareStore(path string) (FirmwareStore, error) {
	store, err := vz.NewEFIVariableStore(path)
	if err != nil {
		return nil, errors.Errorf("vz: open EFI variable store: %w", err)
	}
	return store, nil
}

func (b *vzBackend) BridgedInterfaces() ([]BridgedInterface, error) {
	var out []BridgedInterface
	for _, itf := range vz.NetworkInterfaces() {
		out = append(out, BridgedInterface{
			Identifier:  itf.Identifier(),
			DisplayName: itf.LocalizedDisplayName(),
		})
	}
	return out, nil
}

func (b *vzBackend) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	vmCfg, pipes, err := buildConfiguration(cfg)
	if err != nil {
		return err
	}
	pipes.close()
	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return invalidConfiguration(err)
	}
	return nil
}

func (b *vzBackend) NewMachine(ctx context.Context, cfg *VMConfig) (Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vmCfg, pipes, err := buildConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		pipes.close()
		return nil, invalidConfiguration(err)
	}
	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		pipes.close()
		return nil, errors.Errorf("vz: create VM: %w", err)
	}
	return &vzMachine{cfg: cfg, vm: vm, pipes: pipes}, nil
}

// serialPipes backs the virtio console with two pipes.
// inputReader is read by VM (we write to inputWriter)
// outputWriter is written by VM (we read from outputReader)
type serialPipes struct {
	inputReader, inputWriter   *os.File
	outputReader, outputWriter *os.File
}

func newSerialPipes() (*serialPipes, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, errors.Errorf("vz: create input pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, errors.Errorf("vz: create output pipe: %w", err)
	}
	return &serialPipes{inputReader: inR, inputWriter: inW, outputReader: outR, outputWriter: outW}, nil
}

func (p *serialPipes) close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, f := range []*os.File{p.inputReader, p.inputWriter, p.outputReader, p.outputWriter} {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildConfiguration(cfg *VMConfig) (*vz.VirtualMachineConfiguration, *serialPipes, error) {
	var (
		bootLoader vz.BootLoader
		platform   vz.PlatformConfiguration
		err        error
	)
	switch cfg.Kind {
	case GuestLinux:
		bootLoader, platform, err = linuxPlatform(cfg)
	case GuestMacOS:
		bootLoader, platform, err = macPlatform(cfg)
	default:
		err = ErrInvalidGuestKind
	}
	if err != nil {
		return nil, nil, err
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(bootLoader, cfg.CPUs, cfg.MemoryBytes)
	if err != nil {
		return nil, nil, errors.Errorf("vz: create VM config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	if err := applyStorage(vmCfg, cfg.Storage); err != nil {
		return nil, nil, err
	}
	if err := applyNetwork(vmCfg, cfg.Network); err != nil {
		return nil, nil, err
	}
	if err := applyShares(vmCfg, cfg.Shares); err != nil {
		return nil, nil, err
	}
	if cfg.Graphics != nil {
		if err := applyGraphics(vmCfg, cfg.Kind, cfg.Graphics); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Audio {
		if err := applyAudio(vmCfg); err != nil {
			return nil, nil, err
		}
	}
	if cfg.SpiceAgent {
		if err := applySpiceAgent(vmCfg); err != nil {
			return nil, nil, err
		}
	}

	var pipes *serialPipes
	if cfg.Serial {
		pipes, err = newSerialPipes()
		if err != nil {
			return nil, nil, err
		}
		att, err := vz.NewFileHandleSerialPortAttachment(pipes.inputReader, pipes.outputWriter)
		if err != nil {
			pipes.close()
			return nil, nil, errors.Errorf("vz: create serial attachment: %w", err)
		}
		serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(att)
		if err != nil {
			pipes.close()
			return nil, nil, errors.Errorf("vz: create serial config: %w", err)
		}
		vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
			serialCfg,
		})
	}

	return vmCfg, pipes, nil
}

func linuxPlatform(cfg *VMConfig) (vz.BootLoader, vz.PlatformConfiguration, error) {
	store, ok := cfg.Firmware.(*vz.EFIVariableStore)
	if !ok {
		return nil, nil, ErrMissingFirmware
	}
	id, ok := cfg.Identity.(*vz.GenericMachineIdentifier)
	if !ok {
		return nil, nil, ErrIncompatibleIdentity
	}
	bootLoader, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, nil, errors.Errorf("vz: create EFI boot loader: %w", err)
	}
	platform, err := vz.NewGenericPlatformConfiguration(vz.WithGenericMachineIdentifier(id))
	if err != nil {
		return nil, nil, errors.Errorf("vz: create platform config: %w", err)
	}
	return bootLoader, platform, nil
}

func vzCachingMode(m DiskCachingMode) vz.DiskImageCachingMode {
	switch m {
	case DiskCachingCached:
		return vz.DiskImageCachingModeCached
	case DiskCachingUncached:
		return vz.DiskImageCachingModeUncached
	default:
		return vz.DiskImageCachingModeAutomatic
	}
}

func applyStorage(vmCfg *vz.VirtualMachineConfiguration, disks []StorageDevice) error {
	var devices []vz.StorageDeviceConfiguration
	for _, d := range disks {
		att, err := vz.NewDiskImageStorageDeviceAttachmentWithCacheAndSync(
			d.Path,
			d.ReadOnly,
			vzCachingMode(d.Caching),
			vz.DiskImageSynchronizationModeFull,
		)
		if err != nil {
			return errors.Errorf("vz: attach disk %s: %w", d.Path, err)
		}
		if d.USB {
			usb, err := vz.NewUSBMassStorageDeviceConfiguration(att)
			if err != nil {
				return errors.Errorf("vz: create USB mass storage %s: %w", d.Path, err)
			}
			devices = append(devices, usb)
			continue
		}
		block, err := vz.NewVirtioBlockDeviceConfiguration(att)
		if err != nil {
			return errors.Errorf("vz: create block device %s: %w", d.Path, err)
		}
		devices = append(devices, block)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(devices)
	return nil
}

func applyNetwork(vmCfg *vz.VirtualMachineConfiguration, nics []NetworkDevice) error {
	var devices []*vz.VirtioNetworkDeviceConfiguration
	for i, n := range nics {
		var (
			att vz.NetworkDeviceAttachment
			err error
		)
		switch n.Attachment {
		case AttachNAT:
			att, err = vz.NewNATNetworkDeviceAttachment()
		case AttachBridged:
			att, err = bridgedAttachment(n.Interface)
		case AttachFileHandle:
			att, err = vz.NewFileHandleNetworkDeviceAttachment(n.Socket)
		default:
			err = ErrInvalidNetworkMode
		}
		if err != nil {
			return errors.Errorf("vz: network device %d (%s): %w", i, n.Attachment, err)
		}

		netCfg, err := vz.NewVirtioNetworkDeviceConfiguration(att)
		if err != nil {
			return errors.Errorf("vz: create network config %d: %w", i, err)
		}
		if len(n.MAC) > 0 {
			mac, err := vz.NewMACAddress(n.MAC)
			if err != nil {
				return errors.Errorf("vz: MAC address %s: %w", n.MAC, err)
			}
			netCfg.SetMACAddress(mac)
		}
		devices = append(devices, netCfg)
	}
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration(devices)
	return nil
}

func bridgedAttachment(identifier string) (vz.NetworkDeviceAttachment, error) {
	for _, itf := range vz.NetworkInterfaces() {
		if itf.Identifier() == identifier {
			return vz.NewBridgedNetworkDeviceAttachment(itf)
		}
	}
	return nil, errors.Errorf("bridge interface not found: %s", identifier)
}

func applyShares(vmCfg *vz.VirtualMachineConfiguration, shares []ShareDevice) error {
	if len(shares) == 0 {
		return nil
	}
	var devices []vz.DirectorySharingDeviceConfiguration
	for _, s := range shares {
		fsCfg, err := vz.NewVirtioFileSystemDeviceConfiguration(s.Tag)
		if err != nil {
			return errors.Errorf("vz: create fs config %s: %w", s.Tag, err)
		}
		if s.Rosetta {
			share, err := rosettaShare()
			if err != nil {
				return err
			}
			fsCfg.SetDirectoryShare(share)
		} else {
			dir, err := vz.NewSharedDirectory(s.Path, s.ReadOnly)
			if err != nil {
				return errors.Errorf("vz: create shared dir %s: %w", s.Tag, err)
			}
			share, err := vz.NewSingleDirectoryShare(dir)
			if err != nil {
				return errors.Errorf("vz: create dir share %s: %w", s.Tag, err)
			}
			fsCfg.SetDirectoryShare(share)
		}
		devices = append(devices, fsCfg)
	}
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(devices)
	return nil
}

func applyGraphics(vmCfg *vz.VirtualMachineConfiguration, kind GuestKind, g *GraphicsDevice) error {
	var gfx vz.GraphicsDeviceConfiguration
	if kind == GuestMacOS {
		mac, err := macGraphics(g)
		if err != nil {
			return err
		}
		gfx = mac
	} else {
		virtio, err := vz.NewVirtioGraphicsDeviceConfiguration()
		if err != nil {
			return errors.Errorf("vz: create graphics device: %w", err)
		}
		scanout, err := vz.NewVirtioGraphicsScanoutConfiguration(int64(g.Width), int64(g.Height))
		if err != nil {
			return errors.Errorf("vz: create graphics scanout: %w", err)
		}
		virtio.SetScanouts(scanout)
		gfx = virtio
	}
	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration([]vz.GraphicsDeviceConfiguration{gfx})

	keyboard, err := vz.NewUSBKeyboardConfiguration()
	if err != nil {
		return errors.Errorf("vz: create keyboard: %w", err)
	}
	vmCfg.SetKeyboardsVirtualMachineConfiguration([]vz.KeyboardConfiguration{keyboard})

	pointer, err := vz.NewUSBScreenCoordinatePointingDeviceConfiguration()
	if err != nil {
		return errors.Errorf("vz: create pointing device: %w", err)
	}
	vmCfg.SetPointingDevicesVirtualMachineConfiguration([]vz.PointingDeviceConfiguration{pointer})
	return nil
}

func applyAudio(vmCfg *vz.VirtualMachineConfiguration) error {
	input, err := vz.NewVirtioSoundDeviceConfiguration()
	if err != nil {
		return errors.Errorf("vz: create sound device: %w", err)
	}
	inputStream, err := vz.NewVirtioSoundDeviceHostInputStreamConfiguration()
	if err != nil {
		return errors.Errorf("vz: create input stream: %w", err)
	}
	input.SetStreams(inputStream)

	output, err := vz.NewVirtioSoundDeviceConfiguration()
	if err != nil {
		return errors.Errorf("vz: create sound device: %w", err)
	}
	outputStream, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
	if err != nil {
		return errors.Errorf("vz: create output stream: %w", err)
	}
	output.SetStreams(outputStream)

	vmCfg.SetAudioDevicesVirtualMachineConfiguration([]vz.AudioDeviceConfiguration{input, output})
	return nil
}

func applySpiceAgent(vmCfg *vz.VirtualMachineConfiguration) error {
	console, err := vz.NewVirtioConsoleDeviceConfiguration()
	if err != nil {
		return errors.Errorf("vz: create console device: %w", err)
	}
	att, err := vz.NewSpiceAgentPortAttachment()
	if err != nil {
		return errors.Errorf("vz: create spice agent attachment: %w", err)
	}
	name, err := vz.SpiceAgentPortAttachmentName()
	if err != nil {
		return errors.Errorf("vz: spice agent port name: %w", err)
	}
	port, err := vz.NewVirtioConsolePortConfiguration(
		vz.WithVirtioConsolePortConfigurationAttachment(att),
		vz.WithVirtioConsolePortConfigurationName(name),
	)
	if err != nil {
		return errors.Errorf("vz: create spice agent port: %w", err)
	}
	console.SetVirtioConsolePortConfiguration(0, port)
	vmCfg.SetConsoleDevicesVirtualMachineConfiguration([]vz.ConsoleDeviceConfiguration{console})
	return nil
}

// vzMachine implements Machine on a vz.VirtualMachine.
type vzMachine struct {
	mu      sync.Mutex
	cfg     *VMConfig
	vm      *vz.VirtualMachine
	pipes   *serialPipes
	started bool
}

func (m *vzMachine) Start(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil, ErrAlreadyRunning
	}
	if err := m.vm.Start(); err != nil {
		return nil, errors.Errorf("vz: start VM: %w", err)
	}
	m.started = true

	events := make(chan Event, EventBuffer)
	events <- Event{Type: EventStarted, Device: -1}
	go m.watch(events)
	return events, nil
}

// watch translates state notifications into a single terminal event.
func (m *vzMachine) watch(events chan<- Event) {
	defer close(events)
	for state := range m.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			events <- Event{Type: EventStopped, Device: -1}
			return
		case vz.VirtualMachineStateError:
			events <- Event{Type: EventFailed, Device: -1, Err: errors.New("vz: virtual machine stopped with error")}
			return
		}
	}
}

func (m *vzMachine) Install(ctx context.Context, restoreImage string, progress func(float64)) error {
	if m.cfg.Kind != GuestMacOS {
		return ErrUnsupportedGuest
	}
	return installMacOS(ctx, m.vm, restoreImage, progress)
}

func (m *vzMachine) RequestStop(ctx context.Context) error {
	if !m.vm.CanRequestStop() {
		return ErrNotRunning
	}
	ok, err := m.vm.RequestStop()
	if err != nil || !ok {
		return errors.Errorf("vz: request stop failed: %w", err)
	}
	return nil
}

func (m *vzMachine) Stop(ctx context.Context) error {
	if !m.vm.CanStop() {
		return ErrNotRunning
	}
	if err := m.vm.Stop(); err != nil {
		return errors.Errorf("vz: force stop: %w", err)
	}
	return nil
}

func (m *vzMachine) Console() (io.Writer, io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pipes == nil {
		return nil, nil, ErrNoConsole
	}
	return m.pipes.inputWriter, m.pipes.outputReader, nil
}

func (m *vzMachine) CloseConsole() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.pipes.close()
	m.pipes = nil
	if err != nil {
		return errors.Errorf("vz: close console: %w", err)
	}
	return nil
}

func (m *vzMachine) ShowWindow(width, height int, title string) error {
	// AppKit must own the main thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return m.vm.StartGraphicApplication(
		float64(width),
		float64(height),
		vz.WithWindowTitle(title),
		vz.WithController(true),
	)
}
