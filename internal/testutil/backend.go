package testutil

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Contents written by the fake backend to the files it creates.
const (
	firmwareMagic  = "fake-efi-variable-store"
	auxiliaryMagic = "fake-auxiliary-storage"
	hardwarePrefix = "hw:"
)

// Counters records how often each backend operation was called.
type Counters struct {
	CreateIdentity    int
	LoadIdentity      int
	CreateFirmware    int
	LoadFirmware      int
	LoadHardwareModel int
	CreateAuxiliary   int
	LoadAuxiliary     int
	LoadRestoreImage  int
	FetchRestoreImage int
	Validate          int
	NewMachine        int
}

// FakeIdentity is the identity issued by FakeBackend.
type FakeIdentity struct{ Data []byte }

func (i *FakeIdentity) DataRepresentation() []byte { return i.Data }

// FakeFile is a firmware store or auxiliary storage created by FakeBackend.
type FakeFile struct{ path string }

func (f *FakeFile) Path() string { return f.path }

// FakeHardwareModel is the hardware model reported by FakeBackend.
type FakeHardwareModel struct {
	Data        []byte
	IsSupported bool
}

func (m *FakeHardwareModel) DataRepresentation() []byte { return m.Data }
func (m *FakeHardwareModel) Supported() bool            { return m.IsSupported }

// FakeBackend implements hypervisor.Backend in memory. Identity blobs are
// prefixed with the guest kind so loading a blob under the wrong kind fails.
type FakeBackend struct {
	mu sync.Mutex

	Caps    hypervisor.Capabilities
	Bridged []hypervisor.BridgedInterface

	// UnsupportedModel makes loaded hardware models report unsupported.
	UnsupportedModel bool

	ValidateErr   error
	NewMachineErr error

	// Script is the event sequence every new machine emits after Started.
	// Without a terminal event the machine runs until stopped.
	Script []hypervisor.Event
	// StartErr is returned by Start of every new machine.
	StartErr   error
	InstallErr error
	// ConsoleOutput is what the serial console of a new machine prints.
	ConsoleOutput string

	calls    Counters
	machines []*FakeMachine
}

// NewFakeBackend returns a backend with every capability enabled.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Caps: hypervisor.Capabilities{
			SharedDirs:  true,
			Networking:  true,
			Bridged:     true,
			Rosetta:     true,
			MacOSGuests: true,
			Graphics:    true,
			Audio:       true,
			MinCPUs:     1,
			MaxCPUs:     8,
			MinMemory:   128 * 1024 * 1024,
			MaxMemory:   16 * 1024 * 1024 * 1024,
		},
		Bridged: []hypervisor.BridgedInterface{
			{Identifier: "en0", DisplayName: "Ethernet"},
			{Identifier: "en1", DisplayName: "Wi-Fi"},
		},
	}
}

// Calls returns a snapshot of the call counters.
func (b *FakeBackend) Calls() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Machines returns the machines created so far.
func (b *FakeBackend) Machines() []*FakeMachine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeMachine(nil), b.machines...)
}

func (b *FakeBackend) count(f func(c *Counters)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(&b.calls)
}

func (b *FakeBackend) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "1", Arch: "test"}
}

func (b *FakeBackend) Capabilities() hypervisor.Capabilities { return b.Caps }

func (b *FakeBackend) BridgedInterfaces() ([]hypervisor.BridgedInterface, error) {
	return b.Bridged, nil
}

func (b *FakeBackend) CreateMachineIdentity(kind hypervisor.GuestKind) (hypervisor.MachineIdentity, error) {
	b.count(func(c *Counters) { c.CreateIdentity++ })
	if !kind.Valid() {
		return nil, hypervisor.ErrInvalidGuestKind
	}
	return &FakeIdentity{Data: []byte(string(kind) + ":" + uuid.NewString())}, nil
}

func (b *FakeBackend) LoadMachineIdentity(kind hypervisor.GuestKind, data []byte) (hypervisor.MachineIdentity, error) {
	b.count(func(c *Counters) { c.LoadIdentity++ })
	if !bytes.HasPrefix(data, []byte(string(kind)+":")) {
		return nil, errors.New("fake: identity blob does not match guest kind")
	}
	return &FakeIdentity{Data: append([]byte(nil), data...)}, nil
}

func (b *FakeBackend) CreateFirmwareStore(path string) (hypervisor.FirmwareStore, error) {
	b.count(func(c *Counters) { c.CreateFirmware++ })
	return createMagicFile(path, firmwareMagic)
}

func (b *FakeBackend) LoadFirmwareStore(path string) (hypervisor.FirmwareStore, error) {
	b.count(func(c *Counters) { c.LoadFirmware++ })
	return loadMagicFile(path, firmwareMagic)
}

func (b *FakeBackend) LoadRestoreImage(ctx context.Context, path string) (*hypervisor.RestoreImage, error) {
	b.count(func(c *Counters) { c.LoadRestoreImage++ })
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Errorf("fake: restore image: %w", err)
	}
	return &hypervisor.RestoreImage{
		Path:           path,
		HardwareModel:  &FakeHardwareModel{Data: []byte(hardwarePrefix + "fake"), IsSupported: true},
		MinCPUs:        2,
		MinMemoryBytes: 4 * 1024 * 1024 * 1024,
	}, nil
}

func (b *FakeBackend) FetchRestoreImage(ctx context.Context, dest string, progress func(float64)) error {
	b.count(func(c *Counters) { c.FetchRestoreImage++ })
	if err := os.WriteFile(dest, []byte("fake-ipsw"), 0644); err != nil {
		return errors.Errorf("fake: fetch restore image: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

func (b *FakeBackend) LoadHardwareModel(data []byte) (hypervisor.HardwareModel, error) {
	b.count(func(c *Counters) { c.LoadHardwareModel++ })
	if !bytes.HasPrefix(data, []byte(hardwarePrefix)) {
		return nil, errors.New("fake: unparsable hardware model")
	}
	return &FakeHardwareModel{Data: append([]byte(nil), data...), IsSupported: !b.UnsupportedModel}, nil
}

func (b *FakeBackend) CreateAuxiliaryStorage(path string, model hypervisor.HardwareModel) (hypervisor.AuxiliaryStorage, error) {
	b.count(func(c *Counters) { c.CreateAuxiliary++ })
	if model == nil {
		return nil, errors.New("fake: hardware model required")
	}
	return createMagicFile(path, auxiliaryMagic)
}

func (b *FakeBackend) LoadAuxiliaryStorage(path string) (hypervisor.AuxiliaryStorage, error) {
	b.count(func(c *Counters) { c.LoadAuxiliary++ })
	return loadMagicFile(path, auxiliaryMagic)
}

func (b *FakeBackend) Validate(ctx context.Context, cfg *hypervisor.VMConfig) error {
	b.count(func(c *Counters) { c.Validate++ })
	if err := cfg.Validate(); err != nil {
		return err
	}
	return b.ValidateErr
}

func (b *FakeBackend) NewMachine(ctx context.Context, cfg *hypervisor.VMConfig) (hypervisor.Machine, error) {
	b.count(func(c *Counters) { c.NewMachine++ })
	if b.NewMachineErr != nil {
		return nil, b.NewMachineErr
	}
	m := &FakeMachine{
		Config:        cfg,
		script:        b.Script,
		startErr:      b.StartErr,
		installErr:    b.InstallErr,
		consoleOutput: b.ConsoleOutput,
		stop:          make(chan struct{}),
	}
	b.mu.Lock()
	b.machines = append(b.machines, m)
	b.mu.Unlock()
	return m, nil
}

func createMagicFile(path, magic string) (*FakeFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Errorf("fake: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(magic); err != nil {
		return nil, errors.Errorf("fake: write %s: %w", path, err)
	}
	return &FakeFile{path: path}, nil
}

func loadMagicFile(path, magic string) (*FakeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("fake: read %s: %w", path, err)
	}
	if string(data) != magic {
		return nil, errors.Errorf("fake: %s is not a %s", path, magic)
	}
	return &FakeFile{path: path}, nil
}

// FakeMachine is a machine created by FakeBackend.
type FakeMachine struct {
	// Config is the configuration the machine was built from.
	Config *hypervisor.VMConfig

	mu            sync.Mutex
	script        []hypervisor.Event
	startErr      error
	installErr    error
	consoleOutput string
	console       bytes.Buffer

	started       bool
	installs      int
	requestStops  int
	stops         int
	windows       int
	consoleCloses int
	stop          chan struct{}
	stopOnce      sync.Once
}

// Start emits Started, then the backend's script. Unless the script ends
// with a terminal event, Stopped follows a stop request.
func (m *FakeMachine) Start(ctx context.Context) (<-chan hypervisor.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.started {
		return nil, hypervisor.ErrAlreadyRunning
	}
	m.started = true

	events := make(chan hypervisor.Event, hypervisor.EventBuffer)
	events <- hypervisor.Event{Type: hypervisor.EventStarted, Device: -1}
	go func() {
		defer close(events)
		for _, ev := range m.script {
			events <- ev
			if ev.Terminal() {
				return
			}
		}
		<-m.stop
		events <- hypervisor.Event{Type: hypervisor.EventStopped, Device: -1}
	}()
	return events, nil
}

func (m *FakeMachine) Install(ctx context.Context, restoreImage string, progress func(float64)) error {
	m.mu.Lock()
	m.installs++
	m.mu.Unlock()

	if progress != nil {
		progress(0.5)
		progress(1)
	}
	return m.installErr
}

func (m *FakeMachine) RequestStop(ctx context.Context) error {
	m.mu.Lock()
	m.requestStops++
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *FakeMachine) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *FakeMachine) Console() (io.Writer, io.Reader, error) {
	if !m.Config.Serial {
		return nil, nil, hypervisor.ErrNoConsole
	}
	return &lockedWriter{mu: &m.mu, w: &m.console}, strings.NewReader(m.consoleOutput), nil
}

func (m *FakeMachine) CloseConsole() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consoleCloses++
	return nil
}

func (m *FakeMachine) ShowWindow(width, height int, title string) error {
	m.mu.Lock()
	m.windows++
	m.mu.Unlock()
	return nil
}

// ConsoleInput returns everything written to the serial console.
func (m *FakeMachine) ConsoleInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.console.String()
}

// Installs returns how often Install was called.
func (m *FakeMachine) Installs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs
}

// RequestStops returns how often RequestStop was called.
func (m *FakeMachine) RequestStops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestStops
}

// Stops returns how often Stop was called.
func (m *FakeMachine) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// ConsoleCloses returns how often CloseConsole was called.
func (m *FakeMachine) ConsoleCloses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consoleCloses
}

// Windows returns how often ShowWindow was called.
func (m *FakeMachine) Windows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
