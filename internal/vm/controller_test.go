package vm_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/internal/testutil"
	"github.com/javanstorm/vzcli/internal/vm"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

var stopped = hypervisor.Event{Type: hypervisor.EventStopped, Device: -1}

func linuxInstall(t *testing.T) *vm.InstallSource {
	t.Helper()
	iso := filepath.Join(t.TempDir(), "install.iso")
	testutil.CreateTestDisk(t, iso, 1)
	return &vm.InstallSource{Kind: bundle.KindLinux, Image: iso, DiskSizeGiB: 1}
}

func baseOptions(path string) vm.Options {
	return vm.Options{
		BundlePath:  path,
		CPUs:        4,
		MemoryBytes: 8 << 30,
		Display:     devconf.Display{Width: 1280, Height: 800, PPI: devconf.DefaultPPI},
	}
}

func TestRunInstallThenResumeLinux(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{stopped}
	path := filepath.Join(t.TempDir(), "vm")

	opts := baseOptions(path)
	opts.Install = linuxInstall(t)
	opts.Network = mustParseNetwork(t, "user:2222:22")

	ctrl := vm.NewController(backend, newRecordingNetwork())
	code, err := ctrl.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)
	assert.Equal(t, vm.StateTerminated, ctrl.State())

	calls := backend.Calls()
	assert.Equal(t, 1, calls.CreateIdentity)
	assert.Equal(t, 1, calls.CreateFirmware)
	assert.Equal(t, 1, calls.NewMachine)

	machines := backend.Machines()
	require.Len(t, machines, 1)
	require.Len(t, machines[0].Config.Storage, 2)
	assert.True(t, machines[0].Config.Storage[0].USB)
	assert.Equal(t, 1, machines[0].ConsoleCloses())

	// Resuming loads the persisted identity and creates nothing.
	opts.Install = nil
	code, err = vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)

	calls = backend.Calls()
	assert.Equal(t, 1, calls.CreateIdentity)
	assert.Equal(t, 1, calls.CreateFirmware)
	assert.Equal(t, 1, calls.LoadIdentity)
	// Creating the firmware store reopens it once.
	assert.Equal(t, 2, calls.LoadFirmware)

	machines = backend.Machines()
	require.Len(t, machines, 2)
	require.Len(t, machines[1].Config.Storage, 1)
	assert.False(t, machines[1].Config.Storage[0].USB)

	b, err := bundle.Open(path)
	require.NoError(t, err)
	state, err := bundle.NewStateFile(b).Load()
	require.NoError(t, err)
	assert.Equal(t, 2, state.BootCount)
	assert.True(t, state.CleanShutdown)

	locked, err := bundle.Locked(b)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRunClampsResources(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{stopped}
	opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
	opts.Install = linuxInstall(t)
	opts.CPUs = 64
	opts.MemoryBytes = 64 << 30

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)

	cfg := backend.Machines()[0].Config
	assert.Equal(t, backend.Caps.MaxCPUs, cfg.CPUs)
	assert.Equal(t, backend.Caps.MaxMemory, cfg.MemoryBytes)
}

func TestRunEvents(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		script   []hypervisor.Event
		wantCode int
		wantErr  error
	}{
		{
			name: "disconnect is not terminal",
			script: []hypervisor.Event{
				{Type: hypervisor.EventDisconnected, Device: 0, Err: errors.New("link down")},
				stopped,
			},
			wantCode: vm.ExitClean,
		},
		{
			name:     "failure exits one",
			script:   []hypervisor.Event{{Type: hypervisor.EventFailed, Device: -1, Err: boom}},
			wantCode: vm.ExitFailed,
			wantErr:  boom,
		},
		{
			name:     "failure without cause",
			script:   []hypervisor.Event{{Type: hypervisor.EventFailed, Device: -1}},
			wantCode: vm.ExitFailed,
			wantErr:  vm.ErrVMFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := testutil.NewFakeBackend()
			backend.Script = tt.script
			opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
			opts.Install = linuxInstall(t)

			code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, vm.ErrVMFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunStartFailure(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.StartErr = errors.New("no entitlement")
	opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
	opts.Install = linuxInstall(t)

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, backend.StartErr)
}

func TestRunValidationFailureClosesNetwork(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.ValidateErr = hypervisor.ErrInvalidNetworkMode
	network := newRecordingNetwork()
	opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
	opts.Install = linuxInstall(t)
	opts.Network = mustParseNetwork(t, "user")

	code, err := vm.NewController(backend, network).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, hypervisor.ErrInvalidNetworkMode)
	assert.Zero(t, backend.Calls().NewMachine)

	handles := network.Handles()
	require.Len(t, handles, 1)
	assertClosed(t, handles[0])
}

func TestRunMissingBundle(t *testing.T) {
	backend := testutil.NewFakeBackend()
	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), baseOptions(filepath.Join(t.TempDir(), "vm")))
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, vm.ErrBundleNotFound)
	assert.Zero(t, backend.Calls().NewMachine)
}

func TestRunInstallOverExistingBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm")
	_, err := bundle.Create(path, bundle.KindLinux)
	require.NoError(t, err)

	opts := baseOptions(path)
	opts.Install = linuxInstall(t)
	code, err := vm.NewController(testutil.NewFakeBackend(), newRecordingNetwork()).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, bundle.ErrAlreadyExists)

	// The existing bundle is left alone.
	_, err = bundle.Open(path)
	assert.NoError(t, err)
}

func TestRunFailedInstallRemovesBundle(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options)
	}{
		{
			name: "missing restore image",
			prepare: func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options) {
				opts.Install = &vm.InstallSource{Kind: bundle.KindMacOS, Image: filepath.Join(t.TempDir(), "missing.ipsw"), DiskSizeGiB: 1}
			},
		},
		{
			name: "missing shared directory",
			prepare: func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options) {
				opts.Shares = []devconf.Share{{Tag: "data", Dir: filepath.Join(t.TempDir(), "missing")}}
			},
		},
		{
			name: "invalid configuration",
			prepare: func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options) {
				backend.ValidateErr = hypervisor.ErrInvalidShare
			},
		},
		{
			name: "start failure",
			prepare: func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options) {
				backend.StartErr = errors.New("no entitlement")
			},
		},
		{
			name: "macOS installer failure",
			prepare: func(t *testing.T, backend *testutil.FakeBackend, opts *vm.Options) {
				opts.Install = &vm.InstallSource{Kind: bundle.KindMacOS, DiskSizeGiB: 1}
				backend.InstallErr = errors.New("installer crashed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := testutil.NewFakeBackend()
			path := filepath.Join(t.TempDir(), "vm")
			opts := baseOptions(path)
			opts.Install = linuxInstall(t)
			tt.prepare(t, backend, &opts)

			code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
			assert.Equal(t, vm.ExitFailed, code)
			assert.Error(t, err)
			assert.NoDirExists(t, path)
		})
	}
}

func TestRunRetryAfterFailedInstall(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{stopped}
	path := filepath.Join(t.TempDir(), "vm")
	opts := baseOptions(path)
	opts.Install = &vm.InstallSource{Kind: bundle.KindLinux, Image: filepath.Join(t.TempDir(), "typo.iso"), DiskSizeGiB: 1}

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	var devErr *vm.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "install media", devErr.Device)
	assert.NoDirExists(t, path)
	assert.Zero(t, backend.Calls().CreateIdentity)

	opts.Install = linuxInstall(t)
	code, err = vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)

	machines := backend.Machines()
	require.Len(t, machines, 1)
	require.Len(t, machines[0].Config.Storage, 2)
	assert.True(t, machines[0].Config.Storage[0].USB)
}

func TestRunFirstBootFailureKeepsBundle(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{{Type: hypervisor.EventFailed, Device: -1}}
	path := filepath.Join(t.TempDir(), "vm")
	opts := baseOptions(path)
	opts.Install = linuxInstall(t)

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, vm.ErrVMFailed)

	b, err := bundle.Open(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.KindLinux, b.Kind)
}

func TestRunBundleInUse(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{stopped}
	path := filepath.Join(t.TempDir(), "vm")
	opts := baseOptions(path)
	opts.Install = linuxInstall(t)
	_, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)

	b, err := bundle.Open(path)
	require.NoError(t, err)
	unlock, err := bundle.Lock(b)
	require.NoError(t, err)
	defer unlock.Unlock()

	opts.Install = nil
	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	assert.Equal(t, vm.ExitFailed, code)
	assert.ErrorIs(t, err, bundle.ErrAlreadyRunning)
	assert.Equal(t, 1, backend.Calls().NewMachine)
}

func TestRunMacOSInstall(t *testing.T) {
	backend := testutil.NewFakeBackend()
	path := filepath.Join(t.TempDir(), "mac")
	opts := baseOptions(path)
	opts.CPUs = 1
	opts.MemoryBytes = 1 << 30
	opts.Install = &vm.InstallSource{Kind: bundle.KindMacOS, DiskSizeGiB: 1}

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)

	calls := backend.Calls()
	assert.Equal(t, 1, calls.FetchRestoreImage)
	assert.Equal(t, 1, calls.CreateAuxiliary)
	assert.Equal(t, 1, calls.CreateIdentity)
	assert.Zero(t, calls.CreateFirmware)

	machines := backend.Machines()
	require.Len(t, machines, 1)
	assert.Equal(t, 1, machines[0].Installs())
	// Raised to the restore image minimums.
	assert.Equal(t, uint(2), machines[0].Config.CPUs)
	assert.Equal(t, uint64(4<<30), machines[0].Config.MemoryBytes)

	b, err := bundle.Open(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.KindMacOS, b.Kind)
	assert.FileExists(t, b.RestoreImagePath())
	assert.FileExists(t, b.HardwareModelPath())
}

func TestRunMacOSResume(t *testing.T) {
	backend := testutil.NewFakeBackend()
	backend.Script = []hypervisor.Event{stopped}
	path := filepath.Join(t.TempDir(), "mac")
	opts := baseOptions(path)
	opts.Install = &vm.InstallSource{Kind: bundle.KindMacOS, DiskSizeGiB: 1}
	_, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)

	opts.Install = nil
	opts.Graphics = true
	code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)

	calls := backend.Calls()
	assert.Equal(t, 1, calls.CreateIdentity)
	assert.Equal(t, 1, calls.LoadIdentity)
	assert.Equal(t, 2, calls.LoadAuxiliary)

	cfg := backend.Machines()[1].Config
	assert.Equal(t, hypervisor.GuestMacOS, cfg.Kind)
	assert.NotNil(t, cfg.Platform)
	assert.Equal(t, &hypervisor.GraphicsDevice{Width: 1280, Height: 800, PPI: devconf.DefaultPPI}, cfg.Graphics)
	assert.Equal(t, hypervisor.DiskCachingAutomatic, cfg.Storage[0].Caching)
	assert.False(t, cfg.SpiceAgent)
}

// fakePresenter blocks in Present until dismissed, or returns at once when
// closeFirst is set.
type fakePresenter struct {
	closeFirst bool

	once      sync.Once
	dismissed chan struct{}
	mu        sync.Mutex
	code      int
	presented int
}

func newFakePresenter(closeFirst bool) *fakePresenter {
	return &fakePresenter{closeFirst: closeFirst, dismissed: make(chan struct{}), code: -1}
}

func (p *fakePresenter) Present(ctx context.Context, m hypervisor.Machine) error {
	p.mu.Lock()
	p.presented++
	p.mu.Unlock()
	if p.closeFirst {
		return nil
	}
	<-p.dismissed
	return nil
}

func (p *fakePresenter) Dismiss(code int) {
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	p.once.Do(func() { close(p.dismissed) })
}

func (p *fakePresenter) Code() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func TestRunPresenter(t *testing.T) {
	t.Run("guest stops first", func(t *testing.T) {
		backend := testutil.NewFakeBackend()
		backend.Script = []hypervisor.Event{stopped}
		p := newFakePresenter(false)
		opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
		opts.Install = linuxInstall(t)
		opts.Presenter = p

		code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, vm.ExitClean, code)
		assert.Equal(t, vm.ExitClean, p.Code())
		assert.Zero(t, backend.Machines()[0].RequestStops())
	})

	t.Run("presenter closed first", func(t *testing.T) {
		backend := testutil.NewFakeBackend()
		p := newFakePresenter(true)
		opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
		opts.Install = linuxInstall(t)
		opts.Presenter = p

		code, err := vm.NewController(backend, newRecordingNetwork()).Run(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, vm.ExitClean, code)
		assert.Equal(t, 1, backend.Machines()[0].RequestStops())
		assert.Equal(t, vm.ExitClean, p.Code())
	})
}

func TestRunInterruptRequestsStop(t *testing.T) {
	backend := testutil.NewFakeBackend()
	opts := baseOptions(filepath.Join(t.TempDir(), "vm"))
	opts.Install = linuxInstall(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(backend.Machines()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	code, err := vm.NewController(backend, newRecordingNetwork()).Run(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, vm.ExitClean, code)
	assert.Equal(t, 1, backend.Machines()[0].RequestStops())
}

func TestWindowPresenterShowsMachineWindow(t *testing.T) {
	backend := testutil.NewFakeBackend()
	m, err := backend.NewMachine(context.Background(), &hypervisor.VMConfig{})
	require.NoError(t, err)

	p := vm.NewWindowPresenter(devconf.Display{Width: 800, Height: 600}, "vm")
	require.NoError(t, p.Present(context.Background(), m))
	assert.Equal(t, 1, backend.Machines()[0].Windows())
}
