package vm

import (
	"context"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
	"github.com/javanstorm/vzcli/internal/devconf"
	"github.com/javanstorm/vzcli/internal/timing"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// Exit codes returned by Run.
const (
	ExitClean  = 0
	ExitFailed = 1
)

// ErrVMFailed is returned when the guest stops with an error.
var ErrVMFailed = errors.New("virtual machine stopped with an error")

// Options configures one launch.
type Options struct {
	BundlePath string

	CPUs        uint
	MemoryBytes uint64

	Network []devconf.NetworkDevice
	Shares  []devconf.Share
	Display devconf.Display

	// Install requests a fresh install. Nil resumes an existing bundle.
	Install *InstallSource

	// Graphics attaches a display with keyboard and pointer.
	Graphics bool
	Audio    bool
	Serial   bool

	// Presenter shows the running machine. Nil runs headless.
	Presenter Presenter
}

// Controller drives a bundle from decision to termination.
type Controller struct {
	backend hypervisor.Backend
	store   *bundle.Store
	builder *DeviceBuilder
	lock    func(*bundle.Bundle) (bundle.Unlocker, error)

	mu    sync.Mutex
	state State
}

// NewController returns a controller using backend, with user-mode network
// paths established through network.
func NewController(backend hypervisor.Backend, network Establisher) *Controller {
	return &Controller{
		backend: backend,
		store:   bundle.NewStore(backend),
		builder: NewDeviceBuilder(backend, network),
		lock:    bundle.Lock,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(ctx context.Context, s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	slogctx.Debug(ctx, "state transition", "from", prev, "to", s)
}

// session holds what a launch must release once the guest is done.
type session struct {
	unlock  bundle.Unlocker
	devices *Devices
	machine hypervisor.Machine
	state   *bundle.StateFile
	booted  bool

	// scratch is the root of a bundle this launch created and locked. It is
	// removed on close unless the guest started or installed.
	scratch string

	once sync.Once
}

func (s *session) close(ctx context.Context, code int) {
	s.once.Do(func() {
		if s.machine != nil {
			if err := s.machine.CloseConsole(); err != nil {
				slogctx.Warn(ctx, "closing console", "error", err)
			}
		}
		if s.devices != nil {
			if err := s.devices.Close(); err != nil {
				slogctx.Warn(ctx, "closing network paths", "error", err)
			}
		}
		if s.booted {
			if err := s.state.RecordShutdown(code == ExitClean); err != nil {
				slogctx.Warn(ctx, "recording shutdown", "error", err)
			}
		}
		if s.unlock != nil {
			if err := s.unlock.Unlock(); err != nil {
				slogctx.Warn(ctx, "releasing bundle lock", "error", err)
			}
		}
		if s.scratch != "" {
			slogctx.Info(ctx, "removing incomplete bundle", "path", s.scratch)
			if err := os.RemoveAll(s.scratch); err != nil {
				slogctx.Warn(ctx, "removing incomplete bundle", "error", err)
			}
		}
	})
}

// Run launches the bundle described by opts and blocks until the guest
// terminates. It returns the process exit code; the error explains a
// non-zero code.
func (c *Controller) Run(ctx context.Context, opts Options) (int, error) {
	ctx = slogctx.With(ctx, "bundle", opts.BundlePath)
	timer := timing.New()
	s := &session{}
	code := ExitFailed
	defer func() {
		s.close(ctx, code)
		c.setState(ctx, StateTerminated)
	}()

	decision, err := Decide(opts.BundlePath, opts.Install)
	if err != nil {
		c.setState(ctx, decision.State)
		return code, err
	}
	c.setState(ctx, decision.State)
	guest, err := GuestFor(decision.Kind)
	if err != nil {
		return code, err
	}
	ctx = slogctx.With(ctx, "guest", decision.Kind)

	var b *bundle.Bundle
	var id *Identity
	if decision.State == StateNeedsInstall {
		b, id, err = c.install(ctx, guest, opts.BundlePath, opts.Install, s)
	} else {
		b, id, err = c.resume(ctx, guest, opts.BundlePath, s)
	}
	if err != nil {
		return code, err
	}
	s.state = bundle.NewStateFile(b)
	timer.Mark("bundle")

	cpus, memory := c.resources(ctx, opts.CPUs, opts.MemoryBytes, id)
	devices, err := c.builder.Build(ctx, guest, BuildInput{
		Bundle:      b,
		Identity:    id,
		CPUs:        cpus,
		MemoryBytes: memory,
		Network:     opts.Network,
		Shares:      opts.Shares,
		Display:     opts.Display,
		Graphics:    opts.Graphics,
		Audio:       opts.Audio,
		Serial:      opts.Serial,
	})
	if err != nil {
		return code, errors.Errorf("building devices: %w", err)
	}
	s.devices = devices
	timer.Mark("devices")

	if err := c.backend.Validate(ctx, devices.Config); err != nil {
		return code, errors.Errorf("invalid virtual machine configuration: %w", err)
	}
	machine, err := c.backend.NewMachine(ctx, devices.Config)
	if err != nil {
		return code, errors.Errorf("creating virtual machine: %w", err)
	}
	s.machine = machine
	timer.Mark("configure")

	if decision.State == StateNeedsInstall && decision.Kind == bundle.KindMacOS {
		code, err = c.runInstaller(ctx, machine, id)
		if err == nil {
			s.scratch = ""
		}
		return code, err
	}

	events, err := machine.Start(ctx)
	if err != nil {
		return code, errors.Errorf("starting virtual machine: %w", err)
	}
	s.scratch = ""
	c.setState(ctx, StateRunning)
	if err := s.state.RecordBoot(); err != nil {
		slogctx.Warn(ctx, "recording boot", "error", err)
	}
	s.booted = true
	timer.Mark("start")
	timer.Log(ctx, "virtual machine launched")

	code, err = c.supervise(ctx, machine, events, opts.Presenter, s)
	return code, err
}

// install creates and locks the bundle and its identity. Until the guest
// first starts or installs, closing s removes the bundle again.
func (c *Controller) install(ctx context.Context, guest Guest, path string, src *InstallSource, s *session) (*bundle.Bundle, *Identity, error) {
	if src.Image != "" {
		if err := requireFile(src.Image); err != nil {
			return nil, nil, &DeviceError{Device: "install media", Reason: "can't read " + src.Image, Err: err}
		}
	}
	b, err := bundle.Create(path, guest.Kind())
	if err != nil {
		return nil, nil, err
	}
	if s.unlock, err = c.lock(b); err != nil {
		// Another session owns the directory now; leave it alone.
		return nil, nil, err
	}
	s.scratch = b.Root

	if err := bundle.AllocateDiskImage(b, src.DiskSizeGiB); err != nil {
		return nil, nil, err
	}
	slogctx.Info(ctx, "bundle created", "disk", humanize.IBytes(src.DiskSizeGiB<<30))

	id, err := guest.Create(ctx, Env{Backend: c.backend, Store: c.store, Bundle: b}, src)
	if err != nil {
		return nil, nil, err
	}
	if _, err := bundle.NewStateFile(b).Init(guest.Kind(), src.DiskSizeGiB<<30); err != nil {
		return nil, nil, err
	}
	return b, id, nil
}

func (c *Controller) resume(ctx context.Context, guest Guest, path string, s *session) (*bundle.Bundle, *Identity, error) {
	b, err := bundle.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if s.unlock, err = c.lock(b); err != nil {
		return nil, nil, err
	}
	id, err := guest.Load(ctx, Env{Backend: c.backend, Store: c.store, Bundle: b})
	if err != nil {
		return nil, nil, err
	}
	return b, id, nil
}

// resources clamps the requested CPUs and memory to what the backend and the
// restore image allow.
func (c *Controller) resources(ctx context.Context, cpus uint, memory uint64, id *Identity) (uint, uint64) {
	caps := c.backend.Capabilities()
	if id.MinCPUs > cpus {
		cpus = id.MinCPUs
	}
	if id.MinMemoryBytes > memory {
		memory = id.MinMemoryBytes
	}
	if clamped := caps.ClampCPUs(cpus); clamped != cpus {
		slogctx.Warn(ctx, "cpu count out of range, clamping", "requested", cpus, "using", clamped)
		cpus = clamped
	}
	if clamped := caps.ClampMemory(memory); clamped != memory {
		slogctx.Warn(ctx, "memory size out of range, clamping",
			"requested", humanize.IBytes(memory), "using", humanize.IBytes(clamped))
		memory = clamped
	}
	return cpus, memory
}

func (c *Controller) runInstaller(ctx context.Context, m hypervisor.Machine, id *Identity) (int, error) {
	slogctx.Info(ctx, "installing macOS", "restore_image", id.RestoreImage)
	if err := m.Install(ctx, id.RestoreImage, progressLogger(ctx, "installing macOS")); err != nil {
		return ExitFailed, errors.Errorf("installing macOS: %w", err)
	}
	slogctx.Info(ctx, "installation succeeded")
	return ExitClean, nil
}

type outcome struct {
	code int
	err  error
}

// supervise consumes events until the terminal one. With a presenter, the
// presenter runs on the calling goroutine; closing it asks the guest to stop.
func (c *Controller) supervise(ctx context.Context, m hypervisor.Machine, events <-chan hypervisor.Event, p Presenter, s *session) (int, error) {
	var out outcome
	done := make(chan struct{})
	go func() {
		out = drain(ctx, events)
		c.setState(ctx, StateTerminated)
		s.close(ctx, out.code)
		close(done)
		if p != nil {
			p.Dismiss(out.code)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			slogctx.Info(ctx, "interrupted, asking guest to stop")
			stopMachine(context.WithoutCancel(ctx), m)
		case <-done:
		}
	}()

	if p != nil {
		perr := p.Present(ctx, m)
		select {
		case <-done:
		default:
			if perr != nil {
				slogctx.Warn(ctx, "presenter failed", "error", perr)
			}
			slogctx.Info(ctx, "display closed, asking guest to stop")
			stopMachine(context.WithoutCancel(ctx), m)
		}
	}

	<-done
	return out.code, out.err
}

func stopMachine(ctx context.Context, m hypervisor.Machine) {
	if err := m.RequestStop(ctx); err != nil {
		slogctx.Warn(ctx, "guest stop request failed, forcing stop", "error", err)
		if err := m.Stop(ctx); err != nil {
			slogctx.Error(ctx, "forcing stop", "error", err)
		}
	}
}

func drain(ctx context.Context, events <-chan hypervisor.Event) outcome {
	for ev := range events {
		switch ev.Type {
		case hypervisor.EventStarted:
			slogctx.Info(ctx, "virtual machine started")
		case hypervisor.EventDisconnected:
			slogctx.Warn(ctx, "network device disconnected", "device", ev.Device, "error", ev.Err)
		case hypervisor.EventStopped:
			slogctx.Info(ctx, "guest stopped")
			return outcome{code: ExitClean}
		case hypervisor.EventFailed:
			err := ErrVMFailed
			if ev.Err != nil {
				err = errors.Join(ErrVMFailed, ev.Err)
			}
			slogctx.Error(ctx, "guest failed", "error", ev.Err)
			return outcome{code: ExitFailed, err: err}
		}
	}
	return outcome{code: ExitFailed, err: errors.New("event stream closed without a terminal event")}
}
