package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/bundle"
	"github.com/javanstorm/vzcli/internal/config"
	"github.com/javanstorm/vzcli/internal/gui"
	"github.com/javanstorm/vzcli/internal/terminal"
	"github.com/javanstorm/vzcli/internal/vm"
)

func newRunCmd(e *env) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [flags] <bundle>",
		Short: "Install or boot the VM in a bundle",
		Long: `Boot the VM stored in a bundle directory, or create the bundle and install
a guest with --init-linux or --init-macos.

Network devices (--net) are joined with '+':
  user[:hostport:guestport,...]   user-mode network with optional port forwards
  nat:<mac>                       hypervisor NAT
  bridged:<interface>:<mac>       bridged to a host interface

Directory shares (--sharing) are joined with '+':
  <tag>:<dir>:ro|rw               virtio-fs share mounted by tag
  rosetta                         Rosetta runtime for Linux guests`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runRun(cmd, args[0])
		},
	}

	defaults := config.DefaultConfig()
	f := runCmd.Flags()
	f.Uint("cpus", defaults.CPUs, "Number of virtual CPUs")
	f.Uint64("mem", defaults.MemoryMiB, "Memory in MiB")
	f.String("resolution", defaults.Resolution, "Display size as WIDTHxHEIGHT[xPPI]")
	f.String("net", defaults.Net, "Network devices")
	f.String("sharing", defaults.Sharing, "Directory shares")
	f.String("display", defaults.Display, "Display mode: graphics, console or none")
	f.Bool("headless", false, "Run without a display (same as --display none)")
	f.Bool("attach", defaults.Attach, "Attach this terminal to the serial console when headless")
	f.Bool("audio", defaults.Audio, "Attach audio input and output")
	f.String("init-linux", "", "Create the bundle and install Linux from this ISO")
	f.Bool("init-macos", false, "Create the bundle and install the latest supported macOS")
	f.String("init-macos-ipsw", "", "Create the bundle and install macOS from this restore image")
	f.Uint64("init-disk-size", defaults.InitDiskSizeGiB, "Disk size in GiB for a new bundle")
	return runCmd
}

// installSource returns the install request of the run flags, or nil.
func installSource(cmd *cobra.Command, diskGiB uint64) (*vm.InstallSource, error) {
	iso, _ := cmd.Flags().GetString("init-linux")
	initMac, _ := cmd.Flags().GetBool("init-macos")
	ipsw, _ := cmd.Flags().GetString("init-macos-ipsw")

	macOS := initMac || ipsw != ""
	switch {
	case iso != "" && macOS:
		return nil, errors.New("--init-linux and --init-macos are mutually exclusive")
	case iso != "":
		return &vm.InstallSource{Kind: bundle.KindLinux, Image: iso, DiskSizeGiB: diskGiB}, nil
	case macOS:
		return &vm.InstallSource{Kind: bundle.KindMacOS, Image: ipsw, DiskSizeGiB: diskGiB}, nil
	default:
		return nil, nil
	}
}

func (e *env) runRun(cmd *cobra.Command, path string) error {
	ctx := slogctx.With(cmd.Context(), "cmd", "run")
	cfg := e.cfg

	devs, err := cfg.ParseDevices()
	if err != nil {
		return err
	}
	if headless, _ := cmd.Flags().GetBool("headless"); headless {
		devs.Mode = config.DisplayNone
	}
	install, err := installSource(cmd, cfg.InitDiskSizeGiB)
	if err != nil {
		return err
	}

	backend, err := e.newBackend()
	if err != nil {
		return errors.Errorf("hypervisor unavailable: %w", err)
	}
	caps := backend.Capabilities()

	problems := config.ValidateConfig(cfg, devs, caps)
	if config.HasFatal(problems) {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(problems))
		return errors.New("configuration not supported on this host")
	}
	for _, p := range problems {
		slogctx.Warn(ctx, p.Message, "field", p.Field)
	}

	opts := vm.Options{
		BundlePath:  path,
		CPUs:        cfg.CPUs,
		MemoryBytes: cfg.MemoryBytes(),
		Network:     devs.Network,
		Shares:      devs.Shares,
		Display:     devs.Display,
		Install:     install,
		Graphics:    devs.Mode == config.DisplayGraphics,
		Audio:       cfg.Audio && caps.Audio,
	}
	title := "vzcli - " + filepath.Base(path)
	switch devs.Mode {
	case config.DisplayGraphics:
		opts.Presenter = vm.NewWindowPresenter(devs.Display, title)
	case config.DisplayConsole:
		opts.Serial = true
		opts.Presenter = gui.NewConsoleWindow(title)
	case config.DisplayNone:
		if cfg.Attach && terminal.IsTTY() {
			opts.Serial = true
			opts.Presenter = terminal.NewAttacher()
		}
	}

	slogctx.Info(ctx, "launching",
		"bundle", path,
		"cpus", opts.CPUs,
		"memory", humanize.IBytes(opts.MemoryBytes),
		"net", cfg.Net,
		"display", devs.Mode)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := vm.NewController(backend, e.newNetwork()).Run(ctx, opts)
	e.exitCode = code
	return err
}

