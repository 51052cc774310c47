// Package cli provides the command-line interface for vzcli.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/vzcli/internal/config"
	"github.com/javanstorm/vzcli/internal/logging"
	"github.com/javanstorm/vzcli/internal/usernet"
	"github.com/javanstorm/vzcli/internal/vm"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

// env is the state shared by the commands of one invocation.
type env struct {
	newBackend func() (hypervisor.Backend, error)
	newNetwork func() vm.Establisher

	settings *viper.Viper
	cfg      *config.Config

	// exitCode is the process exit code when a command succeeds or fails
	// with an error.
	exitCode int
}

func defaultEnv() *env {
	return &env{
		newBackend: hypervisor.NewBackend,
		newNetwork: func() vm.Establisher {
			return usernet.NewBridge(usernet.NewGvisorStack())
		},
		exitCode: vm.ExitFailed,
	}
}

func newRootCmd(e *env) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vzcli",
		Short: "Run Linux and macOS virtual machines from the command line",
		Long: `vzcli runs Linux and macOS guests on Apple's Virtualization framework.

A VM lives in a bundle directory holding its disk image, machine identity
and firmware. Create one with 'vzcli run --init-linux <iso> <bundle>' or
'vzcli run --init-macos <bundle>', then boot it with 'vzcli run <bundle>'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "mac", "completion":
				return nil
			}
			return e.setup(cmd)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newVersionCmd(e))
	rootCmd.AddCommand(newRunCmd(e))
	rootCmd.AddCommand(newStatusCmd(e))
	rootCmd.AddCommand(newMacCmd(e))
	return rootCmd
}

// setup loads the configuration with cmd's flags bound over it and installs
// the logger.
func (e *env) setup(cmd *cobra.Command) error {
	paths, err := config.GetPaths()
	if err != nil {
		return errors.Errorf("failed to determine paths: %w", err)
	}
	e.settings = config.New(paths)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := e.settings.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	if e.cfg, err = config.Load(e.settings); err != nil {
		return err
	}
	level, err := logging.ParseLevel(e.cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.Setup(ctx, cmd.ErrOrStderr(), logging.Options{Level: level}))
	return nil
}

// Execute runs the command line and returns the process exit code. A
// non-nil error explains a non-zero code.
func Execute(ctx context.Context, args []string) (int, error) {
	return execute(ctx, defaultEnv(), args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, e *env, args []string, stdout, stderr io.Writer) (int, error) {
	rootCmd := newRootCmd(e)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if e.exitCode == vm.ExitClean {
			e.exitCode = vm.ExitFailed
		}
		return e.exitCode, err
	}
	return vm.ExitClean, nil
}
