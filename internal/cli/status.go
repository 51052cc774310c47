package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vzcli/internal/bundle"
)

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <bundle>",
		Short: "Show bundle status and information",
		Long:  `Display information about a bundle including guest kind, artifacts, boot history, and whether a session holds it.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.runStatus(cmd.OutOrStdout(), args[0])
		},
	}
}

type artifact struct {
	name string
	path string
}

func (e *env) runStatus(w io.Writer, path string) error {
	b, err := bundle.Open(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Bundle: %s\n", b.Root)
	fmt.Fprintf(w, "Guest: %s\n", b.Kind)

	if backend, err := e.newBackend(); err != nil {
		fmt.Fprintf(w, "Hypervisor: unavailable (%v)\n", err)
	} else {
		info := backend.Info()
		fmt.Fprintf(w, "Hypervisor: %s v%s (%s)\n", info.Name, info.Version, info.Arch)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Artifacts:\n")
	artifacts := []artifact{
		{"Disk", b.DiskImagePath()},
		{"Machine identifier", b.IdentityPath()},
	}
	switch b.Kind {
	case bundle.KindLinux:
		artifacts = append(artifacts, artifact{"NVRAM", b.FirmwarePath()})
	case bundle.KindMacOS:
		artifacts = append(artifacts,
			artifact{"Hardware model", b.HardwareModelPath()},
			artifact{"Auxiliary storage", b.AuxiliaryStoragePath()},
			artifact{"Restore image", b.RestoreImagePath()})
	}
	for _, a := range artifacts {
		info, err := os.Stat(a.path)
		if err != nil {
			fmt.Fprintf(w, "  %s: missing\n", a.name)
			continue
		}
		fmt.Fprintf(w, "  %s: %s (%s)\n", a.name, a.path, humanize.IBytes(uint64(info.Size())))
	}
	fmt.Fprintln(w)

	locked, err := bundle.Locked(b)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Session: error checking (%v)\n", err)
	case locked:
		fmt.Fprintf(w, "Session: running\n")
	default:
		fmt.Fprintf(w, "Session: idle\n")
	}
	fmt.Fprintln(w)

	state, err := bundle.NewStateFile(b).Load()
	if err != nil {
		fmt.Fprintf(w, "State: error loading (%v)\n", err)
	} else if state.BootCount == 0 {
		fmt.Fprintf(w, "State: never booted\n")
	} else {
		fmt.Fprintf(w, "State:\n")
		fmt.Fprintf(w, "  Boot count: %d\n", state.BootCount)
		if !state.LastBoot.IsZero() {
			fmt.Fprintf(w, "  Last boot: %s\n", state.LastBoot.Format("2006-01-02 15:04:05"))
		}
		if !state.LastShutdown.IsZero() {
			fmt.Fprintf(w, "  Last shutdown: %s\n", state.LastShutdown.Format("2006-01-02 15:04:05"))
			if state.CleanShutdown {
				fmt.Fprintf(w, "  Shutdown type: clean\n")
			} else {
				fmt.Fprintf(w, "  Shutdown type: unclean\n")
			}
		}
	}

	return nil
}
