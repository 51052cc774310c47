package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vzcli/internal/version"
	"github.com/javanstorm/vzcli/pkg/hypervisor"
)

func newVersionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, commit hash, and build date of vzcli.",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, version.String())
			if !hypervisor.SupportedPlatform() {
				fmt.Fprintln(w, "warning: no hypervisor driver for this platform")
			}
		},
	}
}
