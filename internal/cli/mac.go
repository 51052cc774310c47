package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vzcli/internal/vm"
)

func newMacCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "mac",
		Short: "Print a random locally administered MAC address",
		Long: `Print a random locally administered unicast MAC address, suitable for
nat and bridged entries of --net.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mac, err := vm.RandomMAC()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mac)
			return nil
		},
	}
}
