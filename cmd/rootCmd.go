package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "qemunet",
	Short:         "QEMU-backed network testbed",
	Long:          "Boots QEMU VM hosts bridged into Open vSwitch topologies with optional routers and VLANs.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI. Called once from main.main().
func Execute() error {
	return rootCmd.Execute()
}
