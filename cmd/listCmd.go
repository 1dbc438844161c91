package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"qemunet/pkg/topo"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in topologies",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range topo.Names() {
			cfg, err := topo.Resolve(name)
			if err != nil {
				fmt.Printf("%-16s (invalid: %v)\n", name, err)
				continue
			}
			fmt.Printf("%-16s %d host(s), %d switch(es), %d router(s)\n",
				name, len(cfg.Hosts), len(cfg.Switches), len(cfg.Routers))
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
