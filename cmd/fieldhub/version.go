package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbocsi/fieldhub/proto"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hub and protocol versions",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fieldhub %s (protocol %s)\n", version, proto.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
