package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/fragmenta"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of fragmenta",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fragmenta version %s\n", strings.TrimSpace(fragmenta.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
