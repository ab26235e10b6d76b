package main

import (
	"github.com/spf13/cobra"

	"github.com/jward/understory/internal/rules"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the built-in rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return outputResult(stdout(cmd), CLIResult{
			Command: "version",
			Results: CLIVersion{Version: version, Rules: rules.Available()},
		})
	},
}
