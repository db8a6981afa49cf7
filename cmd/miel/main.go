// Command miel runs the modular adaptive honeypot daemon, or drives it
// from the outside via the validate and status subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "miel",
		Short: "modular adaptive honeypot",
		Long:  "miel accepts attacker connections on decoy services, routes each to a disposable container, and records what happens.",
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStatusCommand())

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
