package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"miel/internal/config"
)

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "parse and validate a miel config file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d services)\n", path, len(cfg.Services))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the miel config file (default $MIEL_CONFIG or /etc/miel/miel.toml)")
	return cmd
}
