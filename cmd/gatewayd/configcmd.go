package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymux/gateway/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the gateway configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config file and report any parse errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		fmt.Printf("config OK: %d provider(s) declared\n", len(cfg.Providers))
		for name, spec := range cfg.Providers {
			fmt.Printf("  %-12s strategy=%-12s credentials=%d\n", name, orDefault(spec.Strategy, "hybrid"), len(spec.Credentials))
		}
		return nil
	},
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
