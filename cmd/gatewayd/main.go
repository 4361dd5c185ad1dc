// Command gatewayd runs the credential-selection gateway: an HTTP server
// that picks which upstream credential handles each request and proxies it,
// per the selection core in internal/selector.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "Credential-selection gateway for LLM provider APIs",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.yaml (default: ./config.yaml)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "config.yaml"
}
