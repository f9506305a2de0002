package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "modelbridge",
	Short: "Bidirectional LLM gateway",
	Long: `Modelbridge accepts requests in the Anthropic messages dialect or the
OpenAI chat-completions dialect, routes them to a configured upstream
provider, and translates the response back into the dialect the client
spoke. Along the way it applies retries with backoff, per-provider circuit
breakers, load shedding, per-session token budgets, and a persistent
prompt cache.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (overrides MODELBRIDGE_CONFIG)")
}
