package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// healthcheckCmd probes a running gateway over localhost. Distroless images
// have no curl, so Docker HEALTHCHECK invokes the binary itself.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running gateway's liveness endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := os.Getenv("MODELBRIDGE_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost%s/health/live", addr))
		if err != nil {
			return fmt.Errorf("health check request failed: %w", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}
