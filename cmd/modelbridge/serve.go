package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelbridge/modelbridge/internal/app"
)

var serveFlags struct {
	listenAddr string
	logLevel   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway with configuration from built-in defaults, the YAML
file named by MODELBRIDGE_CONFIG (or --config), and MODELBRIDGE_*
environment variables. Environment wins.

The process drains in-flight requests on SIGINT or SIGTERM and reloads
the runtime-tunable configuration on SIGHUP or when the config file
changes on disk.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddr, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		os.Setenv("MODELBRIDGE_CONFIG", cfgFile)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddr != "" {
		cfg.ListenAddr = serveFlags.listenAddr
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = serveFlags.logLevel
	}

	app.Version = Version
	srv, err := app.NewServer(cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Long ceiling so streaming responses are not cut off mid-flight.
		WriteTimeout: 300 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.WatchConfig(ctx); err != nil {
		slog.Warn("config watch disabled", slog.String("error", err.Error()))
	}

	// SIGHUP reloads configuration without restarting.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			newCfg, err := app.LoadConfig()
			if err != nil {
				slog.Warn("config reload failed, keeping current config", slog.String("error", err.Error()))
				continue
			}
			srv.Reload(newCfg)
		}
	}()

	go func() {
		slog.Info("modelbridge listening", slog.String("addr", cfg.ListenAddr), slog.String("version", Version))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Blocks until SIGINT/SIGTERM, drains, runs shutdown callbacks, exits.
	srv.Coordinator().Wait(httpServer)
	return nil
}
