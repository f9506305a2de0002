package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelbridge/modelbridge/internal/app"
	"github.com/modelbridge/modelbridge/internal/promptcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the prompt cache database",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache population and counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		stats := cache.Snapshot(context.Background())
		fmt.Printf("entries: %d\n", stats.Entries)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		if err := cache.Prune(context.Background()); err != nil {
			return err
		}
		stats := cache.Snapshot(context.Background())
		fmt.Printf("pruned; %d entries remain\n", stats.Entries)
		return nil
	},
}

func openCache() (*promptcache.Cache, error) {
	if cfgFile != "" {
		os.Setenv("MODELBRIDGE_CONFIG", cfgFile)
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	return promptcache.Open(cfg.CachePath)
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
