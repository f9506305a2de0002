package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of filesystem events most editors emit for a
// single save.
const debounce = 200 * time.Millisecond

// WatchConfig reloads the runtime-tunable configuration whenever the config
// file changes. It watches the file's directory because editors typically
// replace the file via rename. A missing config file disables watching.
func (s *Server) WatchConfig(ctx context.Context) error {
	if s.cfg.ConfigFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.cfg.ConfigFile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(s.cfg.ConfigFile)
	go func() {
		defer watcher.Close()

		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				cfg, err := LoadConfig()
				if err != nil {
					s.logger.Warn("config reload failed", slog.String("error", err.Error()))
					continue
				}
				s.Reload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	s.logger.Info("watching config file", slog.String("file", s.cfg.ConfigFile))
	return nil
}
