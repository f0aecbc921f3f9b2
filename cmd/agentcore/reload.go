package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
)

// reconfigurer is the router surface the watcher drives.
type reconfigurer interface {
	Reconfigure(cfg *config.AgentConfig) error
}

// configWatcher re-reads the agent section of the config file whenever it
// changes and hands it to the router. Live sessions keep their config.
type configWatcher struct {
	path    string
	target  reconfigurer
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// newConfigWatcher watches the directory holding path, so editors that
// replace the file by rename are still seen.
func newConfigWatcher(path string, target reconfigurer, logger *slog.Logger) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &configWatcher{
		path:    abs,
		target:  target,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Run processes file events until ctx is done.
func (w *configWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("config_watch_started", "path", w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			_ = w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config_watch_error", "error", err)
		}
	}
}

// reload applies the file's agent section. A file that fails to load or
// validate leaves the current config in place.
func (w *configWatcher) reload() error {
	agent, err := config.LoadAgentConfigFile(w.path)
	if err != nil {
		w.logger.Warn("config_reload_failed", "path", w.path, "error", err)
		return err
	}
	if err := w.target.Reconfigure(agent); err != nil {
		w.logger.Warn("config_reload_failed", "path", w.path, "error", err)
		return err
	}
	w.logger.Info("config_reloaded", "path", w.path, "max_iterations", agent.MaxIterations)
	return nil
}
