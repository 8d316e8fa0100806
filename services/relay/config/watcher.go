// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianRelay/services/relay/routing"
)

// RulesUpdater receives routing rules from a reloaded file.
// *routing.RuleSelector implements it.
type RulesUpdater interface {
	Update(routing.Rules) error
}

var _ RulesUpdater = (*routing.RuleSelector)(nil)

// Watcher reloads the routing section of a config file when it changes.
//
// # Description
//
// The file's directory is watched rather than the file itself, so editors
// that save by rename-and-replace are seen too. Every write or create of
// the file reloads it through Load. A file that fails to load or validate
// is logged and the current rules stay in place. Only routing is applied
// at runtime; other sections need a restart.
//
// # Thread Safety
//
// Start runs the event loop and blocks; call Stop from any goroutine.
type Watcher struct {
	path    string
	updater RulesUpdater
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// reloaded is called after each reload attempt with its result.
	reloaded func(error)
}

// NewWatcher creates a Watcher for the config file at path. The directory
// watch is registered before NewWatcher returns.
func NewWatcher(path string, updater RulesUpdater, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher: empty path")
	}
	if updater == nil {
		return nil, errors.New("config watcher: nil updater")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		path:    abs,
		updater: updater,
		watcher: fw,
		logger:  logger.With("component", "config_watcher"),
	}, nil
}

// Start handles events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("Started watching config", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("Config watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	err := w.reload()
	if err != nil {
		w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.updater.Update(cfg.Routing); err != nil {
		return err
	}
	w.logger.Info("Routing rules reloaded",
		"default_model", cfg.Routing.DefaultModel,
		"allowed_models", len(cfg.Routing.AllowedModels))
	return nil
}

// Stop ends Start and releases the watch.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
