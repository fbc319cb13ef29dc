// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config reads coordinator configuration from the environment
// and watches the optional runtime settings file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Config is the process configuration, read once at startup.
type Config struct {
	// Port is the HTTP listen port. Env: COORDINATOR_PORT.
	Port string

	// LogDir enables file logging when set. Env: PARLEY_LOG_DIR.
	LogDir string

	// LogJSON forces JSON stderr logs. Env: PARLEY_LOG_JSON.
	LogJSON bool

	// OTELEndpoint is the OTLP collector address. Env:
	// OTEL_EXPORTER_OTLP_ENDPOINT. Empty disables tracing.
	OTELEndpoint string

	// ArchivePath is the BadgerDB directory for the response archive.
	// Env: PARLEY_ARCHIVE_PATH.
	ArchivePath string

	// SettingsPath is the optional runtime settings file watched for
	// changes. Env: PARLEY_SETTINGS_PATH.
	SettingsPath string
}

// FromEnv builds a Config from environment variables with defaults.
// Values are trimmed of quotes and whitespace in case the container
// runtime passes them literally.
func FromEnv() Config {
	return Config{
		Port:         envOr("COORDINATOR_PORT", "12310"),
		LogDir:       envOr("PARLEY_LOG_DIR", ""),
		LogJSON:      envBool("PARLEY_LOG_JSON"),
		OTELEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ArchivePath:  envOr("PARLEY_ARCHIVE_PATH", filepath.Join("data", "responses")),
		SettingsPath: envOr("PARLEY_SETTINGS_PATH", ""),
	}
}

func envOr(key, fallback string) string {
	val := strings.Trim(os.Getenv(key), "\"' ")
	if val == "" {
		return fallback
	}
	return val
}

func envBool(key string) bool {
	switch strings.ToLower(strings.Trim(os.Getenv(key), "\"' ")) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// Settings are runtime-tunable flags, hot-reloaded from SettingsPath.
type Settings struct {
	// AllowConcurrentParticipation disables roster exclusivity checking
	// entirely: collision checks return empty unconditionally. For
	// deployments where one participant working several activities at
	// once is intentional.
	AllowConcurrentParticipation bool `json:"allowConcurrentParticipation"`
}

// SettingsSource provides the current Settings.
type SettingsSource interface {
	Current() Settings
}

// Static wraps fixed Settings (tests, or no settings file configured).
type Static struct {
	Settings Settings
}

// Current returns the wrapped settings.
func (s Static) Current() Settings { return s.Settings }

// Watcher hot-reloads Settings from a JSON file via fsnotify. A broken
// or deleted file keeps the last good settings; the coordinator never
// flips behavior because of a half-written edit.
type Watcher struct {
	path    string
	value   atomic.Value // Settings
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads the settings file and begins watching it for changes.
// Call Close to stop watching.
func Watch(path string) (*Watcher, error) {
	w := &Watcher{
		path: path,
		done: make(chan struct{}),
	}
	w.value.Store(Settings{})

	if err := w.reload(); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create settings watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("watch settings directory: %w", err)
	}
	w.watcher = fsWatcher

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded settings.
func (w *Watcher) Current() Settings {
	return w.value.Load().(Settings)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				slog.Warn("settings reload failed, keeping previous settings",
					"path", w.path, "error", err)
				continue
			}
			slog.Info("settings reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() error {
	body, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(body, &settings); err != nil {
		return fmt.Errorf("decode settings file: %w", err)
	}
	w.value.Store(settings)
	return nil
}
