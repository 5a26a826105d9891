// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the document whenever the configuration file is written or
// replaced on disk, until the context is canceled. After each reload
// attempt, onChange is called with its result. A failed reload leaves the
// document unchanged.
//
// The storage directory is watched instead of the file, as an atomic save
// replaces the file.
func (s *Store) Watch(ctx context.Context, onChange func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	file := s.File()

	err = watcher.Add(filepath.Dir(file))
	if err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(file), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != file ||
				(!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}

			err := s.Reload()
			if err != nil {
				slog.Warn("Failed to reload configuration",
					slog.String("path", file),
					slog.Any("error", err))
			}

			if onChange != nil {
				onChange(err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			slog.Warn("Configuration watcher error", slog.Any("error", err))
		}
	}
}
