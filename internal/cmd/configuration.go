// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/aibor/virtman/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// outputFormat is the encoding used for printing documents.
type outputFormat string

const (
	formatYAML outputFormat = "yaml"
	formatTOML outputFormat = "toml"
	formatJSON outputFormat = "json"
)

func (f outputFormat) encode(w io.Writer, value any) error {
	var err error

	switch f {
	case formatTOML:
		err = toml.NewEncoder(w).Encode(value)
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		err = encoder.Encode(value)
	default:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)

		err = encoder.Encode(value)
		if err == nil {
			err = encoder.Close()
		}
	}

	if err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}

	return nil
}

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and maintain the configuration document",
	}

	cmd.AddCommand(
		newConfigShowCommand(opts),
		newConfigMigrateCommand(opts),
		newConfigResetCommand(opts),
	)

	return cmd
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	format := formatYAML

	cmd := &cobra.Command{
		Use:   "show [flags] DIR",
		Short: "Print the configuration document, migrated to the current version",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			return format.encode(opts.io.Stdout, store.Snapshot().Map())
		},
	}

	cmd.Flags().VarP(newEnumValue(&format, formatYAML, formatTOML, formatJSON),
		"output", "o", "output format")

	return cmd
}

func newConfigMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate DIR",
		Short: "Write the configuration document migrated to the current version",
		Long: `Write the configuration document migrated to the current version.

Documents of older versions are migrated whenever they are loaded, but the
result is only written by commands that modify the configuration. This
command writes it explicitly.`,
		Args: exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			_, err = store.MigrateIfNecessary()
			if err != nil {
				return err
			}

			err = store.Save()
			if err != nil {
				return err
			}

			fmt.Fprintf(opts.io.Stdout, "Configuration of %s at version %d\n",
				store.Name(), store.Version())

			return nil
		},
	}
}

func newConfigResetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset DIR",
		Short: "Replace all settings by the defaults",
		Long: `Replace all settings by the defaults.

Name and system UUID are kept. If the document can not be read at all, a new
one is written.`,
		Args: exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := resetStore(args[0])
			if err != nil {
				return err
			}

			err = store.Save()
			if err != nil {
				return err
			}

			fmt.Fprintf(opts.io.Stdout, "Reset configuration of %s\n", store.Name())

			return nil
		},
	}
}

func resetStore(dir string) (*config.Store, error) {
	store, err := config.LoadFrom(dir)
	if err == nil {
		store.ResetToDefaults()
		return store, nil
	}

	if !errors.Is(err, config.ErrMalformedConfiguration) &&
		!errors.Is(err, config.ErrUnsupportedMigration) {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}

	dir, absErr := filepath.Abs(dir)
	if absErr != nil {
		return nil, fmt.Errorf("absolute path: %w", absErr)
	}

	slog.Warn("Replacing unreadable configuration",
		slog.String("path", dir),
		slog.Any("error", err))

	return config.New(defaultName(dir), dir)
}
