// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/paths"
	"github.com/spf13/cobra"
)

const name = "virtman"

// globalOptions are the flags shared by all commands.
type globalOptions struct {
	io IO

	debug      bool
	verbose    bool
	runtimeDir string
}

// resolver returns the [paths.Resolver] honoring the runtime dir flag.
func (o *globalOptions) resolver() *paths.Resolver {
	resolver := paths.NewResolver()
	if o.runtimeDir != "" {
		resolver.RuntimeDir = o.runtimeDir
	}

	return resolver
}

func newRootCommand(cfg IO) *cobra.Command {
	opts := &globalOptions{io: cfg}

	root := &cobra.Command{
		Use:   name,
		Short: "Manage QEMU virtual machines",
		Long: `Manage QEMU virtual machines.

Each machine lives in its own storage directory that holds the configuration
document, disk images and, while running, the process' runtime files. All
commands address a machine by this directory.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(cfg.Stderr, logLevel(opts.debug, opts.verbose))
		},
	}

	root.SetIn(cfg.Stdin)
	root.SetOut(cfg.Stdout)
	root.SetErr(cfg.Stderr)

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ParseArgsError{msg: "flag parse", err: err}
	})

	flags := root.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "enable debug output")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable informational output")
	flags.StringVar(&opts.runtimeDir, "runtime-dir", "",
		"parent directory for sockets that do not fit into the storage directory "+
			"(default $XDG_RUNTIME_DIR)")

	root.AddCommand(
		newCreateCommand(opts),
		newConfigCommand(opts),
		newDriveCommand(opts),
		newArgsCommand(opts),
		newRunCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newCloneCommand(opts),
		newDeleteCommand(opts),
		newVersionCommand(opts),
	)

	return root
}

// exactArgs is like [cobra.ExactArgs] but returns a [ParseArgsError].
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		err := cobra.ExactArgs(n)(cmd, args)
		if err != nil {
			return &ParseArgsError{msg: cmd.CommandPath(), err: err}
		}

		return nil
	}
}

// defaultName derives the display name of a machine from its storage
// directory: the base name without extension.
func defaultName(dir string) string {
	base := filepath.Base(filepath.Clean(dir))
	if trimmed := strings.TrimSuffix(base, filepath.Ext(base)); trimmed != "" {
		return trimmed
	}

	return base
}

func loadStore(dir string) (*config.Store, error) {
	store, err := config.LoadFrom(dir)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}

	return store, nil
}
