// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aibor/virtman/internal/bundle"
	"github.com/spf13/cobra"
)

// stdioName is the file name standing for stdin or stdout.
const stdioName = "-"

func newExportCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export DIR FILE",
		Short: "Write the machine into a cpio archive. Use - for stdout",
		Long: `Write the machine into a cpio archive. Use - for stdout.

The archive contains the whole storage directory without runtime files.
Export machines only while they are not running, as disk images may be
inconsistent otherwise.`,
		Args: exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			if args[1] == stdioName {
				return bundle.Export(store.Path(), opts.io.Stdout)
			}

			return exportFile(store.Path(), args[1])
		},
	}
}

func exportFile(dir, file string) error {
	out, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	err = bundle.Export(dir, out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(file)

		return err
	}

	err = out.Close()
	if err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	return nil
}

func newImportCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE DIR",
		Short: "Create the new storage directory DIR from an archive. Use - for stdin",
		Args:  exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var in io.Reader = opts.io.Stdin

			if args[0] != stdioName {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open archive: %w", err)
				}
				defer file.Close()

				in = file
			}

			store, err := bundle.Import(in, args[1])
			if err != nil {
				return err
			}

			fmt.Fprintf(opts.io.Stdout, "Imported %s into %s\n", store.Name(), store.Path())

			return nil
		},
	}
}

func newCloneCommand(opts *globalOptions) *cobra.Command {
	var cloneName string

	cmd := &cobra.Command{
		Use:   "clone [flags] SOURCE DEST",
		Short: "Copy the machine at SOURCE into the new storage directory DEST",
		Long: `Copy the machine at SOURCE into the new storage directory DEST.

The copy gets a new system UUID and MAC address, so both machines can run
side by side.`,
		Args: exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			source, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("absolute path: %w", err)
			}

			dest, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("absolute path: %w", err)
			}

			if cloneName == "" {
				cloneName = defaultName(dest)
			}

			store, err := bundle.Clone(source, dest, cloneName)
			if err != nil {
				return err
			}

			fmt.Fprintf(opts.io.Stdout, "Cloned %s into %s\n", store.Name(), store.Path())

			return nil
		},
	}

	cmd.Flags().StringVar(&cloneName, "name", "", "display name of the copy (default base name of DEST)")

	return cmd
}
