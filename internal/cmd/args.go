// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"

	"github.com/aibor/virtman/internal/qemu"
	"github.com/spf13/cobra"
)

func newArgsCommand(opts *globalOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "args [flags] DIR",
		Short: "Print the QEMU command line the machine is started with",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			p, err := opts.resolver().Resolve(store.Identity())
			if err != nil {
				return err
			}

			spec := qemu.NewCommandSpec(store.Name(), store.Settings(), p)

			if !list {
				line, err := spec.CommandLine()
				if err != nil {
					return err
				}

				fmt.Fprintln(opts.io.Stdout, line)

				return nil
			}

			qemuArgs, err := spec.Args()
			if err != nil {
				return err
			}

			for _, arg := range qemuArgs {
				fmt.Fprintln(opts.io.Stdout, arg)
			}

			return nil
		},
	}

	cmd.Flags().BoolVarP(&list, "list", "l", false, "print one argument per line, without executable")

	return cmd
}
