// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/aibor/virtman/internal/config"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newDriveCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Manage the drives of a machine",
		Long: `Manage the drives of a machine.

The order of the drives is the boot order. Changes take effect on the next
start of the machine.`,
	}

	cmd.AddCommand(
		newDriveListCommand(opts),
		newDriveAddCommand(opts),
		newDriveRemoveCommand(opts),
		newDriveMoveCommand(opts),
	)

	return cmd
}

func newDriveListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list DIR",
		Short: "List the drives in boot order",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			writer := tabwriter.NewWriter(opts.io.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tTYPE\tINTERFACE\tFLAGS\tSIZE\tIMAGE")

			for _, drive := range store.Settings().Drives {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
					drive.ID,
					drive.ImageType,
					drive.Interface,
					driveFlags(drive),
					imageSize(store.Path(), drive.ImagePath),
					drive.ImagePath,
				)
			}

			return writer.Flush()
		},
	}
}

func driveFlags(drive config.Drive) string {
	flags := ""

	if drive.Removable {
		flags += "r"
	}

	if drive.ReadOnly {
		flags += "o"
	}

	if flags == "" {
		return "-"
	}

	return flags
}

// imageSize returns the human readable size of the image file or "-" if
// there is none.
func imageSize(root, image string) string {
	if image == "" {
		return "-"
	}

	if !filepath.IsAbs(image) {
		image = filepath.Join(root, image)
	}

	info, err := os.Stat(image)
	if err != nil {
		return "-"
	}

	return units.HumanSize(float64(info.Size()))
}

func newDriveAddCommand(opts *globalOptions) *cobra.Command {
	drive := config.Drive{
		ImageType: config.ImageDisk,
		Interface: config.InterfaceVirtIO,
	}

	cmd := &cobra.Command{
		Use:   "add [flags] DIR IMAGE",
		Short: "Append a drive with the given image",
		Long: `Append a drive with the given image.

Relative image paths are resolved within the storage directory. Removable
drives may be added without image by passing an empty string.`,
		Args: exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			drive.ImagePath = args[1]

			id, err := store.AddDrive(drive)
			if err != nil {
				return err
			}

			err = store.Save()
			if err != nil {
				return err
			}

			fmt.Fprintln(opts.io.Stdout, id)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&drive.ID, "id", "", "drive ID (default random UUID)")
	flags.Var(newEnumValue(&drive.ImageType, config.ImageDisk, config.ImageCDROM),
		"type", "image type")
	flags.Var(newEnumValue(&drive.Interface,
		config.InterfaceVirtIO,
		config.InterfaceIDE,
		config.InterfaceSCSI,
		config.InterfaceNVMe,
		config.InterfaceUSB,
		config.InterfaceNone,
	), "interface", "bus the drive is attached to")
	flags.BoolVar(&drive.Removable, "removable", false, "medium can be changed while running")
	flags.BoolVar(&drive.ReadOnly, "read-only", false, "attach the image read-only")

	return cmd
}

func newDriveRemoveCommand(_ *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove DIR ID",
		Short: "Remove a drive. The image file is kept",
		Args:  exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			err = store.RemoveDrive(args[1])
			if err != nil {
				return err
			}

			return store.Save()
		},
	}
}

func newDriveMoveCommand(_ *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move DIR ID POSITION",
		Short: "Move a drive to the zero based POSITION in the boot order",
		Args:  exactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[2])
			if err != nil {
				return &ParseArgsError{msg: "position", err: err}
			}

			store, err := loadStore(args[0])
			if err != nil {
				return err
			}

			err = store.MoveDrive(args[1], position)
			if err != nil {
				return err
			}

			return store.Save()
		},
	}
}
