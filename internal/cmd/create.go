// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/qemu"
	"github.com/aibor/virtman/internal/sys"
	"github.com/spf13/cobra"
)

const (
	cpuCountMin = 1
	cpuCountMax = 256
)

type createOptions struct {
	name       string
	arch       string
	cpuCount   int
	memory     int
	display    config.DisplayMode
	network    config.NetworkMode
	bridge     string
	executable string
	arguments  string
	disks      []string
	cdroms     []string
}

func newCreateCommand(opts *globalOptions) *cobra.Command {
	create := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create [flags] DIR",
		Short: "Create a new machine in the storage directory DIR",
		Long: `Create a new machine in the storage directory DIR.

The directory is created if it does not exist. Relative image paths are
resolved within the storage directory.`,
		Example: `  virtman create --memory 2GiB --disk disk.qcow2 ./vms/debian
  virtman create --display console --network none --cdrom /isos/alpine.iso ./vms/alpine`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := create.run(cmd, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(opts.io.Stdout, "Created %s in %s\n", store.Name(), store.Path())

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&create.name, "name", "", "display name (default base name of DIR)")
	flags.StringVar(&create.arch, "arch", sys.Native.String(), "guest architecture: amd64, arm64, riscv64")
	flags.Var(&limitedIntValue{value: &create.cpuCount, min: cpuCountMin, max: cpuCountMax},
		"cpus", "number of virtual CPUs")
	flags.Var(&memoryValue{mib: &create.memory}, "memory", "guest memory, like 2GiB")
	flags.Var(newEnumValue(&create.display, config.DisplayConsole, config.DisplayGraphic),
		"display", "display mode")
	flags.Var(newEnumValue(&create.network, config.NetworkNone, config.NetworkEmulated, config.NetworkBridged),
		"network", "network mode")
	flags.StringVar(&create.bridge, "bridge", "", "host bridge for bridged network mode")
	flags.StringVar(&create.executable, "qemu-bin", "", "QEMU binary to use (default qemu-system-* for arch)")
	flags.StringVar(&create.arguments, "qemu-args", "", "additional QEMU arguments, quoted like in a shell")
	flags.StringArrayVar(&create.disks, "disk", nil, "disk image to attach, may be given multiple times")
	flags.StringArrayVar(&create.cdroms, "cdrom", nil, "removable CD image to attach, may be given multiple times")

	return cmd
}

func (o *createOptions) run(cmd *cobra.Command, dir string) (*config.Store, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	_, err = config.LoadFrom(dir)

	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrExists, dir)
	case !errors.Is(err, config.ErrNoConfigFile):
		return nil, fmt.Errorf("%w: %s: %w", ErrExists, dir, err)
	}

	arch, err := sys.ParseArch(o.arch)
	if err != nil {
		return nil, &ParseArgsError{msg: "arch " + o.arch, err: err}
	}

	if o.name == "" {
		o.name = defaultName(dir)
	}

	store, err := config.New(o.name, dir)
	if err != nil {
		return nil, err
	}

	err = store.Update(func(settings *config.Settings) error {
		return o.apply(cmd, arch, settings)
	})
	if err != nil {
		return nil, err
	}

	for _, image := range o.disks {
		_, err := store.AddDrive(config.Drive{ImagePath: image})
		if err != nil {
			return nil, err
		}
	}

	for _, image := range o.cdroms {
		_, err := store.AddDrive(config.Drive{
			ImagePath: image,
			ImageType: config.ImageCDROM,
			Interface: config.InterfaceIDE,
			Removable: true,
			ReadOnly:  true,
		})
		if err != nil {
			return nil, err
		}
	}

	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	err = store.Save()
	if err != nil {
		return nil, err
	}

	slog.Info("Created machine",
		slog.String("name", store.Name()),
		slog.String("path", store.Path()))

	return store, nil
}

// apply writes all flags given on the command line into the settings.
func (o *createOptions) apply(cmd *cobra.Command, arch sys.Arch, settings *config.Settings) error {
	changed := cmd.Flags().Changed

	if arch != sys.Native {
		systemUUID := settings.System.UUID
		*settings = config.Defaults(arch)
		settings.System.UUID = systemUUID
	}

	if changed("cpus") {
		settings.System.CPUCount = o.cpuCount
	}

	if changed("memory") {
		settings.System.Memory = o.memory
	}

	if changed("display") {
		settings.Display.Mode = o.display
	}

	if changed("network") {
		settings.Network.Mode = o.network
	}

	if changed("bridge") {
		settings.Network.BridgeInterface = o.bridge
	}

	if changed("qemu-bin") {
		settings.QEMU.Executable = o.executable
	}

	if changed("qemu-args") {
		args, err := qemu.ParseCustomArguments(o.arguments)
		if err != nil {
			return &ParseArgsError{msg: "qemu-args", err: err}
		}

		settings.QEMU.Arguments = args
	}

	return nil
}
