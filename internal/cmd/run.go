// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/aibor/virtman/internal/config"
	"github.com/spf13/cobra"
)

// Exit codes returned by [Run].
const (
	exitCodeFailure       = 1
	exitCodeUsage         = 2
	exitCodeMachineFailed = 3
)

// Set on build.
var version = "dev"

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run is the main entry point for the CLI command. It returns the exit code.
func Run(ctx context.Context, args []string, cfg IO) int {
	root := newRootCommand(cfg)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)

	return handleRunError(err, cfg.Stderr)
}

func handleRunError(err error, stdErr io.Writer) int {
	if err == nil {
		return 0
	}

	fmt.Fprintf(stdErr, "Error [%s]: %v\n", name, err)

	switch {
	case errors.Is(err, &ParseArgsError{}):
		fmt.Fprintf(stdErr, "Run '%s --help' for usage.\n", name)
		return exitCodeUsage
	case errors.Is(err, ErrMachineFailed):
		return exitCodeMachineFailed
	case errors.Is(err, config.ErrMalformedConfiguration),
		errors.Is(err, config.ErrUnsupportedMigration):
		fmt.Fprintf(stdErr, "Fix the document or run '%s config reset'.\n", name)
		return exitCodeFailure
	default:
		return exitCodeFailure
	}
}

func newVersionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			buildInfo, err := getBuildInfo()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, versionString(buildInfo))

			if opts.verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s", buildInfo.String())
			}

			return nil
		},
	}
}

func versionString(buildInfo *debug.BuildInfo) string {
	if version != "dev" || buildInfo.Main.Version == "" {
		return version
	}

	return buildInfo.Main.Version
}

func getBuildInfo() (*debug.BuildInfo, error) {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, ErrReadBuildInfo
	}

	return buildInfo, nil
}
