// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime/debug"
	"testing"

	"github.com/aibor/virtman/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestHandleRunError(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		expectedExitCode int
		expectedOutput   string
	}{
		{
			name: "no error",
		},
		{
			name:             "parse args error",
			err:              &ParseArgsError{msg: "flag parse", err: assert.AnError},
			expectedExitCode: exitCodeUsage,
			expectedOutput: "Error [virtman]: flag parse: " +
				"assert.AnError general error for testing\n" +
				"Run 'virtman --help' for usage.\n",
		},
		{
			name:             "machine failed",
			err:              fmt.Errorf("%w: %w", ErrMachineFailed, assert.AnError),
			expectedExitCode: exitCodeMachineFailed,
			expectedOutput: "Error [virtman]: machine failed: " +
				"assert.AnError general error for testing\n",
		},
		{
			name:             "malformed configuration",
			err:              fmt.Errorf("load /vm: %w", config.ErrMalformedConfiguration),
			expectedExitCode: exitCodeFailure,
			expectedOutput: "Error [virtman]: load /vm: malformed configuration\n" +
				"Fix the document or run 'virtman config reset'.\n",
		},
		{
			name:             "any error",
			err:              assert.AnError,
			expectedExitCode: exitCodeFailure,
			expectedOutput: "Error [virtman]: " +
				"assert.AnError general error for testing\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdErr bytes.Buffer
			actualExitCode := handleRunError(tt.err, &stdErr)

			assert.Equal(t, tt.expectedExitCode, actualExitCode,
				"exit code should be as expected")
			assert.Equal(t, tt.expectedOutput, stdErr.String(),
				"stderr output should be as expected")
		})
	}
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, logLevel(false, false))
	assert.Equal(t, slog.LevelInfo, logLevel(false, true))
	assert.Equal(t, slog.LevelDebug, logLevel(true, false))
	assert.Equal(t, slog.LevelDebug, logLevel(true, true))
}

func TestVersionString(t *testing.T) {
	buildInfo := &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}}

	assert.Equal(t, "v1.2.3", versionString(buildInfo))
	assert.Equal(t, "dev", versionString(&debug.BuildInfo{}))
}

func TestDefaultName(t *testing.T) {
	tests := []struct {
		dir      string
		expected string
	}{
		{dir: "/vms/debian", expected: "debian"},
		{dir: "/vms/debian.vm", expected: "debian"},
		{dir: "/vms/debian.vm/", expected: "debian"},
		{dir: "/vms/.hidden", expected: ".hidden"},
		{dir: "relative/alpine", expected: "alpine"},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			assert.Equal(t, tt.expected, defaultName(tt.dir))
		})
	}
}
