// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu_test

import (
	"testing"

	"github.com/aibor/virtman/internal/qemu"
	"github.com/mattn/go-shellwords"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCustomArguments(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		expected    []string
		expectedErr error
	}{
		{
			name: "empty",
			line: "",
		},
		{
			name:     "plain words",
			line:     "-device virtio-rng-pci",
			expected: []string{"-device", "virtio-rng-pci"},
		},
		{
			name:     "quoted",
			line:     `-name "my vm" -append 'console=ttyS0 quiet'`,
			expected: []string{"-name", "my vm", "-append", "console=ttyS0 quiet"},
		},
		{
			name:     "no variable expansion",
			line:     "-device $HOME",
			expected: []string{"-device", "$HOME"},
		},
		{
			name:        "unbalanced quotes",
			line:        `-name "unterminated`,
			expectedErr: qemu.ErrInvalidCustomArguments,
		},
		{
			name:        "shell operator",
			line:        "-s; rm -rf /",
			expectedErr: qemu.ErrInvalidCustomArguments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := qemu.ParseCustomArguments(tt.line)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr == nil {
				assert.Equal(t, len(tt.expected), len(actual))

				if len(tt.expected) > 0 {
					assert.Equal(t, tt.expected, actual)
				}
			}
		})
	}
}

func TestJoinCommandLine(t *testing.T) {
	args := []string{
		"-name", "guest=my vm",
		"-m", "512M",
		"-drive", "file=/it's here/disk.img",
		"-device", "usb-kbd",
	}

	line := qemu.JoinCommandLine("qemu-system-x86_64", args)

	assert.Equal(t,
		`qemu-system-x86_64 -name 'guest=my vm' -m 512M `+
			`-drive 'file=/it'\''s here/disk.img' -device usb-kbd`,
		line,
	)

	words, err := shellwords.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, append([]string{"qemu-system-x86_64"}, args...), words)
}

func TestJoinCommandLineEmptyArgument(t *testing.T) {
	assert.Equal(t, "qemu-system-aarch64 -append ''",
		qemu.JoinCommandLine("qemu-system-aarch64", []string{"-append", ""}))
}
