// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"strconv"
	"testing"

	"github.com/aibor/virtman/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedIntValue(t *testing.T) {
	tests := []struct {
		input       string
		expected    int
		expectedErr error
	}{
		{input: "1", expected: 1},
		{input: "4", expected: 4},
		{input: "8", expected: 8},
		{input: "0", expectedErr: ErrValueOutOfRange},
		{input: "9", expectedErr: ErrValueOutOfRange},
		{input: "-1", expectedErr: ErrValueOutOfRange},
		{input: "four", expectedErr: strconv.ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var value int

			flag := &limitedIntValue{value: &value, min: 1, max: 8}

			err := flag.Set(tt.input)
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expected, value)

			if tt.expectedErr == nil {
				assert.Equal(t, tt.input, flag.String())
			}
		})
	}
}

func TestMemoryValue(t *testing.T) {
	var mib int

	flag := &memoryValue{mib: &mib}
	assert.Empty(t, flag.String())

	require.NoError(t, flag.Set("2GiB"))
	assert.Equal(t, 2048, mib)
	assert.Equal(t, "2GiB", flag.String())

	require.NoError(t, flag.Set("512m"))
	assert.Equal(t, 512, mib)

	require.ErrorIs(t, flag.Set("lots"), config.ErrInvalidSetting)
	require.ErrorIs(t, flag.Set("1k"), config.ErrInvalidSetting)
	assert.Equal(t, 512, mib, "failed set keeps value")
}

func TestEnumValue(t *testing.T) {
	mode := config.NetworkEmulated

	flag := newEnumValue(&mode, config.NetworkNone, config.NetworkEmulated, config.NetworkBridged)
	assert.Equal(t, "none|emulated|bridged", flag.Type())
	assert.Equal(t, "emulated", flag.String())

	require.NoError(t, flag.Set("bridged"))
	assert.Equal(t, config.NetworkBridged, mode)

	err := flag.Set("wifi")
	require.ErrorIs(t, err, config.ErrInvalidSetting)
	require.ErrorContains(t, err, "none|emulated|bridged")
	assert.Equal(t, config.NetworkBridged, mode)
}
