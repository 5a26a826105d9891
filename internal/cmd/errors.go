// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
)

var (
	// ErrReadBuildInfo is returned if the build information can not be read
	// from the binary.
	ErrReadBuildInfo = errors.New("failed to read build info")

	// ErrExists is returned if a machine is created in a directory that has
	// a configuration already.
	ErrExists = errors.New("configuration exists")

	// ErrMachineFailed is returned if a machine ended in the error state.
	ErrMachineFailed = errors.New("machine failed")
)

// ParseArgsError wraps errors that occur during argument parsing.
type ParseArgsError struct {
	err error
	msg string
}

func (e *ParseArgsError) Error() string {
	if e.err == nil {
		return e.msg
	}

	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *ParseArgsError) Is(other error) bool {
	_, ok := other.(*ParseArgsError)
	return ok
}

func (e *ParseArgsError) Unwrap() error {
	return e.err
}
