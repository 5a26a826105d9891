// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package supervisor

import "errors"

var (
	// ErrLaunchFailure is returned if a process could not be started.
	ErrLaunchFailure = errors.New("launch failed")

	// ErrAlreadyRunning is returned if a process with the same key is
	// running already, either within this or another program.
	ErrAlreadyRunning = errors.New("already running")
)

// LaunchError wraps any error that prevented a process from starting.
type LaunchError struct {
	Key string
	Err error
}

// Error implements the [error] interface.
func (e *LaunchError) Error() string {
	return "launch " + e.Key + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*LaunchError) Is(other error) bool {
	if other == ErrLaunchFailure { //nolint:errorlint
		return true
	}

	_, ok := other.(*LaunchError)

	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *LaunchError) Unwrap() error {
	return e.Err
}
