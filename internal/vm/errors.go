// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidStateTransition is returned if an operation is not permitted
	// in the current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrOperationInProgress is returned if another operation has not
	// finished yet.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrInvalidState is returned for unknown state names.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownBackend is returned if no implementation exists for a
	// [Backend].
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrUnexpectedExit is reported if the process exited without being
	// asked to.
	ErrUnexpectedExit = errors.New("process exited unexpectedly")

	// ErrNotRemovable is returned for media operations on drives that are
	// not removable.
	ErrNotRemovable = errors.New("drive not removable")

	// ErrClosed is returned for requests to a closed [Machine].
	ErrClosed = errors.New("machine closed")

	// ErrNotFound is returned if a machine is not in a [Registry].
	ErrNotFound = errors.New("machine not found")
)

// TransitionError is returned if an operation is requested in a state it is
// not permitted in.
type TransitionError struct {
	Op   string
	From State
}

// Error implements the [error] interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %v from %s", e.Op, ErrInvalidStateTransition, e.From)
}

// Is implements the [errors.Is] interface.
func (*TransitionError) Is(other error) bool {
	if other == ErrInvalidStateTransition { //nolint:errorlint
		return true
	}

	_, ok := other.(*TransitionError)

	return ok
}
