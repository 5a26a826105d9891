// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import "errors"

var (
	// ErrProtocol is returned for any failure talking to the QMP socket.
	ErrProtocol = errors.New("management protocol error")

	// ErrConnectionLost is reported if the QMP connection is closed by the
	// remote side.
	ErrConnectionLost = errors.New("connection lost")
)

// ProtocolError wraps errors of a single QMP command.
type ProtocolError struct {
	Command string
	Err     error
}

// Error implements the [error] interface.
func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return "qmp: " + e.Err.Error()
	}

	return "qmp " + e.Command + ": " + e.Err.Error()
}

// Is implements the [errors.Is] interface.
func (*ProtocolError) Is(other error) bool {
	if other == ErrProtocol { //nolint:errorlint
		return true
	}

	_, ok := other.(*ProtocolError)

	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
