// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedConfiguration is returned if a configuration document is
	// unreadable or not in a recognized format.
	ErrMalformedConfiguration = errors.New("malformed configuration")

	// ErrUnsupportedMigration is returned if a document cannot be migrated to
	// the current schema version.
	ErrUnsupportedMigration = errors.New("unsupported migration")

	// ErrWriteFailure is returned if a document could not be persisted. The
	// previous document on disk is left intact.
	ErrWriteFailure = errors.New("write failure")

	// ErrInvalidSetting is returned if a settings update is rejected.
	ErrInvalidSetting = errors.New("invalid setting")

	// ErrNoConfigFile is returned if no configuration file is found in a
	// storage directory.
	ErrNoConfigFile = errors.New("no configuration file found")
)

// MigrationError wraps a failure of a single migration step.
type MigrationError struct {
	// From is the version the failed step started at.
	From int
	Err  error
}

// Error implements the [error] interface.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate from version %d: %v", e.From, e.Err)
}

// Is implements the [errors.Is] interface.
func (*MigrationError) Is(other error) bool {
	_, ok := other.(*MigrationError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *MigrationError) Unwrap() error {
	return e.Err
}
