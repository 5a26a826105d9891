// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ErrInvalidIdentity is returned if an [Identity] cannot be used to derive
// any paths from.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the pair of display name and storage directory that designates
// a virtual machine on disk.
type Identity struct {
	Name string
	Path string
}

// Validate checks that name and path are usable.
//
// The path must be absolute and must not contain any parent directory
// reference. The name must not contain path separators.
func (i Identity) Validate() error {
	switch {
	case i.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidIdentity)
	case i.Path == "":
		return fmt.Errorf("%w: empty path", ErrInvalidIdentity)
	case i.Name == "." || i.Name == "..",
		strings.ContainsAny(i.Name, "/\x00"),
		strings.ContainsRune(i.Name, filepath.Separator):
		return fmt.Errorf("%w: unsafe name %q", ErrInvalidIdentity, i.Name)
	case !filepath.IsAbs(i.Path):
		return fmt.Errorf("%w: relative path %q", ErrInvalidIdentity, i.Path)
	case strings.ContainsRune(i.Path, 0),
		slices.Contains(strings.Split(filepath.ToSlash(i.Path), "/"), ".."):
		return fmt.Errorf("%w: unsafe path %q", ErrInvalidIdentity, i.Path)
	}

	return nil
}

// Key returns the canonical key of the identity. It is the cleaned storage
// path, as only one virtual machine can live in a directory.
func (i Identity) Key() string {
	return filepath.Clean(i.Path)
}

// String implements [fmt.Stringer].
func (i Identity) String() string {
	return i.Name + " (" + i.Path + ")"
}
