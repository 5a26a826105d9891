// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bundle exports, imports and clones the storage directory of a
// virtual machine as a single newc cpio archive.
//
// Runtime files, like sockets, the pid file and the lock file, are not part
// of an archive.
package bundle
