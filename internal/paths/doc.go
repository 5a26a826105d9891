// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package paths derives the filesystem endpoints of a virtual machine from
// its identity.
//
// All paths are computed, never stored. Resolving the same [Identity] twice
// yields the same [Paths], and two distinct identities never share a socket.
package paths
