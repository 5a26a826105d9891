// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package supervisor starts and terminates emulator processes.
//
// At most one process runs per key. Within a program this is enforced by the
// [Supervisor], across programs by an exclusive lock on a lock file that the
// process inherits, so it is held for as long as the process lives.
package supervisor
