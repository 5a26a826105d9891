// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor talks to a running QEMU process over its QMP socket.
//
// A [Client] issues the commands needed for lifecycle management and
// translates the asynchronous QMP events into [Event]s. Loss of the
// connection without [Client.Close] is reported as an [EventError].
package monitor
