// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vm provides the life cycle state machine of virtual machines.
//
// A [Machine] is driven by a single event loop goroutine. Requests from
// callers, results of background work and events of the running process are
// all processed by this loop, so observers see the state transitions in the
// order they happened. Requests are validated synchronously and fail right
// away if the current state does not permit them. Anything that takes time,
// like starting the process and waiting for it to be ready, runs in the
// background and reports its result back to the loop.
package vm
