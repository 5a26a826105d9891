// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI command entry point for virtman. It handles
// argument parsing, error handling, and output handling.
//
// Each machine is addressed by its storage directory. Commands that only
// touch the configuration work on the [config.Store] directly, the "run"
// command drives the machine in the foreground and attaches the terminal to
// its serial console.
package cmd
