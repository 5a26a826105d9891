// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qemu translates virtual machine settings into a QEMU system
// emulator command line.
//
// Besides the devices configured by the user, every command line carries the
// management endpoints the host side relies on: a QMP socket, a serial
// console socket and a pid file. With
// [config.QEMU.IgnoreAllConfiguration] set, only those and the user's
// custom arguments are used.
package qemu
