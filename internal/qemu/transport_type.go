// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import "strings"

const (
	// TransportTypeISA is ISA legacy transport. No VirtIO devices are
	// available.
	TransportTypeISA TransportType = "isa"
	// TransportTypePCI is VirtIO PCI transport.
	TransportTypePCI TransportType = "pci"
	// TransportTypeMMIO is Virtio MMIO transport, as used by the "microvm"
	// machine type.
	TransportTypeMMIO TransportType = "mmio"
)

// TransportType represents QEMU IO transport types.
type TransportType string

// TransportTypeFor returns the [TransportType] VirtIO devices use on the
// given QEMU machine type.
func TransportTypeFor(machine string) TransportType {
	switch {
	case machine == "isapc":
		return TransportTypeISA
	case strings.HasPrefix(machine, "microvm"):
		return TransportTypeMMIO
	default:
		return TransportTypePCI
	}
}

// VirtIODevice returns the device name of the VirtIO device with the given
// base name, like "virtio-blk", for the transport. It returns an empty
// string if the transport has no VirtIO support.
func (t TransportType) VirtIODevice(base string) string {
	switch t {
	case TransportTypePCI:
		return base + "-pci"
	case TransportTypeMMIO:
		return base + "-device"
	default:
		return ""
	}
}
