// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sys

import (
	"errors"
	"os"
	"runtime"
)

// Arch is a guest architecture.
type Arch string

// Supported guest architectures.
const (
	AMD64   Arch = "amd64"
	ARM64   Arch = "arm64"
	RISCV64 Arch = "riscv64"
)

// Native is the architecture of the host. Using the same architecture for the
// guest allows using KVM, if available. Use [Arch.KVMAvailable] to check.
const Native Arch = Arch(runtime.GOARCH)

// ErrArchNotSupported is returned for architectures no QEMU system emulator
// is known for.
var ErrArchNotSupported = errors.New("architecture not supported")

// Aliases used by QEMU and older configuration documents.
var archAliases = map[string]Arch{
	"x86_64":  AMD64,
	"aarch64": ARM64,
}

// ParseArch returns the [Arch] for the given name. QEMU's names are accepted
// as well.
func ParseArch(name string) (Arch, error) {
	if arch, exists := archAliases[name]; exists {
		return arch, nil
	}

	switch arch := Arch(name); arch {
	case AMD64, ARM64, RISCV64:
		return arch, nil
	default:
		return "", ErrArchNotSupported
	}
}

func (a Arch) String() string {
	return string(a)
}

// IsNative returns true if the architecture matches the host's.
func (a Arch) IsNative() bool {
	return Native == a
}

// QEMUName returns the name QEMU uses for the architecture, as in
// qemu-system-x86_64.
func (a Arch) QEMUName() string {
	for alias, arch := range archAliases {
		if arch == a {
			return alias
		}
	}

	return string(a)
}

// KVMAvailable checks if KVM support is available for the given architecture.
func (a Arch) KVMAvailable() bool {
	if !a.IsNative() {
		return false
	}

	f, err := os.OpenFile("/dev/kvm", os.O_WRONLY, 0)
	_ = f.Close()

	return err == nil
}

// MarshalText implements [encoding.TextMarshaler].
func (a Arch) MarshalText() ([]byte, error) {
	_, err := ParseArch(string(a))
	if err != nil {
		return nil, err
	}

	return []byte(a), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (a *Arch) UnmarshalText(text []byte) error {
	arch, err := ParseArch(string(text))
	if err != nil {
		return err
	}

	*a = arch

	return nil
}
