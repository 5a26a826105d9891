// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package network manages the host side tap devices used for bridged guest
// networking.
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

const maxInterfaceNameLen = 15

var (
	// ErrInvalidName is returned for names that are not valid interface
	// names.
	ErrInvalidName = errors.New("invalid interface name")

	// ErrNotABridge is returned if the master interface is not a bridge.
	ErrNotABridge = errors.New("not a bridge")
)

// links is the subset of [netlink.Handle] needed for managing tap devices.
type links interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkSetMaster(link netlink.Link, master netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkDel(link netlink.Link) error
}

// ValidateName checks that the given name can be used as network interface
// name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxInterfaceNameLen:
		return fmt.Errorf("%w: longer than %d: %s", ErrInvalidName, maxInterfaceNameLen, name)
	case name == "." || name == "..",
		strings.ContainsAny(name, "/:\x00 \t\n"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// TapManager creates and removes tap devices attached to bridges.
type TapManager struct {
	links links
	close func()
}

// NewTapManager returns a [TapManager] using a new netlink socket. It must
// be closed once not needed anymore.
func NewTapManager() (*TapManager, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink: %w", err)
	}

	return &TapManager{links: handle, close: handle.Close}, nil
}

// Close releases the netlink socket.
func (m *TapManager) Close() {
	if m.close != nil {
		m.close()
	}
}

// Setup creates the persistent tap device with the given name, attaches it
// to the bridge and brings it up. The device is owned by the current user,
// so an unprivileged emulator can open it. An existing device of the same
// name is reused.
func (m *TapManager) Setup(name, bridge string) error {
	for _, n := range []string{name, bridge} {
		err := ValidateName(n)
		if err != nil {
			return err
		}
	}

	master, err := m.links.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", bridge, err)
	}

	if master.Type() != "bridge" {
		return fmt.Errorf("%w: %s is %s", ErrNotABridge, bridge, master.Type())
	}

	tap, err := m.links.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("tap %s: %w", name, err)
		}

		tap = &netlink.Tuntap{
			LinkAttrs: netlink.NewLinkAttrs(),
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
			Owner:     uint32(os.Getuid()), //nolint:gosec
			Group:     uint32(os.Getgid()), //nolint:gosec
		}
		tap.Attrs().Name = name

		err = m.links.LinkAdd(tap)
		if err != nil {
			return fmt.Errorf("add tap %s: %w", name, err)
		}

		slog.Debug("Tap device created", slog.String("name", name))
	}

	err = m.links.LinkSetMaster(tap, master)
	if err != nil {
		return fmt.Errorf("attach %s to %s: %w", name, bridge, err)
	}

	err = m.links.LinkSetUp(tap)
	if err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}

	return nil
}

// Teardown removes the tap device with the given name. A missing device is
// not an error.
func (m *TapManager) Teardown(name string) error {
	err := ValidateName(name)
	if err != nil {
		return err
	}

	tap, err := m.links.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}

		return fmt.Errorf("tap %s: %w", name, err)
	}

	err = m.links.LinkDel(tap)
	if err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}

	slog.Debug("Tap device removed", slog.String("name", name))

	return nil
}
