// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"io"
	"slices"
	"sync/atomic"

	"github.com/aibor/virtman/internal/config"
)

// Observer is notified about every state transition.
//
// It is called from the event loop of the machine, so it must return
// quickly and must not wait for any other operation of the machine.
type Observer interface {
	StateChanged(from, to State, err error)
}

// ObserverFunc is a function implementing [Observer].
type ObserverFunc func(from, to State, err error)

// StateChanged implements [Observer].
func (f ObserverFunc) StateChanged(from, to State, err error) {
	f(from, to, err)
}

// DisplayType is the kind of display a machine offers.
type DisplayType int

// Display types.
const (
	// DisplayConsole is the serial console only.
	DisplayConsole DisplayType = iota
	// DisplayFullGraphic is a SPICE display in addition to the console.
	DisplayFullGraphic
)

func displayTypeFor(mode config.DisplayMode) DisplayType {
	if mode == config.DisplayGraphic {
		return DisplayFullGraphic
	}

	return DisplayConsole
}

// String implements [fmt.Stringer].
func (t DisplayType) String() string {
	if t == DisplayFullGraphic {
		return "full-graphic"
	}

	return "console"
}

// IOChannels are the endpoints of a running machine.
type IOChannels struct {
	// Console is the connected serial console. It is closed by the machine
	// once it stops.
	Console io.ReadWriteCloser
	// DisplaySocket is the path of the SPICE socket. It is empty for
	// [DisplayConsole].
	DisplaySocket string
	DisplayType   DisplayType
}

// IODelegate receives the [IOChannels] of a machine. Like [Observer], it is
// called from the event loop.
type IODelegate interface {
	// ChannelsOpened is called once the machine is running.
	ChannelsOpened(channels *IOChannels)
	// ChannelsClosed is called once the machine stopped or failed.
	ChannelsClosed()
}

// Registration refers to a registered [Observer] or [IODelegate]. The
// machine does not keep the registered value alive beyond the
// registration.
type Registration struct {
	active atomic.Bool
}

func newRegistration() *Registration {
	r := &Registration{}
	r.active.Store(true)

	return r
}

// Unregister stops any further notification. It is safe to call from
// within a notification and multiple times.
func (r *Registration) Unregister() {
	r.active.Store(false)
}

// Active returns false once unregistered.
func (r *Registration) Active() bool {
	return r.active.Load()
}

type registered[T any] struct {
	reg   *Registration
	value T
}

// registrations is only accessed by the event loop.
type registrations[T any] struct {
	entries []registered[T]
}

func (r *registrations[T]) add(value T) *Registration {
	reg := newRegistration()
	r.entries = append(r.entries, registered[T]{reg: reg, value: value})

	return reg
}

// each calls fn for all active entries in the order they were added.
// Inactive entries are dropped.
func (r *registrations[T]) each(fn func(T)) {
	r.entries = slices.DeleteFunc(r.entries, func(e registered[T]) bool {
		return !e.reg.Active()
	})

	for _, entry := range slices.Clone(r.entries) {
		if entry.reg.Active() {
			fn(entry.value)
		}
	}
}
