// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import "github.com/digitalocean/go-qemu/qmp"

// EventKind is the type of an [Event].
type EventKind int

// Known event kinds.
const (
	EventOther EventKind = iota
	EventPaused
	EventResumed
	EventShutdown
	EventPowerdown
	EventReset
	EventTrayMoved
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventShutdown:
		return "shutdown"
	case EventPowerdown:
		return "powerdown"
	case EventReset:
		return "reset"
	case EventTrayMoved:
		return "tray-moved"
	case EventError:
		return "error"
	default:
		return "other"
	}
}

// Event is an asynchronous notification of the QEMU process.
type Event struct {
	Kind EventKind
	// Name is the QMP event name. Empty for [EventError].
	Name string
	// Guest is true if a shutdown or reset was initiated by the guest.
	Guest bool
	// Reason is the cause of a shutdown or reset as given by QEMU.
	Reason string
	// Device is the QOM path or ID of the device of a [EventTrayMoved].
	Device string
	// TrayOpen is the new tray state of a [EventTrayMoved].
	TrayOpen bool
	// Err is set for [EventError].
	Err error
}

var eventKinds = map[string]EventKind{
	"STOP":              EventPaused,
	"RESUME":            EventResumed,
	"SHUTDOWN":          EventShutdown,
	"POWERDOWN":         EventPowerdown,
	"RESET":             EventReset,
	"DEVICE_TRAY_MOVED": EventTrayMoved,
}

func translate(raw qmp.Event) Event {
	event := Event{
		Kind: eventKinds[raw.Event],
		Name: raw.Event,
	}

	event.Guest, _ = raw.Data["guest"].(bool)
	event.Reason, _ = raw.Data["reason"].(string)
	event.TrayOpen, _ = raw.Data["tray-open"].(bool)

	event.Device, _ = raw.Data["id"].(string)
	if event.Device == "" {
		event.Device, _ = raw.Data["device"].(string)
	}

	return event
}
