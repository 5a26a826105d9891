// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import "slices"

// State is the life cycle state of a [Machine].
type State int

// Life cycle states. [StateStopped] is the initial state.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePausing
	StatePaused
	StateResuming
	StateStopping
	// StateError is entered on any failure. It is left only by an explicit
	// reset.
	StateError
	// StateDeleted is final.
	StateDeleted
)

var stateNames = []string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StatePausing:  "pausing",
	StatePaused:   "paused",
	StateResuming: "resuming",
	StateStopping: "stopping",
	StateError:    "error",
	StateDeleted:  "deleted",
}

func (s State) isKnown() bool {
	return s >= 0 && int(s) < len(stateNames)
}

// String implements [fmt.Stringer].
func (s State) String() string {
	if !s.isKnown() {
		return "unknown"
	}

	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	if !s.isKnown() {
		return nil, ErrInvalidState
	}

	return []byte(stateNames[s]), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *State) UnmarshalText(text []byte) error {
	idx := slices.Index(stateNames, string(text))
	if idx < 0 {
		return ErrInvalidState
	}

	*s = State(idx)

	return nil
}

// Busy returns true for the intermediate states an operation is in flight
// in.
func (s State) Busy() bool {
	switch s {
	case StateStarting, StatePausing, StateResuming, StateStopping:
		return true
	default:
		return false
	}
}

// Active returns true if the guest is running or paused, or about to be.
func (s State) Active() bool {
	switch s {
	case StateRunning, StatePausing, StatePaused, StateResuming:
		return true
	default:
		return false
	}
}

// Settled returns true for the states no further transition happens from
// without a request.
func (s State) Settled() bool {
	switch s {
	case StateStopped, StateError, StateDeleted:
		return true
	default:
		return false
	}
}
