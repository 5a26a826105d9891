// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"slices"
	"strings"
)

// Argument is a QEMU command line option with an optional value.
//
// Unique arguments may appear only once in a command line. Repeatable
// arguments may appear multiple times as long as their values differ.
type Argument struct {
	name       string
	value      string
	repeatable bool
}

// UniqueArg returns a new [Argument] that may be used only once. Multiple
// values are joined into a comma separated option list.
func UniqueArg(name string, value ...string) Argument {
	return Argument{
		name:  name,
		value: strings.Join(value, ","),
	}
}

// RepeatableArg returns a new [Argument] that may be used multiple times.
// Multiple values are joined into a comma separated option list.
func RepeatableArg(name string, value ...string) Argument {
	return Argument{
		name:       name,
		value:      strings.Join(value, ","),
		repeatable: true,
	}
}

// Name returns the option name without leading dash.
func (a Argument) Name() string {
	return a.name
}

// Value returns the option value.
func (a Argument) Value() string {
	return a.value
}

// Repeatable returns true if the [Argument] may be used more than once.
func (a Argument) Repeatable() bool {
	return a.repeatable
}

// String implements [fmt.Stringer].
func (a Argument) String() string {
	if a.value == "" {
		return "-" + a.name
	}

	return "-" + a.name + " " + a.value
}

// Collides reports whether both arguments may not be used together. Unique
// arguments collide by name, repeatable ones by name and value.
func (a Argument) Collides(other Argument) bool {
	if a.name != other.name {
		return false
	}

	if a.repeatable && other.repeatable {
		return a.value == other.value
	}

	return true
}

// Option returns a "key=value" pair for use in an option list. Commas in the
// value are escaped by doubling them.
func Option(key, value string) string {
	return key + "=" + Escape(value)
}

// Escape doubles all commas in the given value, so QEMU does not treat them
// as option separators.
func Escape(value string) string {
	return strings.ReplaceAll(value, ",", ",,")
}

// BuildArgumentStrings compiles the [Argument]s into a slice of strings which
// can be used with [exec.Command].
//
// It returns an error if any two arguments collide.
func BuildArgumentStrings(args []Argument) ([]string, error) {
	strs := make([]string, 0, 2*len(args))

	for idx, arg := range args {
		if i := slices.IndexFunc(args[:idx], arg.Collides); i != -1 {
			return nil, fmt.Errorf("%w: %s, %s",
				ErrArgumentCollision, args[i], arg)
		}

		strs = append(strs, "-"+arg.name)

		if arg.value != "" {
			strs = append(strs, arg.value)
		}
	}

	return strs, nil
}
