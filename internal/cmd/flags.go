// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aibor/virtman/internal/config"
	"github.com/spf13/pflag"
)

// ErrValueOutOfRange is returned by flags with limited values.
var ErrValueOutOfRange = errors.New("value is outside of range")

var (
	_ pflag.Value = (*limitedIntValue)(nil)
	_ pflag.Value = (*memoryValue)(nil)
	_ pflag.Value = (*enumValue[config.NetworkMode])(nil)
)

type limitedIntValue struct {
	value    *int
	min, max int
}

func (v *limitedIntValue) String() string {
	if v.value == nil {
		return "0"
	}

	return strconv.Itoa(*v.value)
}

func (v *limitedIntValue) Set(s string) error {
	value, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if v.min > 0 && value < v.min {
		return fmt.Errorf("%d < %d: %w", value, v.min, ErrValueOutOfRange)
	}

	if v.max > 0 && value > v.max {
		return fmt.Errorf("%d > %d: %w", value, v.max, ErrValueOutOfRange)
	}

	*v.value = value

	return nil
}

func (*limitedIntValue) Type() string {
	return "int"
}

// memoryValue is a memory size in MiB given in human readable form, like
// "2GiB" or "512M".
type memoryValue struct {
	mib *int
}

func (v *memoryValue) String() string {
	if v.mib == nil || *v.mib == 0 {
		return ""
	}

	return config.FormatMemory(*v.mib)
}

func (v *memoryValue) Set(s string) error {
	mib, err := config.ParseMemory(s)
	if err != nil {
		return err
	}

	*v.mib = mib

	return nil
}

func (*memoryValue) Type() string {
	return "size"
}

// enumValue accepts one of a fixed set of values.
type enumValue[T ~string] struct {
	value   *T
	allowed []T
}

func newEnumValue[T ~string](value *T, allowed ...T) *enumValue[T] {
	return &enumValue[T]{value: value, allowed: allowed}
}

func (v *enumValue[T]) String() string {
	if v.value == nil {
		return ""
	}

	return string(*v.value)
}

func (v *enumValue[T]) Set(s string) error {
	if !slices.Contains(v.allowed, T(s)) {
		return fmt.Errorf("%w: %q, must be one of: %s", config.ErrInvalidSetting, s, v.Type())
	}

	*v.value = T(s)

	return nil
}

func (v *enumValue[T]) Type() string {
	names := make([]string, len(v.allowed))
	for idx, value := range v.allowed {
		names[idx] = string(value)
	}

	return strings.Join(names, "|")
}
