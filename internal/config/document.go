// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"fmt"
	"math"
)

// CurrentVersion is the schema version all documents are migrated to.
const CurrentVersion = 3

// Document is the persisted configuration of a virtual machine.
//
// Settings is an open mapping grouped by subsystem. Keys unknown to this
// version are preserved as they are.
type Document struct {
	Version  int            `toml:"version"         yaml:"version"`
	Name     string         `toml:"name"            yaml:"name"`
	Icon     string         `toml:"icon,omitempty"  yaml:"icon,omitempty"`
	Settings map[string]any `toml:"settings"        yaml:"settings"`
}

// Map returns a deep copy of the document as a generic mapping, in the form
// accepted by [Store.ReloadFrom].
func (d *Document) Map() map[string]any {
	m := map[string]any{
		"version":  d.Version,
		"name":     d.Name,
		"settings": cloneMap(d.Settings),
	}

	if d.Icon != "" {
		m["icon"] = d.Icon
	}

	return m
}

func (d *Document) clone() *Document {
	return &Document{
		Version:  d.Version,
		Name:     d.Name,
		Icon:     d.Icon,
		Settings: cloneMap(d.Settings),
	}
}

// documentFromMap builds a [Document] from a generic mapping. The mapping is
// copied, so later changes to it do not affect the document.
func documentFromMap(raw map[string]any) (*Document, error) {
	raw = cloneMap(raw)
	doc := &Document{Settings: map[string]any{}}

	if value, exists := raw["version"]; exists {
		version, ok := value.(int)
		if !ok || version < 0 {
			return nil, fmt.Errorf("%w: invalid version: %v", ErrMalformedConfiguration, value)
		}

		doc.Version = version
	}

	for key, dest := range map[string]*string{"name": &doc.Name, "icon": &doc.Icon} {
		value, exists := raw[key]
		if !exists {
			continue
		}

		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a string", ErrMalformedConfiguration, key)
		}

		*dest = str
	}

	if value, exists := raw["settings"]; exists && value != nil {
		settings, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: settings is not a mapping", ErrMalformedConfiguration)
		}

		doc.Settings = settings
	}

	return doc, nil
}

// cloneMap returns a deep copy of the given mapping with all values
// normalized to the types the YAML decoder produces. This keeps encoding
// deterministic, independent of the source format.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = cloneValue(value)
	}

	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[fmt.Sprint(key)] = cloneValue(value)
		}

		return out
	case []map[string]any:
		out := make([]any, len(v))
		for idx, value := range v {
			out[idx] = cloneMap(value)
		}

		return out
	case []string:
		out := make([]any, len(v))
		for idx, value := range v {
			out[idx] = value
		}

		return out
	case []any:
		out := make([]any, len(v))
		for idx, value := range v {
			out[idx] = cloneValue(value)
		}

		return out
	case int64:
		return normalizeInt(v)
	case int32:
		return int(v)
	case uint64:
		if v > math.MaxInt64 {
			return v
		}

		return normalizeInt(int64(v))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < math.MaxInt32 {
			return int(v)
		}

		return v
	default:
		return v
	}
}

func normalizeInt(v int64) any {
	if v > math.MaxInt || v < math.MinInt {
		return v
	}

	return int(v)
}
