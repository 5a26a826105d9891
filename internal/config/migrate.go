// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/aibor/virtman/internal/sys"
	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

// migration transforms a document of one version into the shape of the next
// version. It must leave already migrated parts untouched.
type migration func(doc *Document) error

// migrations holds the step starting at each version.
var migrations = [CurrentVersion]migration{
	migrateArgumentList,
	migrateGroupedLayout,
	migrateModes,
}

// Namespaces for deterministically derived identifiers.
var (
	systemNamespace  = uuid.MustParse("8a1f2d4e-5b6c-4e7f-9a0b-1c2d3e4f5a6b")
	driveNamespace   = uuid.MustParse("3c9e7a51-0d2b-4f86-b1e4-6a7c8d9e0f12")
	networkNamespace = uuid.MustParse("b7e2c4a9-61f3-4d08-8c5e-2f9a0d1b3e47")
)

// derivedSystemUUID returns the system UUID of a machine without one.
func derivedSystemUUID(name string) string {
	return uuid.NewSHA1(systemNamespace, []byte(name)).String()
}

// derivedMACAddress returns the locally administered unicast MAC address of
// a machine without one.
func derivedMACAddress(name string) string {
	id := uuid.NewSHA1(networkNamespace, []byte(name))
	mac := net.HardwareAddr(id[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01

	return mac.String()
}

var (
	errNotMapping = errors.New("not a mapping")
	errNotList    = errors.New("not a list")
	errNotBool    = errors.New("not a boolean")
)

// migrate returns the document migrated to [CurrentVersion] and whether any
// step was applied. The given document is never modified.
func migrate(doc *Document) (*Document, bool, error) {
	if doc.Version > CurrentVersion {
		return nil, false, &MigrationError{
			From: doc.Version,
			Err: fmt.Errorf("%w: version %d is newer than %d",
				ErrUnsupportedMigration, doc.Version, CurrentVersion),
		}
	}

	if doc.Version == CurrentVersion {
		return doc, false, nil
	}

	migrated := doc.clone()
	if migrated.Settings == nil {
		migrated.Settings = map[string]any{}
	}

	for migrated.Version < CurrentVersion {
		err := migrations[migrated.Version](migrated)
		if err != nil {
			return nil, false, &MigrationError{
				From: migrated.Version,
				Err:  fmt.Errorf("%w: %w", ErrUnsupportedMigration, err),
			}
		}

		migrated.Version++
	}

	return migrated, true, nil
}

// migrateArgumentList splits custom arguments given as single string into a
// list of arguments.
func migrateArgumentList(doc *Document) error {
	value, exists := doc.Settings["AdditionalArguments"]
	if !exists {
		return nil
	}

	line, ok := value.(string)
	if !ok {
		return nil
	}

	args, err := shellwords.Parse(line)
	if err != nil {
		return fmt.Errorf("AdditionalArguments: %w", err)
	}

	list := make([]any, len(args))
	for idx, arg := range args {
		list[idx] = arg
	}

	doc.Settings["AdditionalArguments"] = list

	return nil
}

var groupedLayoutKeys = []struct {
	legacy string
	group  string
	key    string
}{
	{"SystemArchitecture", "system", "architecture"},
	{"SystemTarget", "system", "target"},
	{"SystemMemory", "system", "memory"},
	{"SystemCPUCount", "system", "cpuCount"},
	{"NetworkEnabled", "network", "enabled"},
	{"DisplayConsoleOnly", "display", "consoleOnly"},
	{"SoundEnabled", "sound", "enabled"},
	{"InputLegacy", "input", "legacy"},
	{"SharingDirectory", "sharing", "directory"},
	{"SharingReadOnly", "sharing", "readOnly"},
	{"AdditionalArguments", "qemu", "arguments"},
}

// migrateGroupedLayout moves the flat legacy keys into their subsystem
// groups. Values already present in a group take precedence, the legacy value
// is discarded with a warning then.
func migrateGroupedLayout(doc *Document) error {
	for _, k := range groupedLayoutKeys {
		value, exists := doc.Settings[k.legacy]
		if !exists {
			continue
		}

		group, err := settingsGroup(doc.Settings, k.group)
		if err != nil {
			return err
		}

		if _, exists := group[k.key]; exists {
			warnDiscarded(doc, k.legacy, k.group+"."+k.key)
		} else {
			group[k.key] = value
		}

		delete(doc.Settings, k.legacy)
	}

	value, exists := doc.Settings["Drives"]
	if !exists {
		return nil
	}

	delete(doc.Settings, "Drives")

	legacyDrives, ok := value.([]any)
	if !ok {
		return fmt.Errorf("Drives: %w", errNotList)
	}

	if _, exists := doc.Settings["drives"]; exists {
		warnDiscarded(doc, "Drives", "drives")
		return nil
	}

	drives := make([]any, 0, len(legacyDrives))

	for idx, entry := range legacyDrives {
		legacy, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("Drives[%d]: %w", idx, errNotMapping)
		}

		drive := make(map[string]any, len(legacy))
		for key, value := range legacy {
			drive[lowerFirst(key)] = value
		}

		drives = append(drives, drive)
	}

	doc.Settings["drives"] = drives

	return nil
}

func warnDiscarded(doc *Document, legacy, current string) {
	slog.Warn("Discarding legacy setting shadowed by current one",
		slog.String("vm", doc.Name),
		slog.String("legacy", legacy),
		slog.String("current", current))
}

// migrateModes replaces boolean toggles by explicit modes and assigns stable
// identifiers to the system, the network card and all drives.
func migrateModes(doc *Document) error {
	toggles := []struct {
		group    string
		legacy   string
		key      string
		enabled  string
		disabled string
	}{
		{"network", "enabled", "mode", string(NetworkEmulated), string(NetworkNone)},
		{"sound", "enabled", "card", "intel-hda", SoundNone},
		{"display", "consoleOnly", "mode", string(DisplayConsole), string(DisplayGraphic)},
	}

	for _, toggle := range toggles {
		group, err := existingGroup(doc.Settings, toggle.group)
		if err != nil {
			return err
		}

		value, exists := group[toggle.legacy]
		if !exists {
			continue
		}

		enabled, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s.%s: %w", toggle.group, toggle.legacy, errNotBool)
		}

		delete(group, toggle.legacy)

		if _, exists := group[toggle.key]; exists {
			continue
		}

		group[toggle.key] = toggle.disabled
		if enabled {
			group[toggle.key] = toggle.enabled
		}
	}

	system, err := settingsGroup(doc.Settings, "system")
	if err != nil {
		return err
	}

	if name, ok := system["architecture"].(string); ok {
		if arch, err := sys.ParseArch(name); err == nil {
			system["architecture"] = arch.String()
		}
	}

	if _, exists := system["uuid"]; !exists {
		system["uuid"] = derivedSystemUUID(doc.Name)
	}

	network, err := settingsGroup(doc.Settings, "network")
	if err != nil {
		return err
	}

	if _, exists := network["macAddress"]; !exists {
		network["macAddress"] = derivedMACAddress(doc.Name)
	}

	value, exists := doc.Settings["drives"]
	if !exists {
		return nil
	}

	drives, ok := value.([]any)
	if !ok {
		return fmt.Errorf("drives: %w", errNotList)
	}

	for idx, entry := range drives {
		drive, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("drives[%d]: %w", idx, errNotMapping)
		}

		if _, exists := drive["id"]; exists {
			continue
		}

		seed := doc.Name + "/" + strconv.Itoa(idx)
		drive["id"] = uuid.NewSHA1(driveNamespace, []byte(seed)).String()
	}

	return nil
}

// existingGroup returns the group mapping with the given name or nil, if it
// does not exist.
func existingGroup(settings map[string]any, name string) (map[string]any, error) {
	value, exists := settings[name]
	if !exists || value == nil {
		return nil, nil //nolint:nilnil
	}

	group, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errNotMapping)
	}

	return group, nil
}

// settingsGroup returns the group mapping with the given name. It is created,
// if it does not exist.
func settingsGroup(settings map[string]any, name string) (map[string]any, error) {
	value, exists := settings[name]
	if !exists || value == nil {
		group := map[string]any{}
		settings[name] = group

		return group, nil
	}

	group, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errNotMapping)
	}

	return group, nil
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}

	return string(unicode.ToLower(r)) + s[size:]
}
