// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config provides the versioned configuration document of a virtual
// machine.
//
// Documents are stored as config.yaml (or config.toml) within the storage
// directory of the virtual machine. Older documents are migrated to
// [CurrentVersion] when loaded, one version step at a time:
//
//   - 0 to 1: custom arguments given as single string are split into a list.
//   - 1 to 2: flat keys are grouped by subsystem.
//   - 2 to 3: boolean toggles become explicit modes, the system and all
//     drives get stable UUIDs.
//
// Migrations are never persisted implicitly. Call [Store.Save] to write the
// migrated document.
package config
