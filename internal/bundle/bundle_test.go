// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle_test

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/aibor/virtman/internal/bundle"
	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/paths"
	"github.com/cavaliergopher/cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBundle creates a storage directory with a configuration, a disk image
// in a sub directory, a symlink and some runtime files.
func newBundle(t *testing.T) *config.Store {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.Mkdir(dir, 0o755))

	store, err := config.New("source", dir)
	require.NoError(t, err)

	_, err = store.AddDrive(config.Drive{ImagePath: "images/disk.img"})
	require.NoError(t, err)
	require.NoError(t, store.Save())

	require.NoError(t, os.Mkdir(filepath.Join(dir, "images"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "images", "disk.img"), []byte("disk"), 0o600))
	require.NoError(t, os.Symlink("images/disk.img", filepath.Join(dir, "current")))

	for _, name := range []string{paths.PIDFileName, paths.LockFileName, paths.DebugLogName} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("runtime"), 0o644))
	}

	listener, err := net.Listen("unix", filepath.Join(dir, paths.SerialSocketName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	return store
}

func TestExportImport(t *testing.T) {
	source := newBundle(t)

	var archive bytes.Buffer
	require.NoError(t, bundle.Export(source.Path(), &archive))

	dest := filepath.Join(t.TempDir(), "imported")

	store, err := bundle.Import(&archive, dest)
	require.NoError(t, err)

	assert.Equal(t, "source", store.Name())
	assert.Equal(t, dest, store.Path())
	assert.Equal(t, source.Settings(), store.Settings())

	disk, err := os.ReadFile(filepath.Join(dest, "images", "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, "disk", string(disk))

	info, err := os.Stat(filepath.Join(dest, "images", "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "current"))
	require.NoError(t, err)
	assert.Equal(t, "images/disk.img", target)

	for _, name := range []string{
		paths.PIDFileName,
		paths.LockFileName,
		paths.DebugLogName,
		paths.SerialSocketName,
	} {
		assert.NoFileExists(t, filepath.Join(dest, name))
	}
}

func TestImportExistingDestination(t *testing.T) {
	source := newBundle(t)

	var archive bytes.Buffer
	require.NoError(t, bundle.Export(source.Path(), &archive))

	dest := t.TempDir()
	marker := filepath.Join(dest, "keep")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	_, err := bundle.Import(&archive, dest)
	require.ErrorIs(t, err, bundle.ErrDestinationExists)
	assert.FileExists(t, marker)
}

func TestImportInvalid(t *testing.T) {
	tests := []struct {
		name    string
		entries []*cpio.Header
	}{
		{
			name: "parent reference",
			entries: []*cpio.Header{
				{Name: "../escaped", Mode: cpio.TypeReg | 0o644},
			},
		},
		{
			name: "absolute path",
			entries: []*cpio.Header{
				{Name: "/etc/escaped", Mode: cpio.TypeReg | 0o644},
			},
		},
		{
			name: "no configuration",
			entries: []*cpio.Header{
				{Name: "disk.img", Mode: cpio.TypeReg | 0o644},
			},
		},
		{
			name: "device node",
			entries: []*cpio.Header{
				{Name: "null", Mode: cpio.TypeChar | 0o644},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var archive bytes.Buffer

			writer := cpio.NewWriter(&archive)
			for _, hdr := range tt.entries {
				require.NoError(t, writer.WriteHeader(hdr))
			}
			require.NoError(t, writer.Close())

			dest := filepath.Join(t.TempDir(), "imported")

			_, err := bundle.Import(&archive, dest)
			require.ErrorIs(t, err, bundle.ErrInvalidBundle)
			assert.NoDirExists(t, dest, "destination must be removed")
		})
	}
}

func TestImportTruncated(t *testing.T) {
	source := newBundle(t)

	var archive bytes.Buffer
	require.NoError(t, bundle.Export(source.Path(), &archive))

	truncated := bytes.NewReader(archive.Bytes()[:50])
	dest := filepath.Join(t.TempDir(), "imported")

	_, err := bundle.Import(truncated, dest)
	require.Error(t, err)
	assert.NoDirExists(t, dest)
}

func TestClone(t *testing.T) {
	source := newBundle(t)
	dest := filepath.Join(t.TempDir(), "copy")

	clone, err := bundle.Clone(source.Path(), dest, "copy")
	require.NoError(t, err)

	assert.Equal(t, "copy", clone.Name())
	assert.Equal(t, dest, clone.Path())

	sourceSettings := source.Settings()
	cloneSettings := clone.Settings()

	assert.NotEqual(t, sourceSettings.System.UUID, cloneSettings.System.UUID)
	assert.NotEqual(t, sourceSettings.Network.MACAddress, cloneSettings.Network.MACAddress)
	assert.Equal(t, sourceSettings.Drives, cloneSettings.Drives)
	assert.FileExists(t, filepath.Join(dest, "images", "disk.img"))

	loaded, err := config.LoadFrom(dest)
	require.NoError(t, err)
	assert.Equal(t, "copy", loaded.Name())
	assert.Equal(t, cloneSettings, loaded.Settings())
}

func TestCloneIntoItself(t *testing.T) {
	source := newBundle(t)

	_, err := bundle.Clone(source.Path(), filepath.Join(source.Path(), "nested"), "nested")
	require.ErrorIs(t, err, bundle.ErrDestinationExists)
	assert.NoDirExists(t, filepath.Join(source.Path(), "nested"))
}
