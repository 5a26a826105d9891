// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aibor/virtman/internal/paths"
	"github.com/aibor/virtman/internal/sys"
)

// tempFile is the part of [os.File] used for atomic writes.
type tempFile interface {
	io.Writer
	Name() string
	Sync() error
	Close() error
}

func createTemp(dir, pattern string) (tempFile, error) {
	return os.CreateTemp(dir, pattern) //nolint:wrapcheck
}

// Store owns the configuration document of a single virtual machine.
//
// The document held by a Store is always at [CurrentVersion]. All methods
// are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	identity paths.Identity
	file     string
	doc      *Document
	settings Settings

	createTemp func(dir, pattern string) (tempFile, error)
}

// New creates a [Store] with default settings for a new virtual machine.
func New(name, path string) (*Store, error) {
	identity, err := newIdentity(name, path)
	if err != nil {
		return nil, err
	}

	settings := Defaults(sys.Native)

	raw, err := encodeSettings(settings)
	if err != nil {
		return nil, err
	}

	return &Store{
		identity: identity,
		file:     filepath.Join(identity.Path, paths.ConfigFileName),
		doc: &Document{
			Version:  CurrentVersion,
			Name:     name,
			Settings: raw,
		},
		settings:   settings,
		createTemp: createTemp,
	}, nil
}

// LoadFrom reads the configuration document from the given storage
// directory and migrates it to the current version.
//
// The display name is taken from the document. If it has none, the base
// name of the directory without extension is used.
func LoadFrom(path string) (*Store, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	file, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}

	doc, name, err := readFile(file)
	if err != nil {
		return nil, err
	}

	store := &Store{
		file:       file,
		createTemp: createTemp,
	}

	err = store.replace(doc, name, path)
	if err != nil {
		return nil, err
	}

	return store, nil
}

func findConfigFile(dir string) (string, error) {
	for _, name := range configFileNames {
		file := filepath.Join(dir, name)

		_, err := os.Stat(file)
		if err == nil {
			return file, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %w", ErrMalformedConfiguration, err)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoConfigFile, dir)
}

// readFile reads and decodes the given file. It returns the document and
// the display name of the virtual machine.
func readFile(file string) (*Document, string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMalformedConfiguration, err)
	}

	doc, err := decodeDocument(file, data)
	if err != nil {
		return nil, "", err
	}

	name := doc.Name
	if name == "" {
		dir := filepath.Dir(file)
		name = strings.TrimSuffix(filepath.Base(dir), filepath.Ext(dir))
	}

	return doc, name, nil
}

func newIdentity(name, path string) (paths.Identity, error) {
	identity := paths.Identity{Name: name, Path: filepath.Clean(path)}

	err := identity.Validate()
	if err != nil {
		return paths.Identity{}, fmt.Errorf("identity: %w", err)
	}

	return identity, nil
}

// replace migrates and validates the given document and, only if all of it
// succeeds, swaps it in together with the new identity.
func (s *Store) replace(doc *Document, name, path string) error {
	identity, err := newIdentity(name, path)
	if err != nil {
		return err
	}

	doc.Name = name

	migrated, changed, err := migrate(doc)
	if err != nil {
		return err
	}

	settings, err := decodeSettings(migrated.Settings, name)
	if err != nil {
		return err
	}

	err = settings.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedConfiguration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == "" || filepath.Dir(s.file) != identity.Path {
		s.file = filepath.Join(identity.Path, paths.ConfigFileName)
	}

	s.doc = migrated
	s.settings = settings
	s.identity = identity

	if changed {
		slog.Debug("Migrated configuration",
			slog.String("vm", name),
			slog.Int("from", doc.Version),
			slog.Int("to", migrated.Version))
	}

	return nil
}

// MigrateIfNecessary migrates the in-memory document to [CurrentVersion]. It
// returns true if any migration step was applied.
//
// As documents are migrated eagerly when loaded, this is a no-op for any
// Store obtained from [New] or [LoadFrom]. The document is not saved.
func (s *Store) MigrateIfNecessary() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	migrated, changed, err := migrate(s.doc)
	if err != nil || !changed {
		return false, err
	}

	settings, err := decodeSettings(migrated.Settings, migrated.Name)
	if err != nil {
		return false, err
	}

	s.doc = migrated
	s.settings = settings

	return true, nil
}

// ResetToDefaults replaces all settings by the defaults. Name, path and the
// system UUID are kept.
func (s *Store) ResetToDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()

	arch, err := s.settings.System.Arch()
	if err != nil {
		arch = sys.Native
	}

	settings := Defaults(arch)
	settings.System.UUID = s.settings.System.UUID

	raw, err := encodeSettings(settings)
	if err != nil {
		// Defaults always encode.
		panic(err)
	}

	s.doc = &Document{
		Version:  CurrentVersion,
		Name:     s.doc.Name,
		Icon:     s.doc.Icon,
		Settings: raw,
	}
	s.settings = settings
}

// ReloadFrom replaces the whole document by the given mapping, as returned
// by [Document.Map], and sets the identity.
//
// The document is migrated and validated before anything is replaced. On
// any error the store is left unchanged.
func (s *Store) ReloadFrom(dict map[string]any, name, path string) error {
	doc, err := documentFromMap(dict)
	if err != nil {
		return err
	}

	return s.replace(doc, name, path)
}

// Reload reads the document from disk again. On error the in-memory
// document is left unchanged.
func (s *Store) Reload() error {
	file := s.File()

	doc, name, err := readFile(file)
	if err != nil {
		return err
	}

	return s.replace(doc, name, filepath.Dir(file))
}

// Save writes the document to disk.
//
// The document is written into a temporary file in the same directory first
// which is then renamed over the original. So, the previous document is
// preserved on any failure.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := encodeDocument(s.file, s.doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	err = s.writeAtomic(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailure, s.file, err)
	}

	slog.Debug("Saved configuration",
		slog.String("vm", s.doc.Name),
		slog.String("path", s.file))

	return nil
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.file)

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := s.createTemp(dir, "."+filepath.Base(s.file)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write: %w", err)
	}

	err = tmp.Sync()
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}

	err = os.Chmod(tmpName, 0o644)
	if err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	err = os.Rename(tmpName, s.file)
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	committed = true

	return nil
}

// Identity returns the identity of the virtual machine.
func (s *Store) Identity() paths.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.identity
}

// Name returns the display name.
func (s *Store) Name() string {
	return s.Identity().Name
}

// Path returns the storage directory.
func (s *Store) Path() string {
	return s.Identity().Path
}

// File returns the path of the configuration file.
func (s *Store) File() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.file
}

// Icon returns the path of the custom icon, if any.
func (s *Store) Icon() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.doc.Icon
}

// SetIcon sets the path of the custom icon. An empty path removes it.
func (s *Store) SetIcon(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Icon = path
}

// Version returns the schema version of the document.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.doc.Version
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.doc.clone()
}

// Settings returns a copy of the typed settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.settings.clone()
}

// Update applies fn to a copy of the settings. If fn succeeds and the result
// is valid, the settings are replaced. Keys unknown to [Settings] are kept.
//
// The store is locked while fn runs, so fn must not call any method of the
// store.
func (s *Store) Update(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := s.settings.clone()

	err := fn(&settings)
	if err != nil {
		return err
	}

	err = settings.Validate()
	if err != nil {
		return err
	}

	raw, err := encodeSettings(settings)
	if err != nil {
		return err
	}

	merged := cloneMap(s.doc.Settings)
	mergeMap(merged, raw)

	s.doc.Settings = merged
	s.settings = settings

	return nil
}
