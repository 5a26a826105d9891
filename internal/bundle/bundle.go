// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/paths"
	"github.com/cavaliergopher/cpio"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRegularFile is returned if a file expected to be regular is
	// not.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrInvalidBundle is returned if an archive can not be imported.
	ErrInvalidBundle = errors.New("invalid bundle")

	// ErrDestinationExists is returned if the destination of an import
	// exists already.
	ErrDestinationExists = errors.New("destination exists")
)

// Runtime files never exported.
var runtimeFiles = []string{
	paths.PIDFileName,
	paths.LockFileName,
	paths.DebugLogName,
}

// Export writes the storage directory at root into w. Sockets and runtime
// files are skipped.
func Export(root string, w io.Writer) error {
	archive := newArchiveWriter(w)
	root = filepath.Clean(root)

	err := fs.WalkDir(os.DirFS(root), ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == "." {
			return nil
		}

		switch entry.Type() {
		case fs.ModeDir:
			info, err := entry.Info()
			if err != nil {
				return fmt.Errorf("read info for %s: %w", path, err)
			}

			return archive.WriteDirectory(path, info.Mode())
		case fs.ModeSymlink:
			target, err := os.Readlink(filepath.Join(root, path))
			if err != nil {
				return fmt.Errorf("read link %s: %w", path, err)
			}

			return archive.WriteLink(path, target)
		case 0:
			if slices.Contains(runtimeFiles, path) {
				return nil
			}

			return exportRegular(archive, root, path)
		default:
			slog.Debug("Skipping special file on export",
				slog.String("path", path),
				slog.String("type", entry.Type().String()))

			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("export %s: %w", root, err)
	}

	return archive.Close()
}

func exportRegular(archive *archiveWriter, root, path string) error {
	file, err := os.Open(filepath.Join(root, path))
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	return archive.WriteRegular(path, file)
}

// Import extracts the archive read from r into the new directory dest and
// loads the configuration found in it.
//
// Either the whole bundle is imported or, on any error, dest is removed
// again.
func Import(r io.Reader, dest string) (*config.Store, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	err = os.Mkdir(dest, 0o755)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dest)
		}

		return nil, fmt.Errorf("create %s: %w", dest, err)
	}

	store, err := importInto(r, dest)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}

	return store, nil
}

func importInto(r io.Reader, dest string) (*config.Store, error) {
	reader := cpio.NewReader(r)

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
		}

		err = extract(reader, hdr, dest)
		if err != nil {
			return nil, err
		}
	}

	store, err := config.LoadFrom(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	return store, nil
}

func extract(body io.Reader, hdr *cpio.Header, dest string) error {
	if !filepath.IsLocal(hdr.Name) {
		return fmt.Errorf("%w: unsafe path %q", ErrInvalidBundle, hdr.Name)
	}

	path, err := securejoin.SecureJoin(dest, hdr.Name)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidBundle, hdr.Name, err)
	}

	mode := hdr.FileInfo().Mode()
	perm := mode.Perm()

	switch {
	case mode.IsDir():
		err = os.MkdirAll(path, perm|0o700)
	case mode&fs.ModeSymlink != 0:
		err = os.Symlink(hdr.Linkname, path)
	case mode.IsRegular():
		err = extractRegular(body, path, perm)
	default:
		return fmt.Errorf("%w: unsupported file type: %s", ErrInvalidBundle, hdr.Name)
	}

	if err != nil {
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}

	return nil
}

func extractRegular(body io.Reader, path string, perm fs.FileMode) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}

	//nolint:gosec
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm|0o600)
	if err != nil {
		return err
	}

	_, err = io.Copy(file, body)
	if err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}

// Clone copies the bundle at src into the new directory dest and gives the
// copy the new name. The copy gets a fresh system UUID and MAC address, so
// both machines can run side by side.
func Clone(src, dest, name string) (*config.Store, error) {
	rel, err := filepath.Rel(src, dest)
	if err == nil && filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%w: %s is within %s", ErrDestinationExists, dest, src)
	}

	reader, writer := io.Pipe()

	var (
		group errgroup.Group
		store *config.Store
	)

	group.Go(func() error {
		err := Export(src, writer)
		writer.CloseWithError(err)

		return err
	})

	group.Go(func() error {
		var err error

		store, err = Import(reader, dest)
		if err == nil {
			_, _ = io.Copy(io.Discard, reader)
		}

		// Unblock the exporter if the import failed early.
		reader.CloseWithError(err)

		return err
	})

	err = group.Wait()
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", src, err)
	}

	err = rename(store, name)
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("clone %s: %w", src, err)
	}

	return store, nil
}

func rename(store *config.Store, name string) error {
	err := store.ReloadFrom(store.Snapshot().Map(), name, store.Path())
	if err != nil {
		return err
	}

	err = store.Update(func(s *config.Settings) error {
		s.System.UUID = uuid.NewString()
		if s.Network.MACAddress != "" {
			s.Network.MACAddress = config.RandomMACAddress()
		}

		return nil
	})
	if err != nil {
		return err
	}

	return store.Save()
}
