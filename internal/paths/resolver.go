// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Well-known file names within the storage directory.
const (
	ConfigFileName    = "config.yaml"
	SerialSocketName  = "serial.sock"
	DisplaySocketName = "spice.sock"
	MonitorSocketName = "qmp.sock"
	PIDFileName       = "qemu.pid"
	LockFileName      = "qemu.lock"
	DebugLogName      = "debug.log"
)

// Socket paths must fit into sockaddr_un including the terminating NUL byte.
var maxSocketPathLen = len(unix.RawSockaddrUnix{}.Path) - 1

const (
	runtimeDirPrefix = "virtman-"
	runtimeDirHash   = 16
	tapDevicePrefix  = "vm"
	tapDeviceHash    = 12
)

// Paths are the derived endpoints of a single virtual machine.
type Paths struct {
	// Root is the storage directory of the virtual machine.
	Root string
	// SocketDir is the directory the sockets are created in. It is the same
	// as Root, unless the socket paths would exceed the system limit.
	SocketDir string

	ConfigFile    string
	SerialSocket  string
	DisplaySocket string
	MonitorSocket string
	PIDFile       string
	LockFile      string
	DebugLog      string

	// TapDevice is the host network interface name used for bridged
	// networking.
	TapDevice string
}

// Sockets returns all socket paths.
func (p *Paths) Sockets() []string {
	return []string{p.SerialSocket, p.DisplaySocket, p.MonitorSocket}
}

// EnsureDirs creates the storage and socket directories, if they do not
// exist yet.
func (p *Paths) EnsureDirs() error {
	err := os.MkdirAll(p.Root, 0o755)
	if err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	err = os.MkdirAll(p.SocketDir, 0o700)
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	return nil
}

// RemoveRuntimeFiles removes sockets and the pid file left behind by a
// terminated process. Missing files are ignored.
func (p *Paths) RemoveRuntimeFiles() error {
	var result *multierror.Error

	for _, path := range append(p.Sockets(), p.PIDFile) {
		err := os.Remove(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}

	if p.SocketDir != p.Root {
		err := os.Remove(p.SocketDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Resolver derives [Paths] from [Identity]s.
type Resolver struct {
	// RuntimeDir is the fallback parent directory for sockets whose path
	// within the storage directory would be too long.
	RuntimeDir string
}

// NewResolver returns a [Resolver] using $XDG_RUNTIME_DIR or the system's
// temporary directory as runtime directory.
func NewResolver() *Resolver {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}

	return &Resolver{RuntimeDir: dir}
}

// Resolve derives all [Paths] for the given [Identity].
func (r *Resolver) Resolve(id Identity) (*Paths, error) {
	err := id.Validate()
	if err != nil {
		return nil, err
	}

	root := id.Key()
	sum := sha256.Sum256([]byte(root))
	hash := hex.EncodeToString(sum[:])

	socketDir := root
	if socketPathTooLong(root) {
		socketDir = filepath.Join(r.RuntimeDir, runtimeDirPrefix+hash[:runtimeDirHash])
		if socketPathTooLong(socketDir) {
			return nil, fmt.Errorf("%w: runtime dir too long: %s", ErrInvalidIdentity, socketDir)
		}
	}

	paths := &Paths{
		Root:      root,
		SocketDir: socketDir,
		TapDevice: tapDevicePrefix + hash[:tapDeviceHash],
	}

	files := []struct {
		dest *string
		dir  string
		name string
	}{
		{&paths.ConfigFile, root, ConfigFileName},
		{&paths.SerialSocket, socketDir, SerialSocketName},
		{&paths.DisplaySocket, socketDir, DisplaySocketName},
		{&paths.MonitorSocket, socketDir, MonitorSocketName},
		{&paths.PIDFile, root, PIDFileName},
		{&paths.LockFile, root, LockFileName},
		{&paths.DebugLog, root, DebugLogName},
	}

	for _, file := range files {
		path, err := securejoin.SecureJoin(file.dir, file.name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidIdentity, file.name, err)
		}

		*file.dest = path
	}

	return paths, nil
}

func socketPathTooLong(dir string) bool {
	longest := max(
		len(SerialSocketName),
		len(DisplaySocketName),
		len(MonitorSocketName),
	)

	return len(dir)+1+longest > maxSocketPathLen
}
