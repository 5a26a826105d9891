// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/paths"
	"github.com/aibor/virtman/internal/qemu"
	"github.com/aibor/virtman/internal/supervisor"
)

// session holds the resources of a single run of the process.
type session struct {
	paths   *paths.Paths
	display DisplayType
	handle  *supervisor.Handle
	monitor Monitor
	console io.ReadWriteCloser

	tap         string
	taps        TapDevices
	releaseTaps func()
}

func (s *session) channels() *IOChannels {
	channels := &IOChannels{
		Console:     s.console,
		DisplayType: s.display,
	}

	if s.display == DisplayFullGraphic {
		channels.DisplaySocket = s.paths.DisplaySocket
	}

	return channels
}

// closeConnections closes the management and console connections. The
// process is not touched.
func (s *session) closeConnections(log *slog.Logger) {
	if s.monitor != nil {
		err := s.monitor.Close()
		if err != nil {
			log.Debug("Closing monitor failed", slog.Any("error", err))
		}

		s.monitor = nil
	}

	if s.console != nil {
		_ = s.console.Close()
		s.console = nil
	}
}

// release frees everything but the process itself, which is expected to be
// gone.
func (s *session) release(log *slog.Logger) {
	s.closeConnections(log)

	if s.tap != "" {
		err := s.taps.Teardown(s.tap)
		if err != nil {
			log.Warn("Removing tap device failed",
				slog.String("device", s.tap),
				slog.Any("error", err))
		}

		s.releaseTaps()
		s.tap = ""
	}

	err := s.paths.RemoveRuntimeFiles()
	if err != nil {
		log.Warn("Removing runtime files failed", slog.Any("error", err))
	}
}

func exitError(h *supervisor.Handle) error {
	err := h.Err()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedExit, err)
	}

	return ErrUnexpectedExit
}

// launch starts the process and connects to it. On error, everything is
// cleaned up again, including the process.
func (m *QEMUMachine) launch(
	ctx context.Context,
	settings config.Settings,
	p *paths.Paths,
) (*session, error) {
	spec := qemu.NewCommandSpec(m.store.Name(), settings, p)

	executable, err := spec.Executable()
	if err != nil {
		return nil, err
	}

	args, err := spec.Args()
	if err != nil {
		return nil, err
	}

	// Sockets of a crashed run would make the new process fail.
	err = p.RemoveRuntimeFiles()
	if err != nil {
		return nil, fmt.Errorf("remove stale runtime files: %w", err)
	}

	err = p.EnsureDirs()
	if err != nil {
		return nil, err
	}

	sess := &session{
		paths:   p,
		display: displayTypeFor(settings.Display.Mode),
	}

	if settings.Network.Mode == config.NetworkBridged {
		err := m.setupTap(sess, settings.Network.BridgeInterface)
		if err != nil {
			return nil, err
		}
	}

	var (
		output  io.Writer
		logFile *os.File
	)

	if settings.QEMU.DebugLog {
		//nolint:gosec
		logFile, err = os.OpenFile(p.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			sess.release(m.log)
			return nil, fmt.Errorf("open debug log: %w", err)
		}

		output = logFile
	}

	handle, err := m.opts.Launcher.Launch(ctx, supervisor.LaunchSpec{
		Key:        p.Root,
		Executable: executable,
		Args:       args,
		Dir:        p.Root,
		LockFile:   p.LockFile,
		Output:     output,
		OnExit: func(h *supervisor.Handle, err error) {
			if logFile != nil {
				_ = logFile.Close()
			}

			m.post(func() { m.processExited(h, err) })
		},
	})
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}

		sess.release(m.log)

		return nil, err
	}

	sess.handle = handle

	err = m.connect(ctx, sess)
	if err != nil {
		_, termErr := m.opts.Launcher.Terminate(handle, false)
		if termErr != nil {
			m.log.Warn("Killing process failed", slog.Any("error", termErr))
		}

		sess.release(m.log)

		return nil, err
	}

	return sess, nil
}

func (m *QEMUMachine) setupTap(sess *session, bridge string) error {
	taps, releaseTaps, err := m.opts.tapDevices()
	if err != nil {
		return fmt.Errorf("tap devices: %w", err)
	}

	err = taps.Setup(sess.paths.TapDevice, bridge)
	if err != nil {
		releaseTaps()
		return err
	}

	sess.tap = sess.paths.TapDevice
	sess.taps = taps
	sess.releaseTaps = releaseTaps

	return nil
}

// connect waits for the process to accept management connections and
// attaches the serial console. A process exiting meanwhile fails it early.
func (m *QEMUMachine) connect(ctx context.Context, sess *session) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
	defer cancel()

	go func() {
		select {
		case <-sess.handle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	failed := func(err error) error {
		select {
		case <-sess.handle.Done():
			return exitError(sess.handle)
		default:
			return err
		}
	}

	mon, err := m.opts.DialMonitor(ctx, sess.paths.MonitorSocket)
	if err != nil {
		return failed(err)
	}

	sess.monitor = mon

	status, err := mon.QueryStatus()
	if err != nil {
		return failed(err)
	}

	m.log.Debug("Monitor connected", slog.String("status", status.Status))

	conn, err := m.opts.DialConsole(ctx, sess.paths.SerialSocket)
	if err != nil {
		return failed(err)
	}

	sess.console = conn

	return nil
}
