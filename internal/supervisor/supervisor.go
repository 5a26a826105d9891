// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is the time a process has to exit after SIGTERM before
// it is killed.
const DefaultGracePeriod = 10 * time.Second

// LaunchSpec describes a process to start.
type LaunchSpec struct {
	// Key identifies the process. Only one process per key may run.
	Key string

	Executable string
	Args       []string
	// Env is the process environment. If nil, the current environment is
	// used.
	Env []string
	Dir string

	// LockFile is locked exclusively for the life time of the process. It is
	// created if it does not exist. Optional.
	LockFile string

	// Output receives stdout and stderr of the process. Optional.
	Output io.Writer

	// OnExit is called once the process exited. It is called from a separate
	// goroutine. Optional.
	OnExit func(h *Handle, err error)
}

// Handle refers to a started process.
type Handle struct {
	key      string
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	expected atomic.Bool
}

// Key returns the key the process was started with.
func (h *Handle) Key() string {
	return h.key
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done returns a channel that is closed once the process exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the exit error of the process. It is only valid after
// [Handle.Done] is closed.
func (h *Handle) Err() error {
	return h.err
}

// Expected returns true if the process exit was requested by
// [Supervisor.Terminate].
func (h *Handle) Expected() bool {
	return h.expected.Load()
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// signal sends the signal to the process. For SIGKILL the whole process
// group is signaled. It is not an error if the process is gone already.
func (h *Handle) signal(sig syscall.Signal) error {
	pid := h.PID()
	if sig == syscall.SIGKILL {
		pid = -pid
	}

	err := unix.Kill(pid, sig)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("send %s: %w", sig, err)
	}

	return nil
}

// Termination describes how a process was terminated.
type Termination struct {
	// Forced is true if the process was killed.
	Forced bool
}

// Supervisor starts processes and keeps track of the running ones.
type Supervisor struct {
	gracePeriod time.Duration

	mu   sync.Mutex
	live map[string]*Handle
}

// New returns a new [Supervisor] with the given grace period for graceful
// termination. If it is not positive, [DefaultGracePeriod] is used.
func New(gracePeriod time.Duration) *Supervisor {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	return &Supervisor{
		gracePeriod: gracePeriod,
		live:        make(map[string]*Handle),
	}
}

// GracePeriod returns the configured grace period.
func (s *Supervisor) GracePeriod() time.Duration {
	return s.gracePeriod
}

// Launch starts the process described by spec. It does not wait for the
// process to exit.
//
// Any failure is returned as [*LaunchError]. If a process with the same key
// is running, the error wraps [ErrAlreadyRunning].
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (*Handle, error) {
	launchErr := func(err error) error {
		return &LaunchError{Key: spec.Key, Err: err}
	}

	err := ctx.Err()
	if err != nil {
		return nil, launchErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live[spec.Key]; exists {
		return nil, launchErr(ErrAlreadyRunning)
	}

	path, err := exec.LookPath(spec.Executable)
	if err != nil {
		return nil, launchErr(err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	// Own process group, so terminal signals are not delivered to it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.LockFile != "" {
		lock, err := acquireLock(spec.LockFile)
		if err != nil {
			return nil, launchErr(err)
		}
		// The child inherits the lock. Ours can be closed once it is
		// started.
		defer lock.Close()

		cmd.ExtraFiles = []*os.File{lock}
	}

	var (
		output  *os.File
		copiers errgroup.Group
	)

	if spec.Output != nil {
		var writer *os.File

		output, writer, err = os.Pipe()
		if err != nil {
			return nil, launchErr(fmt.Errorf("create output pipe: %w", err))
		}

		cmd.Stdout = writer
		cmd.Stderr = writer

		defer writer.Close()
	}

	err = cmd.Start()
	if err != nil {
		if output != nil {
			_ = output.Close()
		}

		return nil, launchErr(err)
	}

	if output != nil {
		copiers.Go(func() error {
			_, err := io.Copy(spec.Output, output)
			return err
		})
	}

	handle := &Handle{
		key:  spec.Key,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.live[spec.Key] = handle

	slog.Debug("Process started",
		slog.String("key", spec.Key),
		slog.String("executable", path),
		slog.Int("pid", handle.PID()))

	go s.wait(handle, output, &copiers, spec.OnExit)

	return handle, nil
}

func (s *Supervisor) wait(
	handle *Handle,
	output *os.File,
	copiers *errgroup.Group,
	onExit func(*Handle, error),
) {
	err := handle.cmd.Wait()

	copyErr := copiers.Wait()
	if copyErr != nil {
		slog.Warn("Copying process output failed",
			slog.String("key", handle.key),
			slog.Any("error", copyErr))
	}

	if output != nil {
		_ = output.Close()
	}

	s.mu.Lock()
	delete(s.live, handle.key)
	s.mu.Unlock()

	handle.err = err
	close(handle.done)

	slog.Debug("Process exited",
		slog.String("key", handle.key),
		slog.Bool("expected", handle.Expected()),
		slog.Any("error", err))

	if onExit != nil {
		onExit(handle, err)
	}
}

func acquireLock(path string) (*os.File, error) {
	//nolint:gosec
	lock, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = lock.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	return lock, nil
}

// CheckLock returns [ErrAlreadyRunning] if any process, including those of
// other supervisors, holds the lock file at path.
func CheckLock(path string) error {
	lock, err := acquireLock(path)
	if err != nil {
		return err
	}

	return lock.Close()
}

// Lookup returns the running process with the given key.
func (s *Supervisor) Lookup(key string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, exists := s.live[key]

	return handle, exists
}

// IsAlive returns true if the process has not exited yet.
func (s *Supervisor) IsAlive(h *Handle) bool {
	return h != nil && !h.exited()
}

// Terminate stops the process and waits for it to exit.
//
// If graceful, the process is asked to exit with SIGTERM first and killed
// once the grace period expired. Otherwise, it is killed right away. Calling
// it for a process that exited already is a no-op.
func (s *Supervisor) Terminate(h *Handle, graceful bool) (Termination, error) {
	if h.exited() {
		return Termination{}, nil
	}

	h.expected.Store(true)

	if graceful {
		err := h.signal(syscall.SIGTERM)
		if err != nil {
			return Termination{}, err
		}

		timer := time.NewTimer(s.gracePeriod)
		defer timer.Stop()

		select {
		case <-h.done:
			return Termination{}, nil
		case <-timer.C:
			slog.Warn("Process did not exit in time, killing it",
				slog.String("key", h.key),
				slog.Duration("grace_period", s.gracePeriod))
		}
	}

	err := h.signal(syscall.SIGKILL)
	if err != nil {
		return Termination{}, err
	}

	<-h.done

	return Termination{Forced: true}, nil
}

// TerminateAll terminates all running processes concurrently.
func (s *Supervisor) TerminateAll(graceful bool) error {
	s.mu.Lock()

	handles := make([]*Handle, 0, len(s.live))
	for _, handle := range s.live {
		handles = append(handles, handle)
	}

	s.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)

	for _, handle := range handles {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Terminate(handle, graceful)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return result.ErrorOrNil()
}
