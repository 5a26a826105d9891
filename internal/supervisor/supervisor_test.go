// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package supervisor_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aibor/virtman/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func shellSpec(t *testing.T, key, script string) supervisor.LaunchSpec {
	t.Helper()

	return supervisor.LaunchSpec{
		Key:        key,
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		LockFile:   filepath.Join(t.TempDir(), "qemu.lock"),
	}
}

func waitDone(t *testing.T, h *supervisor.Handle) {
	t.Helper()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestLaunchFailures(t *testing.T) {
	sv := supervisor.New(time.Second)

	t.Run("missing executable", func(t *testing.T) {
		spec := shellSpec(t, "missing", "")
		spec.Executable = "virtman-does-not-exist"

		_, err := sv.Launch(context.Background(), spec)
		require.ErrorIs(t, err, supervisor.ErrLaunchFailure)
		require.ErrorIs(t, err, exec.ErrNotFound)
		require.ErrorIs(t, err, &supervisor.LaunchError{})
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := sv.Launch(ctx, shellSpec(t, "canceled", "exit 0"))
		require.ErrorIs(t, err, supervisor.ErrLaunchFailure)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		spec := shellSpec(t, "locked", "exit 0")

		lock, err := os.Create(spec.LockFile)
		require.NoError(t, err)
		t.Cleanup(func() { _ = lock.Close() })

		require.NoError(t, unix.Flock(int(lock.Fd()), unix.LOCK_EX))

		_, err = sv.Launch(context.Background(), spec)
		require.ErrorIs(t, err, supervisor.ErrAlreadyRunning)
		require.ErrorIs(t, err, supervisor.ErrLaunchFailure)
	})
}

func TestCheckLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.lock")

	require.NoError(t, supervisor.CheckLock(path), "free lock")

	lock, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Close() })

	require.NoError(t, unix.Flock(int(lock.Fd()), unix.LOCK_EX))
	require.ErrorIs(t, supervisor.CheckLock(path), supervisor.ErrAlreadyRunning)

	require.NoError(t, unix.Flock(int(lock.Fd()), unix.LOCK_UN))
	require.NoError(t, supervisor.CheckLock(path), "released lock")
}

func TestLaunchSameKey(t *testing.T) {
	sv := supervisor.New(time.Second)
	spec := shellSpec(t, "vm", "exec sleep 30")

	first, err := sv.Launch(context.Background(), spec)
	require.NoError(t, err)

	_, err = sv.Launch(context.Background(), spec)
	require.ErrorIs(t, err, supervisor.ErrAlreadyRunning)

	found, exists := sv.Lookup("vm")
	require.True(t, exists)
	assert.Same(t, first, found)

	_, err = sv.Terminate(first, false)
	require.NoError(t, err)

	_, exists = sv.Lookup("vm")
	assert.False(t, exists)

	second, err := sv.Launch(context.Background(), spec)
	require.NoError(t, err, "lock must be released after exit")

	_, err = sv.Terminate(second, false)
	require.NoError(t, err)
}

func TestTerminate(t *testing.T) {
	tests := []struct {
		name           string
		script         string
		graceful       bool
		expectedForced bool
	}{
		{
			name:           "graceful",
			script:         "echo ready; exec sleep 30",
			graceful:       true,
			expectedForced: false,
		},
		{
			name:           "graceful escalates",
			script:         `trap "" TERM; echo ready; while true; do sleep 0.05; done`,
			graceful:       true,
			expectedForced: true,
		},
		{
			name:           "immediate",
			script:         "echo ready; exec sleep 30",
			graceful:       false,
			expectedForced: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv := supervisor.New(200 * time.Millisecond)

			var (
				output  syncBuffer
				exitErr = make(chan error, 1)
			)

			spec := shellSpec(t, "vm", tt.script)
			spec.Output = &output
			spec.OnExit = func(_ *supervisor.Handle, err error) {
				exitErr <- err
			}

			handle, err := sv.Launch(context.Background(), spec)
			require.NoError(t, err)
			assert.Positive(t, handle.PID())
			assert.True(t, sv.IsAlive(handle))

			require.Eventually(t, func() bool {
				return output.String() == "ready\n"
			}, 5*time.Second, 10*time.Millisecond)

			termination, err := sv.Terminate(handle, tt.graceful)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedForced, termination.Forced)
			assert.False(t, sv.IsAlive(handle))
			assert.True(t, handle.Expected())
			require.Error(t, handle.Err())
			require.Error(t, <-exitErr)

			again, err := sv.Terminate(handle, tt.graceful)
			require.NoError(t, err)
			assert.False(t, again.Forced, "terminating an exited process is a no-op")
		})
	}
}

func TestUnexpectedExit(t *testing.T) {
	sv := supervisor.New(time.Second)

	var output syncBuffer

	exited := make(chan *supervisor.Handle, 1)

	spec := shellSpec(t, "vm", "echo out; echo err >&2; exit 3")
	spec.Output = &output
	spec.OnExit = func(h *supervisor.Handle, _ error) {
		exited <- h
	}

	handle, err := sv.Launch(context.Background(), spec)
	require.NoError(t, err)

	waitDone(t, handle)
	assert.Same(t, handle, <-exited)

	var exitErr *exec.ExitError
	require.ErrorAs(t, handle.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.False(t, handle.Expected())
	assert.Equal(t, "out\nerr\n", output.String())
}

func TestTerminateAll(t *testing.T) {
	sv := supervisor.New(time.Second)

	handles := make([]*supervisor.Handle, 0, 3)

	for _, key := range []string{"a", "b", "c"} {
		handle, err := sv.Launch(context.Background(), shellSpec(t, key, "exec sleep 30"))
		require.NoError(t, err)

		handles = append(handles, handle)
	}

	require.NoError(t, sv.TerminateAll(true))

	for _, handle := range handles {
		assert.False(t, sv.IsAlive(handle))
	}
}

func TestNewDefaultGracePeriod(t *testing.T) {
	assert.Equal(t, supervisor.DefaultGracePeriod, supervisor.New(0).GracePeriod())
	assert.Equal(t, time.Second, supervisor.New(time.Second).GracePeriod())
}
