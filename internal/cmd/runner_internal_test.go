// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/console"
	"github.com/aibor/virtman/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

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

// fakeMachine walks through the states like a real machine would, without
// any process. The console is one end of a pipe, the other end is guest.
type fakeMachine struct {
	vm.Machine

	store *config.Store
	guest net.Conn
	host  net.Conn

	// running delays the transition into running, if not nil.
	running  chan struct{}
	startErr error
	failWith error

	mu       sync.Mutex
	state    vm.State
	observer vm.Observer
	delegate vm.IODelegate
	stops    int
}

func newFakeMachine(t *testing.T) *fakeMachine {
	t.Helper()

	store, err := config.New("fake", filepath.Join(t.TempDir(), "fake.vm"))
	require.NoError(t, err)

	host, guest := net.Pipe()
	t.Cleanup(func() {
		_ = host.Close()
		_ = guest.Close()
	})

	return &fakeMachine{
		store: store,
		host:  host,
		guest: guest,
	}
}

func (m *fakeMachine) transition(to vm.State, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	observer := m.observer
	m.mu.Unlock()

	observer.StateChanged(from, to, err)
}

func (m *fakeMachine) State() vm.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

func (m *fakeMachine) Store() *config.Store {
	return m.store
}

func (m *fakeMachine) RegisterObserver(observer vm.Observer) (*vm.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observer = observer

	return &vm.Registration{}, nil
}

func (m *fakeMachine) RegisterIODelegate(delegate vm.IODelegate) (*vm.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delegate = delegate

	return &vm.Registration{}, nil
}

func (m *fakeMachine) Start(_ context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}

	m.transition(vm.StateStarting, nil)

	go func() {
		if m.running != nil {
			<-m.running
		}

		if m.failWith != nil {
			m.transition(vm.StateError, m.failWith)
			return
		}

		m.transition(vm.StateRunning, nil)
		m.delegate.ChannelsOpened(&vm.IOChannels{
			Console:     m.host,
			DisplayType: vm.DisplayConsole,
		})
	}()

	return nil
}

func (m *fakeMachine) Stop(_ context.Context) error {
	m.mu.Lock()
	state := m.state
	m.stops++
	m.mu.Unlock()

	switch state {
	case vm.StateRunning, vm.StatePaused:
	case vm.StateStarting, vm.StateStopping:
		return fmt.Errorf("stop: %w (%s)", vm.ErrOperationInProgress, state)
	default:
		return &vm.TransitionError{Op: "stop", From: state}
	}

	m.transition(vm.StateStopping, nil)

	go m.shutdown()

	return nil
}

// shutdown completes a stop, as if the process exited.
func (m *fakeMachine) shutdown() {
	m.delegate.ChannelsClosed()
	_ = m.host.Close()
	m.transition(vm.StateStopped, nil)
}

func (m *fakeMachine) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stops
}

type runnerHarness struct {
	machine *fakeMachine
	runner  *runner
	stdin   *io.PipeWriter
	stdout  *syncBuffer
	stderr  *syncBuffer
	done    chan error
}

func startRunner(t *testing.T, ctx context.Context, machine *fakeMachine, attach bool) *runnerHarness {
	t.Helper()

	stdinReader, stdinWriter := io.Pipe()
	t.Cleanup(func() { _ = stdinWriter.Close() })

	h := &runnerHarness{
		machine: machine,
		stdin:   stdinWriter,
		stdout:  &syncBuffer{},
		stderr:  &syncBuffer{},
		done:    make(chan error, 1),
	}

	h.runner = newRunner(machine, IO{
		Stdin:  stdinReader,
		Stdout: h.stdout,
		Stderr: h.stderr,
	}, attach)

	go func() {
		h.done <- h.runner.run(ctx)
	}()

	return h
}

func (h *runnerHarness) result(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(testTimeout):
		require.FailNow(t, "runner did not return")
	}

	return nil
}

func (h *runnerHarness) waitForState(t *testing.T, state vm.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.machine.State() == state
	}, testTimeout, 5*time.Millisecond)
}

func (h *runnerHarness) waitForConsole(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return strings.Contains(h.stderr.String(), "Console attached")
	}, testTimeout, 5*time.Millisecond)
}

func TestRunner_Detach(t *testing.T) {
	machine := newFakeMachine(t)
	h := startRunner(t, context.Background(), machine, true)

	h.waitForState(t, vm.StateRunning)

	_, err := machine.guest.Write([]byte("login: "))
	require.NoError(t, err)

	received := make([]byte, 2)

	_, err = h.stdin.Write([]byte("ab"))
	require.NoError(t, err)

	_, err = io.ReadFull(machine.guest, received)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(received))

	_, err = h.stdin.Write([]byte{console.DetachKey})
	require.NoError(t, err)

	require.NoError(t, h.result(t))
	assert.Equal(t, vm.StateStopped, machine.State())
	assert.Equal(t, 1, machine.stopCount())
	assert.Equal(t, "login: ", h.stdout.String())
	assert.Contains(t, h.stderr.String(), "press Ctrl-] to detach")
}

func TestRunner_Interrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := newFakeMachine(t)
	h := startRunner(t, ctx, machine, false)

	h.waitForState(t, vm.StateRunning)
	cancel()

	require.NoError(t, h.result(t))
	assert.Equal(t, vm.StateStopped, machine.State())
	assert.Empty(t, h.stderr.String(), "console must not be attached")
}

func TestRunner_InterruptWhileStarting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := newFakeMachine(t)
	machine.running = make(chan struct{})

	h := startRunner(t, ctx, machine, false)

	h.waitForState(t, vm.StateStarting)
	cancel()

	require.Eventually(t, func() bool {
		return machine.stopCount() == 1
	}, testTimeout, 5*time.Millisecond, "stop must be tried right away")

	close(machine.running)

	require.NoError(t, h.result(t))
	assert.Equal(t, vm.StateStopped, machine.State())
	assert.Equal(t, 2, machine.stopCount(), "stop must be retried once running")
}

func TestRunner_GuestShutdown(t *testing.T) {
	machine := newFakeMachine(t)
	h := startRunner(t, context.Background(), machine, true)

	h.waitForConsole(t)

	machine.transition(vm.StateStopping, nil)
	machine.shutdown()

	require.NoError(t, h.result(t))
	assert.Zero(t, machine.stopCount())
}

func TestRunner_MachineFailed(t *testing.T) {
	machine := newFakeMachine(t)
	machine.failWith = assert.AnError

	h := startRunner(t, context.Background(), machine, true)

	err := h.result(t)
	require.ErrorIs(t, err, ErrMachineFailed)
	require.ErrorIs(t, err, assert.AnError)
}

func TestRunner_StartFailure(t *testing.T) {
	machine := newFakeMachine(t)
	machine.startErr = &vm.TransitionError{Op: "start", From: vm.StateError}

	h := startRunner(t, context.Background(), machine, true)

	err := h.result(t)
	require.ErrorIs(t, err, vm.ErrInvalidStateTransition)
}

func TestRunner_StateChangedNeverBlocks(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		final    vm.State
		finalErr error
	}{
		{name: "single", count: 1, final: vm.StateStopped},
		{name: "burst", count: 200, final: vm.StateStopped},
		{name: "burst ending in error", count: 200, final: vm.StateError, finalErr: assert.AnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := newFakeMachine(t)
			r := newRunner(machine, IO{
				Stdin:  strings.NewReader(""),
				Stdout: io.Discard,
				Stderr: io.Discard,
			}, false)

			published := make(chan struct{})

			go func() {
				defer close(published)

				for range tt.count - 1 {
					r.StateChanged(vm.StateRunning, vm.StatePaused, nil)
				}

				r.StateChanged(vm.StateRunning, tt.final, tt.finalErr)
			}()

			select {
			case <-published:
			case <-time.After(testTimeout):
				require.FailNow(t, "publishing transitions blocked")
			}

			err := r.wait(context.Background())
			if tt.finalErr != nil {
				require.ErrorIs(t, err, ErrMachineFailed)
				require.ErrorIs(t, err, tt.finalErr)
			} else {
				require.NoError(t, err)
			}

			assert.Empty(t, r.takeTransitions(), "all transitions must be consumed")
		})
	}
}
