// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm_test

import (
	"context"
	"testing"
	"time"

	"github.com/aibor/virtman/internal/config"
	"github.com/aibor/virtman/internal/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*vm.Registry, *collaborators) {
	t.Helper()

	fakes := newCollaborators(t)
	registry := vm.NewRegistry(vm.BackendQEMU, fakes.options())

	t.Cleanup(func() {
		assert.NoError(t, registry.Close(context.Background()))
	})

	return registry, fakes
}

func TestRegistryOpen(t *testing.T) {
	registry, _ := newRegistry(t)
	store := newStore(t, writeScript(t, sleeper), nil)

	machine, err := registry.Open(store.Path())
	require.NoError(t, err)
	assert.Equal(t, store.Path(), machine.Store().Path())
	assert.Equal(t, vm.StateStopped, machine.State())

	again, err := registry.Open(store.Path() + "/")
	require.NoError(t, err)
	assert.Same(t, machine, again)

	found, exists := registry.Lookup(store.Path())
	require.True(t, exists)
	assert.Same(t, machine, found)

	_, exists = registry.Lookup(t.TempDir())
	assert.False(t, exists)

	require.NoError(t, registry.Remove(context.Background(), store.Path()))

	_, exists = registry.Lookup(store.Path())
	assert.False(t, exists)

	err = registry.Remove(context.Background(), store.Path())
	require.ErrorIs(t, err, vm.ErrNotFound)
}

func TestRegistryOpenWithoutConfig(t *testing.T) {
	registry, _ := newRegistry(t)

	_, err := registry.Open(t.TempDir())
	require.ErrorIs(t, err, config.ErrNoConfigFile)
}

func TestRegistryAdd(t *testing.T) {
	registry, _ := newRegistry(t)
	store := newStore(t, writeScript(t, sleeper), nil)

	machine, err := registry.Add(store)
	require.NoError(t, err)
	assert.Same(t, store, machine.Store())

	_, err = registry.Add(store)
	require.ErrorIs(t, err, vm.ErrAlreadyOpen)
}

func TestRegistryDeleted(t *testing.T) {
	tests := []struct {
		name   string
		reopen func(*vm.Registry, *config.Store) (vm.Machine, error)
		err    error
	}{
		{
			name: "add",
			reopen: func(r *vm.Registry, store *config.Store) (vm.Machine, error) {
				return r.Add(store)
			},
		},
		{
			name: "open",
			reopen: func(r *vm.Registry, store *config.Store) (vm.Machine, error) {
				return r.Open(store.Path())
			},
			err: config.ErrNoConfigFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, _ := newRegistry(t)
			store := newStore(t, writeScript(t, sleeper), nil)

			machine, err := registry.Add(store)
			require.NoError(t, err)

			require.NoError(t, machine.Delete(context.Background()))
			require.Equal(t, vm.StateDeleted, machine.State())

			_, exists := registry.Lookup(store.Path())
			assert.False(t, exists, "deleted machine must not be found")

			again, err := tt.reopen(registry, store)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)
			assert.NotSame(t, machine, again)
			assert.Equal(t, vm.StateStopped, again.State())

			found, exists := registry.Lookup(store.Path())
			require.True(t, exists)
			assert.Same(t, again, found)
		})
	}
}

func TestRegistryClose(t *testing.T) {
	registry, fakes := newRegistry(t)

	var machines []vm.Machine

	for range 2 {
		machine, err := registry.Add(newStore(t, writeScript(t, sleeper), nil))
		require.NoError(t, err)

		machines = append(machines, machine)
	}

	running := make(chan vm.State, 16)

	for _, machine := range machines {
		_, err := machine.RegisterObserver(vm.ObserverFunc(func(_, to vm.State, _ error) {
			running <- to
		}))
		require.NoError(t, err)

		require.NoError(t, machine.Start(context.Background()))
	}

	for range machines {
		waitFor(t, running, vm.StateRunning)
	}

	require.NoError(t, registry.Close(context.Background()))

	for _, machine := range machines {
		assert.Equal(t, vm.StateStopped, machine.State())

		_, alive := fakes.launcher.Lookup(machine.Store().Identity().Key())
		assert.False(t, alive)
	}

	_, exists := registry.Lookup(machines[0].Store().Path())
	assert.False(t, exists)
}

func waitFor(t *testing.T, states <-chan vm.State, expected vm.State) {
	t.Helper()

	for {
		select {
		case state := <-states:
			if state == expected {
				return
			}
		case <-time.After(testTimeout):
			require.FailNow(t, "state not reached", "expected %s", expected)
		}
	}
}
