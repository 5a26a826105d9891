// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/aibor/virtman/internal/config"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyOpen is returned if a machine for the same storage directory is
// in a [Registry] already.
var ErrAlreadyOpen = errors.New("machine already open")

// Registry holds the open machines, keyed by their storage directory. All
// machines share the same collaborators.
type Registry struct {
	backend Backend
	opts    Options

	mu       sync.Mutex
	machines map[string]Machine
}

// NewRegistry returns an empty [Registry] creating machines of the given
// backend.
func NewRegistry(backend Backend, opts Options) *Registry {
	return &Registry{
		backend:  backend,
		opts:     opts.withDefaults(),
		machines: map[string]Machine{},
	}
}

func registryKey(path string) (string, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	return key, nil
}

// evictDeleted drops and closes the machine for key if it has been deleted.
// The caller must hold r.mu.
func (r *Registry) evictDeleted(key string) error {
	machine, exists := r.machines[key]
	if !exists || machine.State() != StateDeleted {
		return nil
	}

	delete(r.machines, key)

	err := machine.Close(context.Background())
	if err != nil {
		return fmt.Errorf("close deleted machine: %w", err)
	}

	return nil
}

// Open returns the machine for the storage directory at path. If it is not
// open yet, or has been deleted, its configuration is loaded.
func (r *Registry) Open(path string) (Machine, error) {
	key, err := registryKey(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.evictDeleted(key)
	if err != nil {
		return nil, err
	}

	if machine, exists := r.machines[key]; exists {
		return machine, nil
	}

	store, err := config.LoadFrom(key)
	if err != nil {
		return nil, err
	}

	return r.add(key, store)
}

// Add creates a machine for the given store. A deleted machine for the same
// storage directory is replaced.
func (r *Registry) Add(store *config.Store) (Machine, error) {
	key := store.Identity().Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.evictDeleted(key)
	if err != nil {
		return nil, err
	}

	if _, exists := r.machines[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, key)
	}

	return r.add(key, store)
}

func (r *Registry) add(key string, store *config.Store) (Machine, error) {
	machine, err := New(r.backend, store, r.opts)
	if err != nil {
		return nil, err
	}

	r.machines[key] = machine

	return machine, nil
}

// Lookup returns the open machine for the storage directory at path. Deleted
// machines are not found.
func (r *Registry) Lookup(path string) (Machine, bool) {
	key, err := registryKey(path)
	if err != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	machine, exists := r.machines[key]
	if exists && machine.State() == StateDeleted {
		return nil, false
	}

	return machine, exists
}

// Remove closes the machine for the storage directory at path and removes
// it from the registry.
func (r *Registry) Remove(ctx context.Context, path string) error {
	key, err := registryKey(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	machine, exists := r.machines[key]
	delete(r.machines, key)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return machine.Close(ctx)
}

// Close closes all machines concurrently and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	machines := r.machines
	r.machines = map[string]Machine{}
	r.mu.Unlock()

	var (
		group  errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)

	for key, machine := range machines {
		group.Go(func() error {
			err := machine.Close(ctx)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = group.Wait()

	return result.ErrorOrNil()
}
