// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/aibor/virtman/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch(t *testing.T) {
	dir := t.TempDir()

	store, err := config.New("watched", dir)
	require.NoError(t, err)
	require.NoError(t, store.Save())

	other, err := config.LoadFrom(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan error, 16)
	done := make(chan error, 1)

	go func() {
		done <- store.Watch(ctx, func(err error) {
			select {
			case changes <- err:
			default:
			}
		})
	}()

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		err := other.Update(func(s *config.Settings) error {
			s.System.CPUCount++
			return nil
		})
		if !assert.NoError(c, err) || !assert.NoError(c, other.Save()) {
			return
		}

		select {
		case err := <-changes:
			assert.NoError(c, err)
		case <-time.After(100 * time.Millisecond):
			c.Errorf("no change observed")
			return
		}

		assert.Equal(c, other.Settings().System.CPUCount, store.Settings().System.CPUCount)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
