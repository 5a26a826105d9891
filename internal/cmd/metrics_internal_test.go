// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "virtman_test_total",
		Help: "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var group errgroup.Group

	addr, err := serveMetrics(ctx, &group, "127.0.0.1:0", reg)
	require.NoError(t, err)

	url := "http://" + addr.String() + metricsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "virtman_test_total 3")

	cancel()
	require.NoError(t, group.Wait())

	http.DefaultClient.CloseIdleConnections()
}

func TestServeMetrics_InvalidAddress(t *testing.T) {
	var group errgroup.Group

	_, err := serveMetrics(context.Background(), &group, "not an address", prometheus.NewRegistry())
	require.Error(t, err)
	require.NoError(t, group.Wait())
}
