// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	metricsPath           = "/metrics"
	metricsHeaderTimeout  = 5 * time.Second
	metricsShutdownPeriod = 2 * time.Second
)

// serveMetrics serves the metrics gathered by reg on address until ctx is
// done. The listener is created before returning, so address errors are
// reported right away.
func serveMetrics(
	ctx context.Context,
	group *errgroup.Group,
	address string,
	reg prometheus.Gatherer,
) (net.Addr, error) {
	var listenConfig net.ListenConfig

	listener, err := listenConfig.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: metricsHeaderTimeout,
	}

	slog.Info("Serving metrics",
		slog.String("address", listener.Addr().String()),
		slog.String("path", metricsPath))

	group.Go(func() error {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("metrics server: %w", err)
	})

	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownPeriod)
		defer cancel()

		return server.Shutdown(shutdownCtx) //nolint:contextcheck
	})

	return listener.Addr(), nil
}
