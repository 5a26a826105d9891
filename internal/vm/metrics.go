// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "virtman"

// Metrics are the life cycle metrics shared by all machines they are passed
// to.
type Metrics struct {
	transitions *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Number of life cycle state transitions.",
		}, []string{"from", "to"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "machines_active",
			Help:      "Number of machines that are running or paused.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		metrics.transitions,
		metrics.active,
	} {
		err := reg.Register(collector)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return metrics, nil
}

func (m *Metrics) observe(from, to State) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(from.String(), to.String()).Inc()

	switch {
	case !from.Active() && to.Active():
		m.active.Inc()
	case from.Active() && !to.Active():
		m.active.Dec()
	}
}
