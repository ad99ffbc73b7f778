// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Session kinds used as metric labels.
const (
	kindOlm    = "olm"
	kindMegolm = "megolm"
)

// Metrics holds the collectors for session operations. A nil *Metrics
// records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	cached     *prometheus.GaugeVec
	persisted  *prometheus.CounterVec
	corrupted  *prometheus.CounterVec
	reaped     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olmstore_operations_total",
			Help: "Session operations by name and result kind.",
		}, []string{"operation", "result"}),
		cached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "olmstore_cached_sessions",
			Help: "Sessions currently held in memory.",
		}, []string{"kind"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olmstore_persisted_sessions_total",
			Help: "Dirty sessions written to the store.",
		}, []string{"kind"}),
		corrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olmstore_corrupted_sessions_total",
			Help: "Stored sessions that could not be decoded and were deleted.",
		}, []string{"kind"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "olmstore_reaped_sessions_total",
			Help: "Expired sessions removed, from the store or from memory.",
		}, []string{"kind", "source"}),
	}
	for _, collector := range []prometheus.Collector{m.operations, m.cached, m.persisted, m.corrupted, m.reaped} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) addCached(kind string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.cached.WithLabelValues(kind).Add(float64(delta))
}

func (m *Metrics) addPersisted(kind string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.persisted.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) addCorrupted(kind string) {
	if m == nil {
		return
	}
	m.corrupted.WithLabelValues(kind).Inc()
}

func (m *Metrics) addReaped(kind, source string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.reaped.WithLabelValues(kind, source).Add(float64(count))
}
