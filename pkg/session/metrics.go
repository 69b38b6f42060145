package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session-lifecycle instruments. All fields are registered
// with the registerer passed to NewMetrics; a nil *Metrics disables
// instrumentation throughout the package.
type Metrics struct {
	// LiveSessions tracks sessions currently held in the registry.
	LiveSessions prometheus.Gauge

	// IdleSessions tracks sessions with zero active references.
	IdleSessions prometheus.Gauge

	// Created counts sessions admitted to the registry.
	Created prometheus.Counter

	// Evicted counts evictions by reason (idle timeout, capacity).
	Evicted *prometheus.CounterVec

	// PrunePasses counts full prune scans.
	PrunePasses prometheus.Counter

	// AdmitFallbacks counts admissions that exceeded idle capacity because
	// no evictable session existed.
	AdmitFallbacks prometheus.Counter
}

// NewMetrics creates and registers the session metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently held in the registry.",
		}),
		IdleSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "idle",
			Help:      "Sessions with no active references.",
		}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions admitted to the registry.",
		}),
		Evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "evicted_total",
			Help:      "Sessions evicted from the registry, by reason.",
		}, []string{"reason"}),
		PrunePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "prune_passes_total",
			Help:      "Full prune scans over the registry.",
		}),
		AdmitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "session",
			Name:      "admit_fallbacks_total",
			Help:      "Admissions that exceeded idle capacity because no evictable session existed.",
		}),
	}
	reg.MustRegister(m.LiveSessions, m.IdleSessions, m.Created, m.Evicted, m.PrunePasses, m.AdmitFallbacks)
	return m
}
