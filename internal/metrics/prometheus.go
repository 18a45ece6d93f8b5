package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the engine's Prometheus instruments on a private registry.
type Collectors struct {
	registry         *prometheus.Registry
	EventsProcessed  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	AlertsEmitted    *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	RiskScore        *prometheus.HistogramVec
	ActiveAttacks    prometheus.GaugeFunc
}

func NewCollectors(identities *Store) *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idguard",
			Name:      "events_processed_total",
			Help:      "Normalized events scored by the detection pipeline.",
		}, []string{"source"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idguard",
			Name:      "events_dropped_total",
			Help:      "Events dropped before scoring.",
		}, []string{"reason"}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idguard",
			Name:      "alerts_emitted_total",
			Help:      "Alerts appended to the alert store.",
		}, []string{"source", "alert_level"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idguard",
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by the dedup cooldown.",
		}, []string{"source"}),
		RiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idguard",
			Name:      "risk_score",
			Help:      "Distribution of per-event risk scores.",
			Buckets:   []float64{10, 20, 40, 70, 100},
		}, []string{"source"}),
	}
	c.ActiveAttacks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "idguard",
		Name:      "identities_under_active_attack",
		Help:      "Identities whose risk window currently indicates an active attack.",
	}, func() float64 {
		if identities == nil {
			return 0
		}
		return float64(identities.ActiveAttacks())
	})
	c.registry.MustRegister(
		c.EventsProcessed,
		c.EventsDropped,
		c.AlertsEmitted,
		c.AlertsSuppressed,
		c.RiskScore,
		c.ActiveAttacks,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
