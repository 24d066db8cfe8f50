package api

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// SessionsOpen is the number of sessions held by this instance.
	SessionsOpen prometheus.Gauge
	// EditsTotal counts row edits by result (add, change, remove, invalid, error).
	EditsTotal *prometheus.CounterVec
	// SavesTotal counts save requests by outcome (submitted, empty, error).
	SavesTotal *prometheus.CounterVec
)

// MustRegisterMetrics initialises and registers the session API collectors.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Serial entry sessions currently held in memory",
		})
		EditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_edits_total",
			Help:      "Row edits grouped by result",
		}, []string{"result"})
		SavesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_saves_total",
			Help:      "Save requests grouped by outcome",
		}, []string{"outcome"})

		register(reg, SessionsOpen, func(c prometheus.Collector) {
			if v, ok := c.(prometheus.Gauge); ok {
				SessionsOpen = v
			}
		})
		register(reg, EditsTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				EditsTotal = v
			}
		})
		register(reg, SavesTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				SavesTotal = v
			}
		})
	})
}

func register(reg prometheus.Registerer, c prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			reuse(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register api metric: %w", err))
	}
}

func setSessionsOpen(n int) {
	if SessionsOpen != nil {
		SessionsOpen.Set(float64(n))
	}
}

func incEdit(result string) {
	if EditsTotal != nil {
		EditsTotal.WithLabelValues(result).Inc()
	}
}

func incSave(outcome string) {
	if SavesTotal != nil {
		SavesTotal.WithLabelValues(outcome).Inc()
	}
}
