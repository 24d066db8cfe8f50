package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	// QueueDepth is the number of ready tasks per kind, sampled by workers.
	QueueDepth *prometheus.GaugeVec
	// QueueProcessedTotal counts handled deliveries by status (ok, retry, dlq).
	QueueProcessedTotal *prometheus.CounterVec
	// QueueDLQSize is the number of dead-lettered tasks per kind.
	QueueDLQSize *prometheus.GaugeVec
)

// MustRegisterMetrics initialises and registers the queue collectors.
func MustRegisterMetrics(namespace string, reg prometheus.Registerer) {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of ready tasks per kind",
		}, []string{"kind"})
		QueueProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total tasks processed grouped by status",
		}, []string{"kind", "status"})
		QueueDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "changeset_dlq_size",
			Help:      "Number of tasks stored in DLQ",
		}, []string{"kind"})

		register(reg, QueueDepth, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.GaugeVec); ok {
				QueueDepth = v
			}
		})
		register(reg, QueueProcessedTotal, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.CounterVec); ok {
				QueueProcessedTotal = v
			}
		})
		register(reg, QueueDLQSize, func(c prometheus.Collector) {
			if v, ok := c.(*prometheus.GaugeVec); ok {
				QueueDLQSize = v
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
		panic(fmt.Errorf("register queue metric: %w", err))
	}
}

func recordProcessed(kind, status string) {
	if QueueProcessedTotal != nil {
		QueueProcessedTotal.WithLabelValues(kind, status).Inc()
	}
}

func recordDLQ(kind string) {
	if QueueDLQSize != nil {
		QueueDLQSize.WithLabelValues(kind).Inc()
	}
}

// RefreshDLQSize resets the DLQ gauge from the store's per-kind counts.
func RefreshDLQSize(ctx context.Context, store Store) error {
	if QueueDLQSize == nil || store == nil {
		return nil
	}
	sizes, err := store.CountByKind(ctx)
	if err != nil {
		return err
	}
	QueueDLQSize.Reset()
	for kind, n := range sizes {
		QueueDLQSize.WithLabelValues(kind).Set(float64(n))
	}
	return nil
}
