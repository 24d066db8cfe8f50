package obs

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineOnce sync.Once

	// RowRecomputeTotal counts row recomputations by trigger (edit, dependent, build).
	RowRecomputeTotal *prometheus.CounterVec
	// OverallDiscountFlips counts session-wide overall discount transitions.
	OverallDiscountFlips *prometheus.CounterVec
	// QuotaCorrections counts auto-corrected quantity edits.
	QuotaCorrections *prometheus.CounterVec
	// QueryDuration records query latency in milliseconds.
	QueryDuration *prometheus.HistogramVec
	// ChangesetRecords counts assembled change-set records by mode.
	ChangesetRecords *prometheus.CounterVec
)

// MustRegisterEngineMetrics initialises and registers the engine's Prometheus collectors.
func MustRegisterEngineMetrics(namespace string, reg prometheus.Registerer) {
	engineOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		RowRecomputeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_recompute_total",
			Help:      "Count of row recomputations by trigger.",
		}, []string{"trigger"})
		OverallDiscountFlips = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overall_discount_flips_total",
			Help:      "Count of overall discount activation changes.",
		}, []string{"state"})
		QuotaCorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_corrections_total",
			Help:      "Count of quantity edits corrected against the remaining quota.",
		}, []string{"kind"})
		QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_ms",
			Help:      "Latency of record store queries in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"statement", "result"})
		ChangesetRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changeset_records_total",
			Help:      "Count of change-set records assembled by mode.",
		}, []string{"mode"})

		mustRegisterCollector(reg, RowRecomputeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RowRecomputeTotal = v
			}
		})
		mustRegisterCollector(reg, OverallDiscountFlips, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OverallDiscountFlips = v
			}
		})
		mustRegisterCollector(reg, QuotaCorrections, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				QuotaCorrections = v
			}
		})
		mustRegisterCollector(reg, QueryDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				QueryDuration = v
			}
		})
		mustRegisterCollector(reg, ChangesetRecords, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ChangesetRecords = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register engine metric: %w", err))
	}
}

// IncRecompute records a row recomputation. It is a no-op before registration.
func IncRecompute(trigger string) {
	if RowRecomputeTotal != nil {
		RowRecomputeTotal.WithLabelValues(trigger).Inc()
	}
}

// IncOverallFlip records an overall discount transition.
func IncOverallFlip(state string) {
	if OverallDiscountFlips != nil {
		OverallDiscountFlips.WithLabelValues(state).Inc()
	}
}

// IncQuotaCorrection records a quota auto-correction.
func IncQuotaCorrection(kind string) {
	if QuotaCorrections != nil {
		QuotaCorrections.WithLabelValues(kind).Inc()
	}
}

// ObserveQuery records the latency of a finished query.
func ObserveQuery(statement, result string, d time.Duration) {
	if QueryDuration != nil {
		QueryDuration.WithLabelValues(statement, result).Observe(DurationMillis(d))
	}
}

// AddChangesetRecords records n assembled records of the given mode.
func AddChangesetRecords(mode string, n int) {
	if ChangesetRecords != nil && n > 0 {
		ChangesetRecords.WithLabelValues(mode).Add(float64(n))
	}
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
