package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuesync",
			Name:      "passes_total",
			Help:      "Reconciliation passes by mode and result.",
		},
		[]string{"mode", "result"},
	)
	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "issuesync",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	ops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "issuesync",
			Name:      "ops_total",
			Help:      "Plan operations by kind and execution status.",
		},
		[]string{"kind", "status"},
	)
	declarations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "issuesync",
			Name:      "declarations",
			Help:      "Declarations found by the most recent scan.",
		},
	)
)

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(passes, passDuration, ops, declarations)
	})
}

func RecordPass(mode, result string, d time.Duration, declared int) {
	Register()
	passes.WithLabelValues(mode, result).Inc()
	passDuration.WithLabelValues(mode).Observe(d.Seconds())
	declarations.Set(float64(declared))
}

func RecordOp(kind, status string) {
	Register()
	ops.WithLabelValues(kind, status).Inc()
}
