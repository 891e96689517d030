package analytics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the recorder's window into prometheus so dashboards
// outlive the bounded ring buffer.
type Metrics struct {
	operationsTotal  *prometheus.CounterVec
	operationLatency prometheus.Histogram
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "feedsync",
				Subsystem: "cache",
				Name:      "operations_total",
				Help:      "Total cache operations by outcome",
			},
			[]string{"operation"},
		),
		operationLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "feedsync",
				Subsystem: "cache",
				Name:      "operation_latency_seconds",
				Help:      "Cache operation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	if err := registerer.Register(m.operationsTotal); err != nil {
		return nil, err
	}
	if err := registerer.Register(m.operationLatency); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observe(op Operation, latency time.Duration) {
	m.operationsTotal.WithLabelValues(string(op)).Inc()
	m.operationLatency.Observe(latency.Seconds())
}
