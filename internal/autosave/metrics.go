package autosave

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSaved   = "saved"
	resultInvalid = "invalid"
	resultFailed  = "failed"
)

// Metrics counts save outcomes and store writes.
type Metrics struct {
	saves    *prometheus.CounterVec
	writes   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics registers the engine collectors with registerer. A nil registerer
// keeps the collectors unregistered.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rigging",
			Subsystem: "autosave",
			Name:      "saves_total",
			Help:      "Top-level save calls by outcome.",
		}, []string{"record_type", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rigging",
			Subsystem: "autosave",
			Name:      "writes_total",
			Help:      "Store writes issued inside save transactions.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rigging",
			Subsystem: "autosave",
			Name:      "save_duration_seconds",
			Help:      "Wall time of top-level save calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.saves, metrics.writes, metrics.duration} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeSave(recordType, result string, started time.Time) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(recordType, result).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeWrite(operation string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(operation).Inc()
}
