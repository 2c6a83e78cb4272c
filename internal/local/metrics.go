package local

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts local store activity. Create it with NewMetrics; the zero
// value is not usable.
type Metrics struct {
	BatchesEnqueued     prometheus.Counter
	BatchesAcknowledged prometheus.Counter
	BatchesRejected     prometheus.Counter
	DocumentsCollected  prometheus.Counter
	// PendingBatches is the number of batches in the current user's queue.
	PendingBatches prometheus.Gauge
}

// NewMetrics creates the metrics and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		BatchesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_local_batches_enqueued_total",
			Help: "The total number of mutation batches written locally.",
		}),
		BatchesAcknowledged: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_local_batches_acknowledged_total",
			Help: "The total number of mutation batches acknowledged by the backend.",
		}),
		BatchesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_local_batches_rejected_total",
			Help: "The total number of mutation batches rejected by the backend.",
		}),
		DocumentsCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_local_documents_collected_total",
			Help: "The total number of cached documents removed by garbage collection.",
		}),
		PendingBatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_local_pending_batches",
			Help: "Number of mutation batches waiting to be acknowledged.",
		}),
	}
}
