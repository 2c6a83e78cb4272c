package emulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts emulator activity.
type Metrics struct {
	Commits         prometheus.Counter
	Writes          prometheus.Counter
	RejectedCommits *prometheus.CounterVec
	ListenStreams   prometheus.Gauge
	WriteStreams    prometheus.Gauge
	ListenTargets   prometheus.Gauge
}

// NewMetrics creates the metrics and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Commits: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_emulator_commits_total",
			Help: "The total number of committed batches.",
		}),
		Writes: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_emulator_writes_total",
			Help: "The total number of committed writes.",
		}),
		RejectedCommits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docsync_emulator_rejected_commits_total",
			Help: "The total number of rejected batches by status code.",
		}, []string{"code"}),
		ListenStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_emulator_listen_streams",
			Help: "Number of open listen streams.",
		}),
		WriteStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_emulator_write_streams",
			Help: "Number of open write streams.",
		}),
		ListenTargets: f.NewGauge(prometheus.GaugeOpts{
			Name: "docsync_emulator_listen_targets",
			Help: "Number of active listen targets across all streams.",
		}),
	}
}
