package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on the server's own registry, so several servers
// can live in one process (tests do).
type metrics struct {
	pushPullDuration *prometheus.HistogramVec
	changesPushed    prometheus.Counter
	changesPulled    prometheus.Counter
	snapshotsSent    prometheus.Counter
	activations      prometheus.Counter
	presenceExpired  prometheus.Counter
	publishFailures  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		pushPullDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsync_pushpull_duration_seconds",
			Help:    "Duration of push-pull exchanges by operation",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"op"}),
		changesPushed: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_changes_pushed_total",
			Help: "Total number of changes received from clients",
		}),
		changesPulled: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_changes_pulled_total",
			Help: "Total number of changes sent to clients",
		}),
		snapshotsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_snapshots_sent_total",
			Help: "Number of responses that carried a snapshot instead of changes",
		}),
		activations: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_client_activations_total",
			Help: "Total number of client activations",
		}),
		presenceExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_presence_expired_keys_total",
			Help: "Number of presence keys whose count the TTL sweeper changed",
		}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "docsync_publish_failures_total",
			Help: "Number of broker publishes that failed",
		}),
	}
}
