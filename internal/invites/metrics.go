package invites

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	attributions  *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	leaves        *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	pending       prometheus.Gauge
}

// NewMetrics registers the reconciliation collectors on reg. A nil reg
// yields working collectors that are not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attributions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteward_attributions_total",
			Help: "member joins by attribution outcome",
		}, []string{"outcome", "method"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteward_invite_fetch_failures_total",
			Help: "failed invite listings by reason",
		}, []string{"reason"}),
		leaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteward_member_leaves_total",
			Help: "member leaves by result",
		}, []string{"result"}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inviteward_invite_fetch_seconds",
			Help:    "invite listing latency",
			Buckets: prometheus.DefBuckets,
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inviteward_pending_events",
			Help: "member events queued across all guilds",
		}),
	}
}

func (m *Metrics) observeAttribution(outcome string, method Method) {
	m.attributions.WithLabelValues(outcome, string(method)).Inc()
}
