package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/replica/internal/queue"
)

const namespace = "replica"

// Message outcomes, used as metric labels and in logs.
const (
	outcomeIndexed  = "indexed"
	outcomeConflict = "conflict"
	outcomeDeferred = "deferred"
	outcomeRedefer  = "redeferred"
	outcomePurged   = "purged"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
)

// commitEnqueueFailures counts committed writes whose indexing message could
// not be sent. Such a write stays unindexed until it is queued again.
var commitEnqueueFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "commit_enqueue_failures_total",
		Help:      "Committed writes that could not be queued for indexing",
	},
)

type metrics struct {
	messages   *prometheus.CounterVec
	buildTime  prometheus.Histogram
	fanOut     prometheus.Counter
	retries    prometheus.Counter
	queueDepth *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	reg.MustRegister(commitEnqueueFailures)
	factory := promauto.With(reg)
	return &metrics{
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "messages_total",
				Help:      "Queue messages handled, by lane and outcome",
			},
			[]string{"lane", "outcome"},
		),
		buildTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "build_seconds",
				Help:      "Time to build one index document",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		fanOut: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "fanout_total",
				Help:      "Invalidation messages sent to the secondary lane",
			},
		),
		retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "indexer",
				Name:      "transient_retries_total",
				Help:      "Local retries after transient errors",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "messages",
				Help:      "Messages per lane and state",
			},
			[]string{"lane", "state"},
		),
	}
}

func (m *metrics) observeCounts(counts map[queue.Lane]queue.LaneCount) {
	for lane, c := range counts {
		m.queueDepth.WithLabelValues(string(lane), "waiting").Set(float64(c.Waiting))
		m.queueDepth.WithLabelValues(string(lane), "inflight").Set(float64(c.InFlight))
	}
}
