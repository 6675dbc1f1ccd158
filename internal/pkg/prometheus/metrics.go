package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Stream edit kinds.
const (
	EditPost   = "post"
	EditUpdate = "update"
	EditFinal  = "final"
	EditError  = "error"
)

var factory = promauto.With(registry)

var (
	ExchangesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_exchanges_total",
		Help: "Conversation exchanges by outcome.",
	}, []string{"outcome"})

	StreamEditsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_stream_edits_total",
		Help: "Messages posted or edited by streaming responses.",
	}, []string{"kind"})

	QueuePending = factory.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_pending",
		Help: "Messages waiting behind an in-flight exchange, across all conversations.",
	})

	HeartbeatRunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_heartbeat_runs_total",
		Help: "Heartbeat runs by outcome.",
	}, []string{"outcome"})

	HeartbeatRunSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_heartbeat_run_seconds",
		Help:    "Heartbeat run duration.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	SessionsLive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_live",
		Help: "Live assistant processes owned by the session registry.",
	})
)
