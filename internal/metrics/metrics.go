// Package metrics defines the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a relayed mutation.
const (
	RelayPublished    = "published"
	RelaySuppressed   = "suppressed"
	RelayIgnored      = "ignored"
	RelayDeadLettered = "dead_lettered"
)

// Outcomes of an applied inbound event.
const (
	ApplyApplied   = "applied"
	ApplyStale     = "stale"
	ApplyDuplicate = "duplicate"
	ApplyIgnored   = "ignored"
	ApplyRejected  = "rejected"
	ApplyFailed    = "failed"
)

var (
	// Outbound relay metrics
	RelayMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcrelay_relay_mutations_total",
			Help: "Total number of feed mutations handled by the outbound relay",
		},
		[]string{"consumer", "outcome"},
	)

	RelayPublishAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcrelay_relay_publish_attempts_total",
			Help: "Total number of publish attempts including retries",
		},
		[]string{"consumer"},
	)

	RelayCursorVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcrelay_relay_cursor_version",
			Help: "Feed version the outbound relay has committed",
		},
		[]string{"consumer"},
	)

	RelayBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cdcrelay_relay_batch_duration_seconds",
			Help:    "Duration of relaying one feed batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Inbound applier metrics
	ApplierEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcrelay_applier_events_total",
			Help: "Total number of inbound events handled by the applier",
		},
		[]string{"outcome"},
	)

	// Write gateway metrics
	GatewayWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcrelay_gateway_writes_total",
			Help: "Total number of local writes by operation and status",
		},
		[]string{"kind", "op", "status"},
	)
)
