// Package metrics holds the Prometheus collectors shared by the coordinator
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelink_envelopes_received_total",
		Help: "Envelopes decoded from the connection, by type",
	}, []string{"type"})

	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelink_envelopes_dropped_total",
		Help: "Envelopes dropped before reaching state, by type and reason",
	}, []string{"type", "reason"})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelink_decode_errors_total",
		Help: "Inbound frames rejected by the envelope codec",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelink_reconnect_attempts_total",
		Help: "Dial attempts made after the first connection attempt failed or the connection dropped",
	})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livelink_connection_state",
		Help: "Connection managers currently in each state",
	}, []string{"state"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelink_requests_total",
		Help: "Correlated requests by outcome",
	}, []string{"outcome"})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livelink_pending_requests",
		Help: "Correlated requests awaiting a reply, across all correlators",
	})

	snapshotsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livelink_session_snapshots_coalesced_total",
		Help: "Session snapshots a slow subscriber skipped because a newer one replaced them",
	})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livelink_session_transitions_total",
		Help: "Session status transitions applied by the registry, by target status",
	}, []string{"status"})
)

// Request outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeSendFail = "send_failed"
)

// Drop reasons.
const (
	DropNoHandler = "no_handler"
	DropUnmatched = "unmatched"
	DropDuplicate = "duplicate"
	DropStale     = "stale"
)

// IncEnvelopeReceived records a decoded inbound envelope.
func IncEnvelopeReceived(kind string) {
	envelopesReceived.WithLabelValues(kind).Inc()
}

// IncEnvelopeDropped records an envelope that was dropped without effect.
func IncEnvelopeDropped(kind, reason string) {
	if kind == "" {
		kind = "unknown"
	}
	envelopesDropped.WithLabelValues(kind, reason).Inc()
}

// IncDecodeError records a malformed frame.
func IncDecodeError() {
	decodeErrors.Inc()
}

// IncReconnectAttempt records a reconnect dial attempt.
func IncReconnectAttempt() {
	reconnectAttempts.Inc()
}

// MoveConnectionState records one manager leaving from and entering to. An
// empty from registers a new manager.
func MoveConnectionState(from, to string) {
	if from == to {
		return
	}
	if from != "" {
		connectionState.WithLabelValues(from).Dec()
	}
	connectionState.WithLabelValues(to).Inc()
}

// RecordRequest records the final outcome of a correlated request.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// IncPendingRequests records a request entering a pending table.
func IncPendingRequests() {
	pendingRequests.Inc()
}

// DecPendingRequests records a request leaving a pending table.
func DecPendingRequests() {
	pendingRequests.Dec()
}

// IncSessionTransition records a session moving into status.
func IncSessionTransition(status string) {
	sessionTransitions.WithLabelValues(status).Inc()
}

// IncSnapshotCoalesced records a snapshot replaced before its subscriber saw it.
func IncSnapshotCoalesced() {
	snapshotsCoalesced.Inc()
}
