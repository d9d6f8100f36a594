package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection state metrics
var (
	AgentConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshagent_connection_state",
			Help: "Current connection state of the agent (1 for the active state)",
		},
		[]string{"state"}, // disconnected, registered, degraded
	)

	AgentStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_state_transitions_total",
			Help: "Total number of connection state transitions",
		},
		[]string{"from", "to"},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_heartbeats_total",
			Help: "Total number of heartbeat ticks by delivery path",
		},
		[]string{"path"}, // direct, relay, buffered
	)

	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_registrations_total",
			Help: "Total number of registration attempts",
		},
		[]string{"result"}, // success, timeout, rejected
	)
)

// Controller client metrics
var (
	ControllerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_controller_attempts_total",
			Help: "Total number of controller call attempts",
		},
		[]string{"endpoint", "operation", "result"},
	)

	ControllerFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshagent_controller_failovers_total",
			Help: "Total number of calls that succeeded on a non-primary endpoint",
		},
	)

	ControllerCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshagent_controller_call_duration_seconds",
			Help:    "Duration of controller calls including retries and failover",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Local buffer metrics
var (
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshagent_buffer_depth",
			Help: "Number of records waiting in the local buffer",
		},
	)

	BufferDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshagent_buffer_dropped_total",
			Help: "Total number of records dropped from the local buffer on overflow",
		},
	)

	BufferFlushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshagent_buffer_flushed_total",
			Help: "Total number of buffered records delivered after reconnect",
		},
	)
)

// Mesh metrics
var (
	MeshPeers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshagent_mesh_peers",
			Help: "Number of mesh peers by liveness status",
		},
		[]string{"status"},
	)

	MeshRoutes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshagent_mesh_routes",
			Help: "Number of installed mesh routes",
		},
	)

	MeshRouteChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_mesh_route_changes_total",
			Help: "Total number of route table mutations",
		},
		[]string{"change"}, // installed, replaced, refreshed, evicted
	)

	MeshAdvertsDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_mesh_adverts_discarded_total",
			Help: "Total number of advertised routes discarded",
		},
		[]string{"reason"}, // self, ceiling, malformed
	)

	MeshRelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_mesh_relays_total",
			Help: "Total number of relay messages handled",
		},
		[]string{"result"}, // originated, forwarded, delivered, duplicate, ttl_expired, no_route
	)

	MeshPeerRTTSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshagent_mesh_peer_rtt_seconds",
			Help: "Smoothed round-trip time per peer link",
		},
		[]string{"peer_id"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_commands_total",
			Help: "Total number of commands by type and final status",
		},
		[]string{"type", "status"},
	)

	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshagent_command_duration_seconds",
			Help:    "Duration of command handler execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
