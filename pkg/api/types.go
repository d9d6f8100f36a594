package api

import (
	"fmt"
	"strings"
	"time"
)

// Wire types shared by the agent and the controller HTTP API.

// ControllerID is the destination id the mesh uses for the controller.
const ControllerID = "controller"

// NodeType is the declared role of an edge node
type NodeType string

const (
	NodeTypeVehicle    NodeType = "vehicle"
	NodeTypeDismounted NodeType = "dismounted"
	NodeTypeSensor     NodeType = "sensor"
	NodeTypeUAS        NodeType = "uas"
	NodeTypeRelay      NodeType = "relay"
	NodeTypeUnknown    NodeType = "unknown"
)

// ParseNodeType normalizes a node type tag. Empty maps to unknown.
func ParseNodeType(s string) (NodeType, error) {
	switch t := NodeType(strings.ToLower(strings.TrimSpace(s))); t {
	case NodeTypeVehicle, NodeTypeDismounted, NodeTypeSensor, NodeTypeUAS, NodeTypeRelay, NodeTypeUnknown:
		return t, nil
	case "":
		return NodeTypeUnknown, nil
	default:
		return NodeTypeUnknown, fmt.Errorf("unknown node type %q", s)
	}
}

// NodeIdentity identifies a node. The ID never changes after startup.
type NodeIdentity struct {
	NodeID string   `json:"node_id"`
	Name   string   `json:"name,omitempty"`
	Type   NodeType `json:"node_type"`
}

// RegisterRequest is sent to POST /api/v1/nodes/register
type RegisterRequest struct {
	NodeID       string            `json:"node_id"`
	Name         string            `json:"name,omitempty"`
	NodeType     NodeType          `json:"node_type"`
	JoinToken    string            `json:"join_token,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse carries the credentials issued by the controller
type RegisterResponse struct {
	NodeID    string `json:"node_id"`
	AuthToken string `json:"auth_token"`
	Message   string `json:"message,omitempty"`
}

// GeoPoint is an optional position reported with heartbeats
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
}

// HeartbeatRecord is one liveness and telemetry sample
type HeartbeatRecord struct {
	NodeID          string    `json:"node_id"`
	Sequence        uint64    `json:"sequence"`
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
	DiskPercent     float64   `json:"disk_percent"`
	Geo             *GeoPoint `json:"geo,omitempty"`
	ConnectionState string    `json:"connection_state,omitempty"`
	Buffered        bool      `json:"buffered,omitempty"`
}

// HeartbeatAck is the controller's acknowledgement of a heartbeat
type HeartbeatAck struct {
	Received        bool      `json:"received"`
	Sequence        uint64    `json:"sequence,omitempty"`
	PendingCommands []Command `json:"pending_commands,omitempty"`
}

// CommandType enumerates the commands a node understands
type CommandType string

const (
	CommandPing         CommandType = "ping"
	CommandReloadConfig CommandType = "reload_config"
	CommandUpdateConfig CommandType = "update_config"
	CommandChangeRole   CommandType = "change_role"
	CommandCustom       CommandType = "custom"
)

// CommandStatus is a point in the command lifecycle
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandExecuting    CommandStatus = "executing"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
	CommandTimeout      CommandStatus = "timeout"
)

// Terminal reports whether no further transition is possible
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandTimeout
}

// Command is a unit of work dispatched by the controller to one node
type Command struct {
	ID             string         `json:"id"`
	TargetNodeID   string         `json:"target_node_id"`
	Type           CommandType    `json:"command_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	Status         CommandStatus  `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// CommandReport is sent to POST /api/v1/commands/{id}/result
type CommandReport struct {
	CommandID  string         `json:"command_id"`
	NodeID     string         `json:"node_id"`
	Status     CommandStatus  `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// StreamMessage is the envelope used on the controller push stream
type StreamMessage struct {
	Type    string   `json:"type"`
	Command *Command `json:"command,omitempty"`
}

// Stream message types
const (
	StreamCommand = "command"
	StreamPing    = "ping"
)

// StatusReport is served by the local admin API and rendered by the CLI
type StatusReport struct {
	NodeID              string        `json:"node_id" yaml:"node_id"`
	Name                string        `json:"name" yaml:"name"`
	NodeType            NodeType      `json:"node_type" yaml:"node_type"`
	State               string        `json:"state" yaml:"state"`
	StateSince          time.Time     `json:"state_since" yaml:"state_since"`
	CredentialsRejected bool          `json:"credentials_rejected" yaml:"credentials_rejected"`
	ActiveEndpoint      string        `json:"active_endpoint,omitempty" yaml:"active_endpoint,omitempty"`
	DirectLink          bool          `json:"direct_link" yaml:"direct_link"`
	LastHeartbeat       *time.Time    `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
	LastPath            string        `json:"last_path,omitempty" yaml:"last_path,omitempty"`
	Sequence            uint64        `json:"sequence" yaml:"sequence"`
	Buffer              BufferStatus  `json:"buffer" yaml:"buffer"`
	Mesh                *MeshStatus   `json:"mesh,omitempty" yaml:"mesh,omitempty"`
	Capabilities        []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Uptime              time.Duration `json:"uptime" yaml:"uptime"`
}

// BufferStatus summarizes the local buffer
type BufferStatus struct {
	Depth    int    `json:"depth" yaml:"depth"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	Dropped  uint64 `json:"dropped" yaml:"dropped"`
	Flushed  uint64 `json:"flushed" yaml:"flushed"`
}

// MeshStatus summarizes the mesh view
type MeshStatus struct {
	Peers               map[string]int `json:"peers" yaml:"peers"`
	Routes              int            `json:"routes" yaml:"routes"`
	ControllerReachable bool           `json:"controller_reachable" yaml:"controller_reachable"`
	ControllerNextHop   string         `json:"controller_next_hop,omitempty" yaml:"controller_next_hop,omitempty"`
}

// RouteView is one route table entry
type RouteView struct {
	Destination string  `json:"destination" yaml:"destination"`
	Origin      string  `json:"origin,omitempty" yaml:"origin,omitempty"`
	NextHop     string  `json:"next_hop" yaml:"next_hop"`
	HopCount    int     `json:"hop_count" yaml:"hop_count"`
	RTTMillis   float64 `json:"rtt_ms" yaml:"rtt_ms"`
	Reliability float64 `json:"reliability" yaml:"reliability"`
	AgeSeconds  float64 `json:"age_seconds" yaml:"age_seconds"`
}

// PeerView is one direct neighbour
type PeerView struct {
	NodeID      string    `json:"node_id" yaml:"node_id"`
	Address     string    `json:"address" yaml:"address"`
	Status      string    `json:"status" yaml:"status"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
	RTTMillis   float64   `json:"rtt_ms" yaml:"rtt_ms"`
	Reliability float64   `json:"reliability" yaml:"reliability"`
	Tripped     bool      `json:"tripped" yaml:"tripped"`
}
