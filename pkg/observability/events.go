package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Connection events
	EventStateChanged        EventType = "agent.state_changed"
	EventRegistered          EventType = "agent.registered"
	EventCredentialsRejected EventType = "agent.credentials_rejected"
	EventConfigReloaded      EventType = "agent.config_reloaded"

	// Controller events
	EventControllerFailover EventType = "controller.failover"

	// Mesh events
	EventPeerChanged EventType = "mesh.peer_changed"

	// Command events
	EventCommandCompleted EventType = "command.completed"
	EventCommandFailed    EventType = "command.failed"
	EventCommandRelayed   EventType = "command.relayed"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is one entry in the agent's operational journal
type Event struct {
	ID        string        `json:"id" yaml:"id"`
	Type      EventType     `json:"type" yaml:"type"`
	Severity  EventSeverity `json:"severity" yaml:"severity"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`

	// Correlation IDs, filled from the context when empty
	RequestID string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	CommandID string `json:"command_id,omitempty" yaml:"command_id,omitempty"`
	MessageID string `json:"message_id,omitempty" yaml:"message_id,omitempty"`

	// ResourceID is the peer, endpoint or command the event is about
	ResourceID string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`

	Action      string         `json:"action" yaml:"action"`
	Description string         `json:"description" yaml:"description"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Success bool   `json:"success" yaml:"success"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// EventStream keeps a bounded in-memory journal of recent events and fans
// new ones out to watchers.
type EventStream struct {
	logger   *zap.Logger
	events   []Event
	mu       sync.RWMutex
	maxSize  int
	watchers []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int // Maximum number of events to keep in memory
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	return &EventStream{
		logger:  logger,
		events:  make([]Event, 0, cfg.MaxSize),
		maxSize: cfg.MaxSize,
	}
}

// RecordEvent appends an event to the journal
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.CommandID == "" {
		event.CommandID = GetCommandID(ctx)
	}
	if event.MessageID == "" {
		event.MessageID = GetMessageID(ctx)
	}

	es.events = append(es.events, event)
	if len(es.events) > es.maxSize {
		es.events = append([]Event(nil), es.events[len(es.events)-es.maxSize:]...)
	}

	es.logEvent(event)

	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
			// slow watcher
		}
	}
}

func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	if event.CommandID != "" {
		fields = append(fields, zap.String("command_id", event.CommandID))
	}
	if event.MessageID != "" {
		fields = append(fields, zap.String("message_id", event.MessageID))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	// Components already log the underlying change; the journal entry is
	// debug unless it needs an operator.
	switch event.Severity {
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	case SeverityCritical:
		es.logger.Error(fmt.Sprintf("CRITICAL: %s", event.Description), fields...)
	default:
		es.logger.Debug(event.Description, fields...)
	}
}

// GetEvents returns matching events, oldest first. A positive filter Limit
// keeps only the newest matches.
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Watch creates a channel that receives new events
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)
	return ch
}

// Unwatch removes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export exports events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types      []EventType
	Severities []EventSeverity
	ResourceID string
	CommandID  string
	Since      time.Time
	Limit      int
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 && !contains(f.Types, event.Type) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, event.Severity) {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if f.CommandID != "" && event.CommandID != f.CommandID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Helper functions for creating specific events

// NewStateChangedEvent creates a connection state change event
func NewStateChangedEvent(from, to, reason string) Event {
	severity := SeverityInfo
	if to != "REGISTERED" {
		severity = SeverityWarning
	}
	return Event{
		Type:        EventStateChanged,
		Severity:    severity,
		Action:      "transition",
		Description: fmt.Sprintf("Connection state %s -> %s (%s)", from, to, reason),
		Metadata: map[string]any{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
		Success: to == "REGISTERED",
	}
}

// NewRegisteredEvent creates a registration event
func NewRegisteredEvent(nodeID, endpoint string, resumed bool) Event {
	action := "register"
	if resumed {
		action = "resume"
	}
	return Event{
		Type:        EventRegistered,
		Severity:    SeverityInfo,
		ResourceID:  endpoint,
		Action:      action,
		Description: fmt.Sprintf("Node %s registered with %s", nodeID, endpoint),
		Success:     true,
	}
}

// NewCredentialsRejectedEvent creates a credential rejection event
func NewCredentialsRejectedEvent(nodeID, reason string) Event {
	return Event{
		Type:        EventCredentialsRejected,
		Severity:    SeverityCritical,
		Action:      "authenticate",
		Description: fmt.Sprintf("Controller rejected credentials for %s; reconfigure and reload", nodeID),
		Success:     false,
		Error:       reason,
	}
}

// NewConfigReloadedEvent creates a configuration reload event
func NewConfigReloadedEvent(source string, err error) Event {
	ev := Event{
		Type:        EventConfigReloaded,
		Severity:    SeverityInfo,
		Action:      "reload",
		Description: fmt.Sprintf("Configuration reloaded (%s)", source),
		Metadata:    map[string]any{"source": source},
		Success:     err == nil,
	}
	if err != nil {
		ev.Severity = SeverityError
		ev.Description = fmt.Sprintf("Configuration reload failed (%s)", source)
		ev.Error = err.Error()
	}
	return ev
}

// NewFailoverEvent creates a controller endpoint failover event
func NewFailoverEvent(from, to string) Event {
	return Event{
		Type:        EventControllerFailover,
		Severity:    SeverityWarning,
		ResourceID:  to,
		Action:      "failover",
		Description: fmt.Sprintf("Controller endpoint changed from %s to %s", from, to),
		Metadata:    map[string]any{"from": from, "to": to},
		Success:     true,
	}
}

// NewPeerChangedEvent creates a peer liveness event
func NewPeerChangedEvent(peerID, from, to string) Event {
	severity := SeverityInfo
	if to != "REACHABLE" {
		severity = SeverityWarning
	}
	return Event{
		Type:        EventPeerChanged,
		Severity:    severity,
		ResourceID:  peerID,
		Action:      "liveness",
		Description: fmt.Sprintf("Peer %s %s -> %s", peerID, from, to),
		Metadata:    map[string]any{"from": from, "to": to},
		Success:     to == "REACHABLE",
	}
}

// NewCommandEvent creates a command outcome event
func NewCommandEvent(commandID, commandType, status, errMsg string) Event {
	ev := Event{
		Type:        EventCommandCompleted,
		Severity:    SeverityInfo,
		CommandID:   commandID,
		ResourceID:  commandID,
		Action:      commandType,
		Description: fmt.Sprintf("Command %s (%s) %s", commandID, commandType, status),
		Metadata:    map[string]any{"status": status},
		Success:     errMsg == "",
		Error:       errMsg,
	}
	if errMsg != "" {
		ev.Type = EventCommandFailed
		ev.Severity = SeverityWarning
	}
	return ev
}

// NewCommandRelayedEvent records a command forwarded to another node
func NewCommandRelayedEvent(commandID, target string, err error) Event {
	ev := Event{
		Type:        EventCommandRelayed,
		Severity:    SeverityInfo,
		CommandID:   commandID,
		ResourceID:  target,
		Action:      "relay",
		Description: fmt.Sprintf("Command %s relayed to %s", commandID, target),
		Success:     err == nil,
	}
	if err != nil {
		ev.Severity = SeverityWarning
		ev.Error = err.Error()
	}
	return ev
}
