package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStream(max int) *EventStream {
	return NewEventStream(EventStreamConfig{MaxSize: max}, zap.NewNop())
}

func TestEventStream_FillsDefaultsFromContext(t *testing.T) {
	es := newTestStream(10)
	ctx := WithCommandID(WithRequestID(context.Background(), "req-1"), "cmd-1")

	es.RecordEvent(ctx, NewConfigReloadedEvent("signal", nil))

	events := es.GetEvents(EventFilter{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID == "" {
		t.Error("event ID not generated")
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if ev.RequestID != "req-1" || ev.CommandID != "cmd-1" {
		t.Errorf("correlation IDs not taken from context: %+v", ev)
	}
}

func TestEventStream_BoundedKeepsNewest(t *testing.T) {
	es := newTestStream(3)
	for i := 0; i < 5; i++ {
		es.RecordEvent(context.Background(), NewCommandEvent(string(rune('a'+i)), "ping", "COMPLETED", ""))
	}

	events := es.GetEvents(EventFilter{})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].CommandID != "c" || events[2].CommandID != "e" {
		t.Errorf("expected c..e, got %s..%s", events[0].CommandID, events[2].CommandID)
	}
}

func TestEventStream_Filter(t *testing.T) {
	es := newTestStream(100)
	ctx := context.Background()
	old := NewFailoverEvent("http://a", "http://b")
	old.Timestamp = time.Now().Add(-time.Hour)
	es.RecordEvent(ctx, old)
	es.RecordEvent(ctx, NewPeerChangedEvent("node-b", "REACHABLE", "DEGRADED"))
	es.RecordEvent(ctx, NewCommandEvent("cmd-1", "ping", "COMPLETED", ""))
	es.RecordEvent(ctx, NewCommandEvent("cmd-2", "custom", "FAILED", "boom"))
	es.RecordEvent(ctx, NewCommandEvent("cmd-3", "ping", "COMPLETED", ""))

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{"all", EventFilter{}, 5},
		{"by type", EventFilter{Types: []EventType{EventCommandCompleted}}, 2},
		{"by severity", EventFilter{Severities: []EventSeverity{SeverityWarning}}, 3},
		{"by resource", EventFilter{ResourceID: "node-b"}, 1},
		{"by command", EventFilter{CommandID: "cmd-2"}, 1},
		{"since", EventFilter{Since: time.Now().Add(-time.Minute)}, 4},
		{"limit", EventFilter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(es.GetEvents(tt.filter)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}

	latest := es.GetEvents(EventFilter{Limit: 1})
	if latest[0].CommandID != "cmd-3" {
		t.Errorf("limit must keep the newest match, got %s", latest[0].CommandID)
	}
}

func TestEventStream_Watch(t *testing.T) {
	es := newTestStream(10)
	ch := es.Watch()

	es.RecordEvent(context.Background(), NewRegisteredEvent("node-a", "http://ctl", false))

	select {
	case ev := <-ch:
		if ev.Type != EventRegistered {
			t.Errorf("unexpected event type %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive event")
	}

	es.Unwatch(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unwatch")
	}
	es.RecordEvent(context.Background(), NewRegisteredEvent("node-a", "http://ctl", true))
}

func TestEventStream_Export(t *testing.T) {
	es := newTestStream(10)
	es.RecordEvent(context.Background(), NewCredentialsRejectedEvent("node-a", "401"))

	data, err := es.Export()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	var out []Event
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if len(out) != 1 || out[0].Severity != SeverityCritical {
		t.Errorf("unexpected export: %s", data)
	}
}

func TestEventHelpers(t *testing.T) {
	if ev := NewStateChangedEvent("DEGRADED", "REGISTERED", "relayed"); !ev.Success || ev.Severity != SeverityInfo {
		t.Errorf("recovery should be a successful info event: %+v", ev)
	}
	if ev := NewStateChangedEvent("REGISTERED", "DEGRADED", "timeout"); ev.Success || ev.Severity != SeverityWarning {
		t.Errorf("degradation should be a warning: %+v", ev)
	}
	if ev := NewRegisteredEvent("n", "e", true); ev.Action != "resume" {
		t.Errorf("resumed session action = %s", ev.Action)
	}
	if ev := NewConfigReloadedEvent("admin", errors.New("bad yaml")); ev.Success || ev.Error != "bad yaml" || ev.Severity != SeverityError {
		t.Errorf("failed reload: %+v", ev)
	}
	if ev := NewCommandEvent("c", "ping", "FAILED", "boom"); ev.Type != EventCommandFailed {
		t.Errorf("failed command type = %s", ev.Type)
	}
	if ev := NewCommandRelayedEvent("c", "node-b", errors.New("no route")); ev.Success || ev.ResourceID != "node-b" {
		t.Errorf("failed relay: %+v", ev)
	}
}
