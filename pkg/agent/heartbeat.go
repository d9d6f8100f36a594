package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/buffer"
	"github.com/tacticalmesh/meshagent/pkg/controller"
	"github.com/tacticalmesh/meshagent/pkg/mesh"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// Delivery paths of a heartbeat tick
const (
	PathDirect   = "direct"
	PathRelay    = "relay"
	PathBuffered = "buffered"
)

var errNoRelay = errors.New("no mesh route to controller")

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	interval := a.store.Get().HeartbeatInterval
	a.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.intervalChanged:
			if next := a.store.Get().HeartbeatInterval; next != interval {
				a.logger.Info("Heartbeat interval changed", zap.Duration("from", interval), zap.Duration("to", next))
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick produces one heartbeat and delivers it, together with anything
// buffered before it, over the first path that works: the controller
// directly, a mesh relay, or the local buffer. The whole tick is bounded by
// the heartbeat interval, and the direct path leaves room for the relay.
func (a *Agent) tick(parent context.Context) string {
	cfg := a.store.Get()
	ctx, cancel := context.WithTimeout(parent, cfg.HeartbeatInterval)
	defer cancel()
	directCtx, cancelDirect := context.WithTimeout(ctx, a.directBudget(cfg.HeartbeatInterval, cfg.Mesh.RelayTimeout))
	defer cancelDirect()

	ctx, span := observability.StartSpan(ctx, "agent.heartbeat")
	path := PathBuffered
	defer func() {
		span.SetAttributes(attribute.String("heartbeat.path", path))
		observability.EndSpan(span, nil)
		observability.HeartbeatsTotal.WithLabelValues(path).Inc()
	}()

	if !a.state.Fatal() && a.registrationDue() {
		a.register(directCtx)
	}

	rec := a.nextRecord(ctx)

	if a.state.Fatal() {
		a.buffer.PushHeartbeat(rec)
		return path
	}

	delivered, rejected := a.sendDirect(directCtx, rec)
	if rejected {
		a.logger.Warn("Controller rejected the session token, registering again")
		a.client.SetToken("")
		if a.register(directCtx) {
			delivered, _ = a.sendDirect(directCtx, rec)
		}
	}

	switch {
	case delivered:
		path = PathDirect
	case a.state.Fatal():
		a.buffer.PushHeartbeat(rec)
	case a.sendRelay(ctx, rec):
		path = PathRelay
	default:
		a.buffer.PushHeartbeat(rec)
	}

	a.settle(ctx, path, cfg.ReregisterAfter)
	return path
}

// directBudget is the share of a tick the controller client may spend. With
// the mesh enabled one relay timeout is held back for the relay path, but
// the direct path always keeps at least half the tick.
func (a *Agent) directBudget(interval, relayTimeout time.Duration) time.Duration {
	if a.mesh == nil {
		return interval
	}
	budget := interval - relayTimeout
	if budget < interval/2 {
		budget = interval / 2
	}
	return budget
}

// settle applies the tick outcome to the failure counter and the state
func (a *Agent) settle(ctx context.Context, path string, reregisterAfter int) {
	logger := observability.ContextLogger(ctx, a.logger)

	if path == PathBuffered {
		a.mu.Lock()
		a.failures++
		failures := a.failures
		if failures >= reregisterAfter {
			a.needsRegistration = true
		}
		a.mu.Unlock()

		if !a.state.Fatal() {
			a.state.Undelivered(fmt.Sprintf("heartbeat undelivered (%d consecutive)", failures))
		}
		logger.Warn("Heartbeat buffered",
			zap.Int("consecutive_failures", failures),
			zap.Int("buffered", a.buffer.Len()),
		)
		return
	}

	a.mu.Lock()
	a.failures = 0
	a.lastHeartbeat = time.Now().UTC()
	a.lastPath = path
	a.mu.Unlock()

	a.state.Delivered("heartbeat delivered via " + path)
	logger.Debug("Heartbeat delivered", zap.String("path", path))
}

func (a *Agent) registrationDue() bool {
	a.mu.Lock()
	due := a.needsRegistration
	a.mu.Unlock()

	if due {
		return true
	}
	token := a.client.Token()
	return token == "" || controller.TokenExpired(token, time.Now(), tokenSkew)
}

// register submits the node identity. A rejection latches the state
// machine; any other failure leaves the registration pending.
func (a *Agent) register(ctx context.Context) bool {
	cfg := a.store.Get()
	logger := observability.ContextLogger(ctx, a.logger)

	a.mu.Lock()
	nodeType := a.nodeType
	a.mu.Unlock()

	req := api.RegisterRequest{
		NodeID:       cfg.NodeID,
		Name:         cfg.Name,
		NodeType:     nodeType,
		JoinToken:    cfg.Controller.JoinToken,
		Capabilities: a.capabilities(),
		Metadata:     a.metadata(cfg.Metadata),
	}

	resp, err := a.client.Register(ctx, req)
	outcome := controller.OutcomeOf(err)
	observability.RegistrationsTotal.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case controller.OutcomeSuccess:
		if err := controller.SaveToken(cfg.TokenPath(), resp.AuthToken); err != nil {
			logger.Warn("Failed to persist credentials", zap.Error(err))
		}
		a.mu.Lock()
		a.needsRegistration = false
		a.failures = 0
		a.mu.Unlock()

		endpoint := a.client.ActiveEndpoint()
		logger.Info("Registered with controller", zap.String("endpoint", endpoint), zap.String("message", resp.Message))
		a.state.Registered("registered with " + endpoint)
		a.events.RecordEvent(ctx, observability.NewRegisteredEvent(cfg.NodeID, endpoint, false))
		return true

	case controller.OutcomeRejected:
		a.credentialsRejected(ctx, err)
		return false

	default:
		logger.Warn("Registration failed", zap.Error(err))
		return false
	}
}

func (a *Agent) credentialsRejected(ctx context.Context, err error) {
	cfg := a.store.Get()
	observability.ContextLogger(ctx, a.logger).Error("Controller rejected node credentials; reconfigure and reload",
		zap.Error(err),
	)

	a.client.SetToken("")
	if rerr := controller.RemoveToken(cfg.TokenPath()); rerr != nil {
		a.logger.Warn("Failed to remove rejected credentials", zap.Error(rerr))
	}
	a.setDirect(false, 0)
	a.state.Rejected(err.Error())
	a.events.RecordEvent(ctx, observability.NewCredentialsRejectedEvent(cfg.NodeID, err.Error()))
}

func (a *Agent) capabilities() []string {
	caps := []string{
		string(api.CommandPing),
		string(api.CommandReloadConfig),
		string(api.CommandUpdateConfig),
		string(api.CommandChangeRole),
	}
	for _, c := range a.registry.Capabilities() {
		caps = append(caps, string(api.CommandCustom)+":"+c)
	}
	sort.Strings(caps)
	return caps
}

// metadata merges configured labels over detected platform labels
func (a *Agent) metadata(configured map[string]string) map[string]string {
	out := make(map[string]string, len(a.platform)+len(configured)+1)
	for k, v := range a.platform {
		out[k] = v
	}
	if a.version != "" {
		out["agent_version"] = a.version
	}
	for k, v := range configured {
		out[k] = v
	}
	return out
}

func (a *Agent) nextRecord(ctx context.Context) api.HeartbeatRecord {
	t := a.sampler.Sample(ctx)

	a.mu.Lock()
	a.sequence++
	seq := a.sequence
	a.mu.Unlock()

	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return api.HeartbeatRecord{
		NodeID:          a.nodeID,
		Sequence:        seq,
		Timestamp:       ts,
		CPUPercent:      t.CPUPercent,
		MemoryPercent:   t.MemoryPercent,
		DiskPercent:     t.DiskPercent,
		Geo:             t.Geo,
		ConnectionState: string(a.state.State()),
	}
}

// sendDirect flushes the buffer and then delivers rec to the controller.
// rejected is set when the controller refused the session token.
func (a *Agent) sendDirect(ctx context.Context, rec api.HeartbeatRecord) (delivered, rejected bool) {
	if a.client.Token() == "" {
		return false, false
	}

	if n, err := a.buffer.Flush(ctx, a.deliverDirect); err != nil {
		a.directFailed(ctx, err, n)
		return false, controller.OutcomeOf(err) == controller.OutcomeRejected
	} else if n > 0 {
		observability.ContextLogger(ctx, a.logger).Info("Flushed buffered records to controller", zap.Int("count", n))
	}

	start := time.Now()
	ack, err := a.client.Heartbeat(ctx, rec)
	if err != nil {
		a.directFailed(ctx, err, 0)
		return false, controller.OutcomeOf(err) == controller.OutcomeRejected
	}

	a.setDirect(true, time.Since(start))
	if a.state.State() == StateDisconnected {
		a.state.Registered("session resumed")
	}
	a.handleAck(ctx, ack)
	return true, false
}

func (a *Agent) directFailed(ctx context.Context, err error, flushed int) {
	a.setDirect(false, 0)
	observability.ContextLogger(ctx, a.logger).Debug("Direct delivery failed",
		zap.Int("flushed_before_failure", flushed),
		zap.Error(err),
	)
}

// setDirect records the direct controller link and advertises it to the mesh
func (a *Agent) setDirect(up bool, rtt time.Duration) {
	a.mu.Lock()
	a.directUp = up
	a.mu.Unlock()
	if a.mesh != nil {
		a.mesh.SetControllerLink(up, rtt)
	}
}

func (a *Agent) linkUp() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.directUp
}

func (a *Agent) deliverDirect(ctx context.Context, r buffer.Record) error {
	switch r.Kind {
	case buffer.KindHeartbeat:
		hb := *r.Heartbeat
		hb.Buffered = true
		ack, err := a.client.Heartbeat(ctx, hb)
		if err != nil {
			return err
		}
		a.handleAck(ctx, ack)
		return nil
	case buffer.KindCommandReport:
		return a.client.ReportResult(ctx, *r.Report)
	default:
		// unknown kinds would block the queue forever
		a.logger.Warn("Discarding buffered record of unknown kind", zap.String("kind", string(r.Kind)))
		return nil
	}
}

// sendRelay flushes the buffer and then delivers rec through the mesh
func (a *Agent) sendRelay(ctx context.Context, rec api.HeartbeatRecord) bool {
	if a.mesh == nil || !a.mesh.Selector().Reachable(api.ControllerID) {
		return false
	}
	logger := observability.ContextLogger(ctx, a.logger)

	if n, err := a.buffer.Flush(ctx, a.deliverRelay); err != nil {
		logger.Debug("Relay flush failed", zap.Int("flushed_before_failure", n), zap.Error(err))
		return false
	} else if n > 0 {
		logger.Info("Flushed buffered records over the mesh", zap.Int("count", n))
	}

	if err := a.relayToController(ctx, mesh.KindHeartbeat, rec); err != nil {
		logger.Debug("Relay delivery failed", zap.Error(err))
		return false
	}
	return true
}

func (a *Agent) deliverRelay(ctx context.Context, r buffer.Record) error {
	switch r.Kind {
	case buffer.KindHeartbeat:
		hb := *r.Heartbeat
		hb.Buffered = true
		return a.relayToController(ctx, mesh.KindHeartbeat, hb)
	case buffer.KindCommandReport:
		return a.relayToController(ctx, mesh.KindCommandReport, *r.Report)
	default:
		return nil
	}
}

func (a *Agent) relayToController(ctx context.Context, kind mesh.PayloadKind, v any) error {
	if a.mesh == nil {
		return errNoRelay
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return a.mesh.Send(ctx, api.ControllerID, kind, payload)
}

func (a *Agent) handleAck(ctx context.Context, ack *api.HeartbeatAck) {
	if ack == nil {
		return
	}
	for _, cmd := range ack.PendingCommands {
		a.enqueue(ctx, cmd, "heartbeat")
	}
}
