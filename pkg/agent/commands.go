package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/command"
	"github.com/tacticalmesh/meshagent/pkg/mesh"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// maxPollBatch caps how many queued commands one poll drains
const maxPollBatch = 16

var errIntakeFull = errors.New("command intake full")

// enqueue hands cmd to the command loop without blocking the caller. A
// dropped command was never claimed, so the controller can redeliver it.
func (a *Agent) enqueue(ctx context.Context, cmd api.Command, source string) error {
	select {
	case a.intake <- cmd:
		return nil
	default:
		observability.ContextLogger(ctx, a.logger).Warn("Command intake full, dropping",
			zap.String("command_id", cmd.ID),
			zap.String("source", source),
		)
		return errIntakeFull
	}
}

func (a *Agent) commandLoop(ctx context.Context) error {
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.intake:
			a.dispatch(ctx, cmd)
		case <-prune.C:
			a.pruneLedger(ctx)
		}
	}
}

// dispatch runs a command addressed to this node, or relays it over the
// mesh when it targets another node.
func (a *Agent) dispatch(ctx context.Context, cmd api.Command) {
	ctx = observability.WithCommandID(ctx, cmd.ID)
	logger := observability.ContextLogger(ctx, a.logger)

	if cmd.TargetNodeID != "" && cmd.TargetNodeID != a.nodeID {
		a.relayCommand(ctx, cmd)
		return
	}

	rep, ran, err := a.executor.Execute(ctx, cmd)
	if err != nil {
		logger.Warn("Command rejected", zap.Error(err))
		return
	}
	if ran {
		a.events.RecordEvent(ctx, observability.NewCommandEvent(cmd.ID, string(cmd.Type), string(rep.Status), rep.Error))
	}
}

func (a *Agent) relayCommand(ctx context.Context, cmd api.Command) {
	logger := observability.ContextLogger(ctx, a.logger).With(zap.String("target", cmd.TargetNodeID))

	if command.CanTransition(cmd.Status, api.CommandSent) {
		if err := command.Advance(&cmd, api.CommandSent, time.Now().UTC()); err != nil {
			logger.Debug("Cannot mark relayed command sent", zap.Error(err))
		}
	}

	var err error
	if a.mesh == nil {
		err = errNoRelay
	} else {
		var payload []byte
		payload, err = json.Marshal(cmd)
		if err == nil {
			err = a.mesh.Send(ctx, cmd.TargetNodeID, mesh.KindCommand, payload)
		}
	}

	if err != nil {
		logger.Warn("Failed to relay command", zap.Error(err))
	} else {
		logger.Info("Command relayed")
	}
	a.events.RecordEvent(ctx, observability.NewCommandRelayedEvent(cmd.ID, cmd.TargetNodeID, err))
}

func (a *Agent) pruneLedger(ctx context.Context) {
	n, err := a.executor.Ledger().Prune(ctx, time.Now().Add(-ledgerMaxAge))
	if err != nil {
		a.logger.Warn("Failed to prune command ledger", zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Debug("Pruned command ledger", zap.Int("removed", n))
	}
}

// pollLoop asks the controller for queued commands while the direct link
// is up.
func (a *Agent) pollLoop(ctx context.Context) error {
	interval := a.store.Get().CommandPollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.state.Fatal() || !a.linkUp() {
				continue
			}
			a.poll(ctx, interval)
			if next := a.store.Get().CommandPollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (a *Agent) poll(parent context.Context, budget time.Duration) {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	for i := 0; i < maxPollBatch; i++ {
		cmd, err := a.client.NextCommand(ctx, a.nodeID)
		if err != nil {
			a.logger.Debug("Command poll failed", zap.Error(err))
			return
		}
		if cmd == nil {
			return
		}
		if err := a.enqueue(ctx, *cmd, "poll"); err != nil {
			return
		}
	}
}

func (a *Agent) streamLoop(ctx context.Context) error {
	return a.client.StreamCommands(ctx, a.nodeID, a.intake)
}

// reporter sends lifecycle updates over the best available path
type reporter struct {
	a *Agent
}

func (r reporter) Acknowledge(ctx context.Context, cmd api.Command) error {
	if !r.a.linkUp() {
		return fmt.Errorf("no direct controller link")
	}
	ctx, cancel := context.WithTimeout(ctx, r.a.store.Get().Controller.AttemptTimeout)
	defer cancel()
	return r.a.client.AckCommand(ctx, cmd.ID)
}

// Report tries the controller, then the mesh, and buffers the report when
// neither path works so it is delivered in order later.
func (r reporter) Report(ctx context.Context, rep api.CommandReport) error {
	a := r.a
	cfg := a.store.Get()
	logger := observability.ContextLogger(ctx, a.logger)

	if a.linkUp() {
		dctx, cancel := context.WithTimeout(ctx, cfg.HeartbeatInterval)
		err := a.client.ReportResult(dctx, rep)
		cancel()
		if err == nil {
			return nil
		}
		logger.Debug("Direct report failed", zap.Error(err))
	}

	if a.mesh != nil && a.mesh.Selector().Reachable(api.ControllerID) {
		err := a.relayToController(ctx, mesh.KindCommandReport, rep)
		if err == nil {
			return nil
		}
		logger.Debug("Relayed report failed", zap.Error(err))
	}

	a.buffer.PushReport(rep)
	logger.Info("Command report buffered", zap.Int("buffered", a.buffer.Len()))
	return nil
}

// onDeliver handles relays addressed to this node
func (a *Agent) onDeliver(ctx context.Context, d mesh.Delivery) error {
	switch d.Kind {
	case mesh.KindCommand:
		var cmd api.Command
		if err := json.Unmarshal(d.Payload, &cmd); err != nil {
			return fmt.Errorf("malformed relayed command: %w", err)
		}
		if cmd.TargetNodeID != "" && cmd.TargetNodeID != a.nodeID {
			return fmt.Errorf("relayed command %s addressed to %s", cmd.ID, cmd.TargetNodeID)
		}
		observability.ContextLogger(ctx, a.logger).Info("Received relayed command",
			zap.String("command_id", cmd.ID),
			zap.String("origin", d.Origin),
			zap.Strings("path", d.Path),
		)
		return a.enqueue(ctx, cmd, "mesh")
	default:
		return fmt.Errorf("unexpected %s delivery", d.Kind)
	}
}

// onControllerBound forwards records relayed by other nodes. It runs only
// while this node has a direct controller link, under the mesh hand-off
// timeout.
func (a *Agent) onControllerBound(ctx context.Context, d mesh.Delivery) error {
	logger := observability.ContextLogger(ctx, a.logger).With(zap.String("origin", d.Origin))

	switch d.Kind {
	case mesh.KindHeartbeat:
		var rec api.HeartbeatRecord
		if err := json.Unmarshal(d.Payload, &rec); err != nil {
			return fmt.Errorf("malformed relayed heartbeat: %w", err)
		}
		if rec.NodeID != d.Origin {
			return fmt.Errorf("relayed heartbeat for %s arrived from %s", rec.NodeID, d.Origin)
		}
		ack, err := a.client.ForwardHeartbeat(ctx, rec, a.nodeID, d.Path)
		if err != nil {
			return err
		}
		logger.Debug("Forwarded relayed heartbeat", zap.Uint64("sequence", rec.Sequence))
		// Commands queued for the origin ride back over the mesh
		for _, cmd := range ack.PendingCommands {
			if cmd.TargetNodeID == "" {
				cmd.TargetNodeID = d.Origin
			}
			a.enqueue(ctx, cmd, "relayed-ack")
		}
		return nil

	case mesh.KindCommandReport:
		var rep api.CommandReport
		if err := json.Unmarshal(d.Payload, &rep); err != nil {
			return fmt.Errorf("malformed relayed report: %w", err)
		}
		if err := a.client.ForwardResult(ctx, rep, a.nodeID, d.Path); err != nil {
			return err
		}
		logger.Debug("Forwarded relayed command report", zap.String("command_id", rep.CommandID))
		return nil

	default:
		return fmt.Errorf("unexpected %s delivery for controller", d.Kind)
	}
}
