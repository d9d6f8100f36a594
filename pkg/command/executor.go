package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// ErrWrongTarget is returned for a command addressed to another node
var ErrWrongTarget = errors.New("command addressed to another node")

// Reporter carries lifecycle updates back toward the controller. The agent
// decides whether that is the direct link, a relay, or the buffer.
type Reporter interface {
	Acknowledge(ctx context.Context, cmd api.Command) error
	Report(ctx context.Context, rep api.CommandReport) error
}

// Executor runs each command at most once per node and reports its outcome.
// Handler failures and panics are recorded as failed, never propagated.
type Executor struct {
	nodeID   string
	registry *Registry
	ledger   Ledger
	reporter Reporter
	timeout  time.Duration
	logger   *zap.Logger

	// claimed backs up the ledger when it cannot be written
	mu      sync.Mutex
	claimed map[string]struct{}

	now func() time.Time
}

// NewExecutor creates an executor. A nil ledger uses a MemoryLedger.
func NewExecutor(nodeID string, registry *Registry, ledger Ledger, reporter Reporter, timeout time.Duration, logger *zap.Logger) *Executor {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		nodeID:   nodeID,
		registry: registry,
		ledger:   ledger,
		reporter: reporter,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "executor")),
		claimed:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Ledger returns the executed-command ledger
func (e *Executor) Ledger() Ledger {
	return e.ledger
}

// Execute claims, runs and reports cmd. It returns false without running the
// handler when the command was already claimed.
func (e *Executor) Execute(ctx context.Context, cmd api.Command) (api.CommandReport, bool, error) {
	if cmd.ID == "" {
		return api.CommandReport{}, false, fmt.Errorf("command without id")
	}
	if cmd.TargetNodeID != "" && cmd.TargetNodeID != e.nodeID {
		return api.CommandReport{}, false, fmt.Errorf("%w: %s", ErrWrongTarget, cmd.TargetNodeID)
	}

	ctx = observability.WithCommandID(ctx, cmd.ID)
	logger := observability.ContextLogger(ctx, e.logger).With(zap.String("command_type", string(cmd.Type)))

	// a command that cannot be acknowledged is never claimed, so a later
	// delivery in a valid status still runs
	if !CanTransition(cmd.Status, api.CommandAcknowledged) {
		logger.Warn("Command arrived in a status that cannot be acknowledged", zap.String("status", string(cmd.Status)))
		return api.CommandReport{}, false, fmt.Errorf("%w: %s -> %s (command %s)",
			ErrIllegalTransition, statusOrPending(cmd.Status), api.CommandAcknowledged, cmd.ID)
	}

	if !e.claim(ctx, cmd, logger) {
		observability.CommandsTotal.WithLabelValues(string(cmd.Type), "duplicate").Inc()
		logger.Info("Skipping duplicate command")
		return api.CommandReport{}, false, nil
	}

	if err := Advance(&cmd, api.CommandAcknowledged, e.now()); err != nil {
		return api.CommandReport{}, false, err
	}
	if e.reporter != nil {
		if err := e.reporter.Acknowledge(ctx, cmd); err != nil {
			logger.Debug("Acknowledgement not delivered", zap.Error(err))
		}
	}

	if err := Advance(&cmd, api.CommandExecuting, e.now()); err != nil {
		return api.CommandReport{}, false, err
	}
	logger.Info("Executing command")

	start := e.now()
	result, runErr := e.run(ctx, cmd)
	observability.CommandDurationSeconds.WithLabelValues(string(cmd.Type)).Observe(e.now().Sub(start).Seconds())

	final := api.CommandCompleted
	if runErr != nil {
		final = api.CommandFailed
	}
	if err := Advance(&cmd, final, e.now()); err != nil {
		return api.CommandReport{}, false, err
	}

	rep := api.CommandReport{
		CommandID:  cmd.ID,
		NodeID:     e.nodeID,
		Status:     cmd.Status,
		Result:     result,
		ReportedAt: *cmd.CompletedAt,
	}
	if runErr != nil {
		rep.Error = runErr.Error()
		logger.Warn("Command failed", zap.Error(runErr))
	} else {
		logger.Info("Command completed")
	}
	observability.CommandsTotal.WithLabelValues(string(cmd.Type), string(rep.Status)).Inc()

	if err := e.ledger.Complete(ctx, rep); err != nil {
		logger.Warn("Failed to record command result", zap.Error(err))
	}
	if e.reporter != nil {
		if err := e.reporter.Report(ctx, rep); err != nil {
			logger.Warn("Command report not delivered", zap.Error(err))
		}
	}
	return rep, true, nil
}

func (e *Executor) claim(ctx context.Context, cmd api.Command, logger *zap.Logger) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.claimed[cmd.ID]; dup {
		return false
	}
	fresh, err := e.ledger.Claim(ctx, cmd)
	if err != nil {
		logger.Warn("Ledger unavailable, deduplicating in memory only", zap.Error(err))
		fresh = true
	}
	if !fresh {
		return false
	}
	e.claimed[cmd.ID] = struct{}{}
	return true
}

// run invokes the handler under a deadline and converts panics into errors
func (e *Executor) run(ctx context.Context, cmd api.Command) (result map[string]any, err error) {
	ctx, span := observability.StartSpan(ctx, "command."+string(cmd.Type),
		attribute.String("command.id", cmd.ID),
		attribute.String("command.type", string(cmd.Type)),
	)
	defer func() { observability.EndSpan(span, err) }()

	h, err := e.registry.Lookup(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Command handler panicked",
				zap.String("command_id", cmd.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	result, err = h(ctx, cmd)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("handler exceeded %s: %w", e.timeout, ctx.Err())
	}
	return result, err
}
