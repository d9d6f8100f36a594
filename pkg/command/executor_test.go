package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/config"
)

type recordingReporter struct {
	mu      sync.Mutex
	acks    []string
	reports []api.CommandReport
}

func (r *recordingReporter) Acknowledge(_ context.Context, cmd api.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, cmd.ID)
	return nil
}

func (r *recordingReporter) Report(_ context.Context, rep api.CommandReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingReporter) Reports() []api.CommandReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.CommandReport(nil), r.reports...)
}

func newTestExecutor(t *testing.T, reg *Registry, ledger Ledger) (*Executor, *recordingReporter) {
	t.Helper()
	rep := &recordingReporter{}
	return NewExecutor("n1", reg, ledger, rep, time.Second, zap.NewNop()), rep
}

func TestExecutor_DuplicateRunsOnce(t *testing.T) {
	var runs int32
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		atomic.AddInt32(&runs, 1)
		return map[string]any{"pong": true}, nil
	})
	exec, reporter := newTestExecutor(t, reg, nil)

	cmd := api.Command{ID: "c1", TargetNodeID: "n1", Type: api.CommandPing, Status: api.CommandSent}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Execute(context.Background(), cmd)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	reports := reporter.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, api.CommandCompleted, reports[0].Status)
	assert.Equal(t, "n1", reports[0].NodeID)
}

func TestExecutor_UnacknowledgeableStatusLeavesCommandUnclaimed(t *testing.T) {
	var runs int32
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	})
	exec, reporter := newTestExecutor(t, reg, nil)

	for _, status := range []api.CommandStatus{api.CommandExecuting, api.CommandCompleted} {
		_, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", TargetNodeID: "n1", Type: api.CommandPing, Status: status})
		require.ErrorIs(t, err, ErrIllegalTransition, string(status))
		assert.False(t, ran)
	}
	assert.Zero(t, atomic.LoadInt32(&runs))
	assert.Empty(t, reporter.Reports())

	rep, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", TargetNodeID: "n1", Type: api.CommandPing, Status: api.CommandSent})
	require.NoError(t, err)
	assert.True(t, ran, "a redelivery in a valid status still runs")
	assert.Equal(t, api.CommandCompleted, rep.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestExecutor_HandlerErrorRecordedAsFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		return nil, errors.New("radio busy")
	})
	exec, reporter := newTestExecutor(t, reg, nil)

	rep, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, api.CommandFailed, rep.Status)
	assert.Equal(t, "radio busy", rep.Error)
	assert.Len(t, reporter.Reports(), 1)
}

func TestExecutor_PanicRecordedAsFailed(t *testing.T) {
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		panic("nil map")
	})
	exec, _ := newTestExecutor(t, reg, nil)

	rep, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, api.CommandFailed, rep.Status)
	assert.Contains(t, rep.Error, "nil map")

	// The executor keeps working after a panic
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		return nil, nil
	})
	rep, _, err = exec.Execute(context.Background(), api.Command{ID: "c2", Type: api.CommandPing})
	require.NoError(t, err)
	assert.Equal(t, api.CommandCompleted, rep.Status)
}

func TestExecutor_UnknownTypeFails(t *testing.T) {
	exec, _ := newTestExecutor(t, NewRegistry(), nil)

	rep, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", Type: "self_destruct"})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, api.CommandFailed, rep.Status)
	assert.Contains(t, rep.Error, "unknown command")
}

func TestExecutor_CustomCapabilityDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.HandleCustom("camera_snapshot", func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		return map[string]any{"frames": cmd.Payload["frames"]}, nil
	})
	exec, _ := newTestExecutor(t, reg, nil)

	rep, _, err := exec.Execute(context.Background(), api.Command{
		ID:      "c1",
		Type:    api.CommandCustom,
		Payload: map[string]any{"action": "camera_snapshot", "frames": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, api.CommandCompleted, rep.Status)
	assert.Equal(t, 3, rep.Result["frames"])

	rep, _, err = exec.Execute(context.Background(), api.Command{
		ID:      "c2",
		Type:    api.CommandCustom,
		Payload: map[string]any{"action": "unknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, api.CommandFailed, rep.Status)

	assert.Equal(t, []string{"camera_snapshot"}, reg.Capabilities())
}

func TestExecutor_HandlerDeadline(t *testing.T) {
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		<-ctx.Done()
		return nil, nil
	})
	exec := NewExecutor("n1", reg, nil, nil, 20*time.Millisecond, zap.NewNop())

	rep, _, err := exec.Execute(context.Background(), api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.Equal(t, api.CommandFailed, rep.Status)
	assert.Contains(t, rep.Error, "exceeded")
}

func TestExecutor_WrongTarget(t *testing.T) {
	exec, reporter := newTestExecutor(t, NewRegistry(), nil)

	_, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", TargetNodeID: "n2", Type: api.CommandPing})
	assert.ErrorIs(t, err, ErrWrongTarget)
	assert.False(t, ran)
	assert.Empty(t, reporter.Reports())
}

func TestExecutor_PersistentLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.db")

	var runs int32
	reg := NewRegistry()
	reg.Handle(api.CommandPing, func(ctx context.Context, cmd api.Command) (map[string]any, error) {
		atomic.AddInt32(&runs, 1)
		return nil, nil
	})

	ledger, err := OpenSQLiteLedger(context.Background(), path)
	require.NoError(t, err)
	exec, _ := newTestExecutor(t, reg, ledger)
	_, ran, err := exec.Execute(context.Background(), api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.True(t, ran)
	require.NoError(t, ledger.Close())

	ledger, err = OpenSQLiteLedger(context.Background(), path)
	require.NoError(t, err)
	defer ledger.Close()
	exec, _ = newTestExecutor(t, reg, ledger)
	_, ran, err = exec.Execute(context.Background(), api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	entries, err := ledger.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, api.CommandCompleted, entries[0].Status)
	assert.NotNil(t, entries[0].CompletedAt)
}

func TestLedger_Prune(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) Ledger{
		"memory": func(t *testing.T) Ledger { return NewMemoryLedger() },
		"sqlite": func(t *testing.T) Ledger {
			l, err := OpenSQLiteLedger(context.Background(), filepath.Join(t.TempDir(), "l.db"))
			require.NoError(t, err)
			return l
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := open(t)
			defer l.Close()

			fresh, err := l.Claim(ctx, api.Command{ID: "done", Type: api.CommandPing})
			require.NoError(t, err)
			require.True(t, fresh)
			require.NoError(t, l.Complete(ctx, api.CommandReport{CommandID: "done", Status: api.CommandCompleted, ReportedAt: time.Now()}))

			_, err = l.Claim(ctx, api.Command{ID: "running", Type: api.CommandPing})
			require.NoError(t, err)

			n, err := l.Prune(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			entries, err := l.Recent(ctx, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "running", entries[0].CommandID)
		})
	}
}

func TestBuiltins_ConfigHandlers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, config.WriteDefault(path, "n1", "http://10.0.0.1:8000", false))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	store := config.NewStore(path, cfg)

	reg := NewRegistry()
	RegisterBuiltins(reg, "n1", store)
	exec, _ := newTestExecutor(t, reg, nil)
	ctx := context.Background()

	rep, _, err := exec.Execute(ctx, api.Command{ID: "c1", Type: api.CommandPing})
	require.NoError(t, err)
	assert.Equal(t, true, rep.Result["pong"])

	rep, _, err = exec.Execute(ctx, api.Command{
		ID:      "c2",
		Type:    api.CommandUpdateConfig,
		Payload: map[string]any{"mesh.max_hops": 7},
	})
	require.NoError(t, err)
	require.Equal(t, api.CommandCompleted, rep.Status, rep.Error)
	assert.Equal(t, 7, store.Get().Mesh.MaxHops)

	rep, _, err = exec.Execute(ctx, api.Command{
		ID:      "c3",
		Type:    api.CommandChangeRole,
		Payload: map[string]any{"node_type": "relay"},
	})
	require.NoError(t, err)
	require.Equal(t, api.CommandCompleted, rep.Status, rep.Error)
	assert.Equal(t, "relay", store.Get().NodeType)

	rep, _, err = exec.Execute(ctx, api.Command{
		ID:      "c4",
		Type:    api.CommandUpdateConfig,
		Payload: map[string]any{"node_id": "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, api.CommandFailed, rep.Status)

	// reload picks up the file again, discarding in-memory merges
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	rep, _, err = exec.Execute(ctx, api.Command{ID: "c5", Type: api.CommandReloadConfig})
	require.NoError(t, err)
	require.Equal(t, api.CommandCompleted, rep.Status, rep.Error)
	assert.Equal(t, config.DefaultMaxHops, store.Get().Mesh.MaxHops)
}
