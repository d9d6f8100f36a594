package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

var allStatuses = []api.CommandStatus{
	api.CommandPending,
	api.CommandSent,
	api.CommandAcknowledged,
	api.CommandExecuting,
	api.CommandCompleted,
	api.CommandFailed,
	api.CommandTimeout,
}

func rank(s api.CommandStatus) int {
	switch s {
	case api.CommandPending:
		return 0
	case api.CommandSent:
		return 1
	case api.CommandAcknowledged:
		return 2
	case api.CommandExecuting:
		return 3
	default:
		return 4
	}
}

func TestCanTransition_NeverBackward(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				assert.Greater(t, rank(to), rank(from), "%s -> %s must move forward", from, to)
			}
		}
	}
}

func TestCanTransition_TerminalIsFinal(t *testing.T) {
	for _, from := range allStatuses {
		if !from.Terminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAdvance_HappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := api.Command{ID: "c1", Status: api.CommandPending}

	for _, to := range []api.CommandStatus{
		api.CommandSent,
		api.CommandAcknowledged,
		api.CommandExecuting,
		api.CommandCompleted,
	} {
		require.NoError(t, Advance(&cmd, to, now))
		assert.Equal(t, to, cmd.Status)
	}

	require.NotNil(t, cmd.SentAt)
	require.NotNil(t, cmd.AcknowledgedAt)
	require.NotNil(t, cmd.CompletedAt)
	assert.Equal(t, now, *cmd.CompletedAt)
}

func TestAdvance_RejectsBackward(t *testing.T) {
	cmd := api.Command{ID: "c1", Status: api.CommandCompleted}

	err := Advance(&cmd, api.CommandSent, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, api.CommandCompleted, cmd.Status)
}

func TestAdvance_EmptyStatusIsPending(t *testing.T) {
	cmd := api.Command{ID: "c1"}
	require.NoError(t, Advance(&cmd, api.CommandAcknowledged, time.Now()))

	err := Advance(&cmd, api.CommandCompleted, time.Now())
	assert.ErrorIs(t, err, ErrIllegalTransition, "completion requires executing first")
}

func TestAdvance_TimeoutFromAnyActiveStatus(t *testing.T) {
	for _, from := range []api.CommandStatus{api.CommandPending, api.CommandSent, api.CommandAcknowledged, api.CommandExecuting} {
		cmd := api.Command{ID: "c1", Status: from}
		assert.NoError(t, Advance(&cmd, api.CommandTimeout, time.Now()), "from %s", from)
	}
}
