package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateMachine_StartsDisconnected(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	assert.Equal(t, StateDisconnected, sm.State())
	assert.False(t, sm.Fatal())
}

func TestStateMachine_Transitions(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	var seen []Transition
	sm.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	// nothing to degrade from, and delivery alone does not register
	sm.Undelivered("tick failed")
	sm.Delivered("relayed")
	assert.Equal(t, StateDisconnected, sm.State())

	sm.Registered("registered")
	assert.Equal(t, StateRegistered, sm.State())

	sm.Undelivered("tick failed")
	assert.Equal(t, StateDegraded, sm.State())
	sm.Undelivered("tick failed again")
	assert.Equal(t, StateDegraded, sm.State())

	sm.Delivered("relayed")
	assert.Equal(t, StateRegistered, sm.State())

	require.Len(t, seen, 3)
	assert.Equal(t, StateDisconnected, seen[0].From)
	assert.Equal(t, StateRegistered, seen[0].To)
	assert.Equal(t, StateDegraded, seen[1].To)
	assert.Equal(t, "relayed", seen[2].Reason)
}

func TestStateMachine_RejectedLatches(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	sm.Registered("registered")
	sm.Rejected("401")

	assert.Equal(t, StateDisconnected, sm.State())
	assert.True(t, sm.Fatal())

	sm.Delivered("late success")
	sm.Undelivered("late failure")
	assert.Equal(t, StateDisconnected, sm.State())
	assert.True(t, sm.Fatal())

	assert.True(t, sm.ClearFatal())
	assert.False(t, sm.ClearFatal())
	assert.False(t, sm.Fatal())
	assert.Equal(t, StateDisconnected, sm.State())

	sm.Registered("new credentials")
	assert.Equal(t, StateRegistered, sm.State())
}

func TestStateMachine_SinceAdvancesOnChange(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	start := sm.Since()
	sm.Delivered("no change")
	assert.Equal(t, start, sm.Since())

	sm.Registered("registered")
	assert.False(t, sm.Since().Before(start))
}

func TestStateMachine_ObserverAddedDuringTransition(t *testing.T) {
	sm := NewStateMachine(zap.NewNop())
	var late []Transition
	sm.OnTransition(func(Transition) {
		sm.OnTransition(func(tr Transition) { late = append(late, tr) })
	})

	sm.Registered("registered")
	assert.Empty(t, late, "an observer registered mid-publish waits for the next transition")

	sm.Undelivered("tick failed")
	require.Len(t, late, 1)
	assert.Equal(t, StateDegraded, late[0].To)
}
