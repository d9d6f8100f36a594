package mesh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector_NextHop(t *testing.T) {
	clock := newClock()
	table := newTestTable(clock)
	peers := newTestPeers(clock)
	links := NewMetricsTracker(0.125, 0.2)
	sel := NewSelector(table, peers, links)

	_, err := sel.NextHop("dst")
	assert.True(t, errors.Is(err, ErrNoRoute))

	peers.Observe("b", "10.0.0.2:7777", 0)
	_, _ = table.Consider("b", Advertisement{Destination: "dst", HopCount: 1, Reliability: 1}, perfectLink)

	route, err := sel.NextHop("dst")
	require.NoError(t, err)
	assert.Equal(t, "b", route.NextHop)
	assert.True(t, sel.Reachable("dst"))

	_, err = sel.NextHop("dst", "a", "b")
	assert.ErrorIs(t, err, ErrNoRoute, "next hop already on the path")

	for i := 0; i < 8; i++ {
		links.ObserveOutcome("b", false)
	}
	_, err = sel.NextHop("dst")
	assert.ErrorIs(t, err, ErrNoRoute, "tripped link")
	links.ObserveOutcome("b", true)
	assert.True(t, sel.Reachable("dst"))

	clock.Advance(35 * time.Second)
	peers.Sweep()
	_, err = sel.NextHop("dst")
	assert.ErrorIs(t, err, ErrNoRoute, "unreachable next hop")
}

func TestSelector_Deterministic(t *testing.T) {
	clock := newClock()
	table := newTestTable(clock)
	peers := newTestPeers(clock)
	for _, id := range []string{"b", "c", "d"} {
		peers.Observe(id, id+":7777", 0)
	}
	sel := NewSelector(table, peers, NewMetricsTracker(0.125, 0.2))

	// identical candidates arriving in any order keep the first installed
	_, _ = table.Consider("c", Advertisement{Destination: "dst", HopCount: 1, RTT: 10 * time.Millisecond, Reliability: 0.9}, perfectLink)
	_, _ = table.Consider("b", Advertisement{Destination: "dst", HopCount: 1, RTT: 10 * time.Millisecond, Reliability: 0.9}, perfectLink)
	_, _ = table.Consider("d", Advertisement{Destination: "dst", HopCount: 1, RTT: 10 * time.Millisecond, Reliability: 0.9}, perfectLink)

	for i := 0; i < 10; i++ {
		route, err := sel.NextHop("dst")
		require.NoError(t, err)
		assert.Equal(t, "c", route.NextHop)
	}
}
