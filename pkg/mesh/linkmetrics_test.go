package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsTracker_EWMA(t *testing.T) {
	m := NewMetricsTracker(0.125, 0.2)

	l, ok := m.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1.0, l.Reliability)

	m.ObserveRTT("b", 80*time.Millisecond)
	l, _ = m.Get("b")
	assert.Equal(t, 80*time.Millisecond, l.RTT, "first sample seeds the average")

	m.ObserveRTT("b", 160*time.Millisecond)
	l, _ = m.Get("b")
	assert.Equal(t, 90*time.Millisecond, l.RTT)
	assert.Equal(t, 2, l.RTTSamples)

	m.ObserveRTT("b", -time.Second)
	l, _ = m.Get("b")
	assert.Equal(t, 2, l.RTTSamples, "negative samples are ignored")

	m.ObserveOutcome("b", false)
	l, _ = m.Get("b")
	assert.InDelta(t, 0.8, l.Reliability, 1e-9)
	assert.Equal(t, 1, l.ConsecutiveFailures)

	m.ObserveOutcome("b", true)
	l, _ = m.Get("b")
	assert.InDelta(t, 0.84, l.Reliability, 1e-9)
	assert.Zero(t, l.ConsecutiveFailures)
}

func TestMetricsTracker_Breaker(t *testing.T) {
	m := NewMetricsTracker(0.125, 0.2)

	for i := 0; i < 7; i++ {
		m.ObserveOutcome("b", false)
	}
	l, _ := m.Get("b")
	// 0.8^7 ~ 0.21
	assert.False(t, l.Tripped(), "reliability still above the threshold")

	m.ObserveOutcome("b", false)
	l, _ = m.Get("b")
	assert.Less(t, l.Reliability, 0.2)
	assert.True(t, l.Tripped())

	m.ObserveOutcome("b", true)
	l, _ = m.Get("b")
	assert.False(t, l.Tripped(), "a success closes the breaker")

	assert.False(t, LinkStats{Reliability: 0.1, ConsecutiveFailures: 2}.Tripped())

	m.Forget("b")
	assert.Empty(t, m.Snapshot())
}
