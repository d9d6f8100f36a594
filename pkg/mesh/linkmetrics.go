package mesh

import (
	"sort"
	"sync"
	"time"
)

// Circuit breaker thresholds for a single link
const (
	breakerReliability = 0.2
	breakerFailures    = 3
)

// LinkStats is the smoothed view of one direct peer link
type LinkStats struct {
	PeerID              string
	RTT                 time.Duration
	Reliability         float64
	RTTSamples          int
	OutcomeSamples      int
	ConsecutiveFailures int
	LastSample          time.Time
}

// Tripped reports whether the link should be skipped for relaying
func (l LinkStats) Tripped() bool {
	return l.Reliability < breakerReliability && l.ConsecutiveFailures >= breakerFailures
}

// MetricsTracker keeps EWMA estimates of RTT and delivery reliability per
// peer link. Links start with reliability 1 and no RTT.
type MetricsTracker struct {
	mu                sync.RWMutex
	links             map[string]*LinkStats
	rttWeight         float64
	reliabilityWeight float64
	now               func() time.Time
}

// NewMetricsTracker creates a tracker with the given EWMA weights
func NewMetricsTracker(rttWeight, reliabilityWeight float64) *MetricsTracker {
	return &MetricsTracker{
		links:             make(map[string]*LinkStats),
		rttWeight:         rttWeight,
		reliabilityWeight: reliabilityWeight,
		now:               time.Now,
	}
}

func (m *MetricsTracker) link(peerID string) *LinkStats {
	l, ok := m.links[peerID]
	if !ok {
		l = &LinkStats{PeerID: peerID, Reliability: 1}
		m.links[peerID] = l
	}
	return l
}

// ObserveRTT folds a round-trip sample into the link estimate. The first
// sample seeds the average.
func (m *MetricsTracker) ObserveRTT(peerID string, sample time.Duration) {
	if sample < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.link(peerID)
	if l.RTTSamples == 0 {
		l.RTT = sample
	} else {
		l.RTT = time.Duration((1-m.rttWeight)*float64(l.RTT) + m.rttWeight*float64(sample))
	}
	l.RTTSamples++
	l.LastSample = m.now()
}

// ObserveOutcome records one delivery attempt through the peer
func (m *MetricsTracker) ObserveOutcome(peerID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.link(peerID)
	sample := 0.0
	if ok {
		sample = 1.0
		l.ConsecutiveFailures = 0
	} else {
		l.ConsecutiveFailures++
	}
	l.Reliability = (1-m.reliabilityWeight)*l.Reliability + m.reliabilityWeight*sample
	l.OutcomeSamples++
	l.LastSample = m.now()
}

// Get returns the stats for a link. Unknown links report the initial
// estimate (reliability 1, zero RTT) with ok=false.
func (m *MetricsTracker) Get(peerID string) (LinkStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.links[peerID]; ok {
		return *l, true
	}
	return LinkStats{PeerID: peerID, Reliability: 1}, false
}

// Forget drops all state for a link
func (m *MetricsTracker) Forget(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, peerID)
}

// Snapshot returns all links ordered by peer id
func (m *MetricsTracker) Snapshot() []LinkStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LinkStats, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
