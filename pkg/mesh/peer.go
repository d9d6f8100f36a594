package mesh

import (
	"sort"
	"sync"
	"time"
)

// PeerState is the liveness record of one direct neighbour
type PeerState struct {
	NodeID   string        `json:"node_id"`
	Address  string        `json:"address"`
	Status   PeerStatus    `json:"status"`
	LastSeen time.Time     `json:"last_seen"`
	Window   time.Duration `json:"window"`
	Missed   int           `json:"missed"`
	Static   bool          `json:"static"`
}

// PeerTransition is a liveness status change produced by Observe or Sweep
type PeerTransition struct {
	NodeID string
	From   PeerStatus
	To     PeerStatus
}

// PeerManager tracks neighbour liveness. A peer missing one liveness window
// is DEGRADED; missing `misses` consecutive windows makes it UNREACHABLE.
// Any valid receipt makes it REACHABLE again.
type PeerManager struct {
	mu            sync.RWMutex
	self          string
	peers         map[string]*PeerState
	staticAddrs   []string
	misses        int
	defaultWindow time.Duration
	now           func() time.Time
}

// NewPeerManager creates a peer manager seeded with static neighbours
func NewPeerManager(self string, static []StaticPeer, misses int, window time.Duration) *PeerManager {
	pm := &PeerManager{
		self:          self,
		peers:         make(map[string]*PeerState),
		misses:        misses,
		defaultWindow: window,
		now:           time.Now,
	}
	for _, sp := range static {
		pm.staticAddrs = append(pm.staticAddrs, sp.Address)
		if sp.NodeID != "" && sp.NodeID != self {
			pm.peers[sp.NodeID] = &PeerState{
				NodeID:  sp.NodeID,
				Address: sp.Address,
				Status:  PeerUnreachable,
				Window:  window,
				Static:  true,
			}
		}
	}
	return pm
}

// Observe records a valid message from nodeID at addr. window is the
// sender's advertised liveness window (zero keeps the previous value).
func (pm *PeerManager) Observe(nodeID, addr string, window time.Duration) (PeerTransition, bool) {
	if nodeID == "" || nodeID == pm.self {
		return PeerTransition{}, false
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.peers[nodeID]
	if !ok {
		p = &PeerState{NodeID: nodeID, Status: PeerUnreachable, Window: pm.defaultWindow}
		pm.peers[nodeID] = p
	}
	if addr != "" {
		p.Address = addr
	}
	if window > 0 {
		p.Window = window
	}
	p.LastSeen = pm.now()
	p.Missed = 0

	from := p.Status
	p.Status = PeerReachable
	return PeerTransition{NodeID: nodeID, From: from, To: PeerReachable}, from != PeerReachable
}

// Sweep recomputes missed windows for every peer and returns the status
// changes.
func (pm *PeerManager) Sweep() []PeerTransition {
	now := pm.now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	var changes []PeerTransition
	for _, p := range pm.peers {
		if p.LastSeen.IsZero() {
			continue
		}
		window := p.Window
		if window <= 0 {
			window = pm.defaultWindow
		}
		p.Missed = int(now.Sub(p.LastSeen) / window)

		next := PeerReachable
		switch {
		case p.Missed >= pm.misses:
			next = PeerUnreachable
		case p.Missed >= 1:
			next = PeerDegraded
		}
		if next != p.Status {
			changes = append(changes, PeerTransition{NodeID: p.NodeID, From: p.Status, To: next})
			p.Status = next
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].NodeID < changes[j].NodeID })
	return changes
}

// Get returns a copy of a peer's state
func (pm *PeerManager) Get(nodeID string) (PeerState, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if p, ok := pm.peers[nodeID]; ok {
		return *p, true
	}
	return PeerState{}, false
}

// Address returns the last known transport address of a peer
func (pm *PeerManager) Address(nodeID string) (string, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if p, ok := pm.peers[nodeID]; ok && p.Address != "" {
		return p.Address, true
	}
	return "", false
}

// Live returns peers that are not UNREACHABLE
func (pm *PeerManager) Live() []PeerState {
	all := pm.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Status != PeerUnreachable {
			out = append(out, p)
		}
	}
	return out
}

// HelloTargets returns every address a HELLO should be sent to: known
// peers plus statically configured addresses, without duplicates.
func (pm *PeerManager) HelloTargets() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, a := range pm.staticAddrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, p := range pm.peers {
		if p.Address != "" && !seen[p.Address] {
			seen[p.Address] = true
			out = append(out, p.Address)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns all peers ordered by id
func (pm *PeerManager) Snapshot() []PeerState {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]PeerState, 0, len(pm.peers))
	for _, p := range pm.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Counts returns the number of peers per status
func (pm *PeerManager) Counts() map[PeerStatus]int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	counts := map[PeerStatus]int{PeerReachable: 0, PeerDegraded: 0, PeerUnreachable: 0}
	for _, p := range pm.peers {
		counts[p.Status]++
	}
	return counts
}
