package mesh

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RouteEntry is the best known path to one destination. Origin is the node
// that originated the destination: the destination itself for node ids, or
// the directly linked node for the controller.
type RouteEntry struct {
	Destination string        `json:"destination"`
	Origin      string        `json:"origin"`
	NextHop     string        `json:"next_hop"`
	HopCount    int           `json:"hop_count"`
	RTT         time.Duration `json:"rtt"`
	Reliability float64       `json:"reliability"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Advertisement is one (destination, hop count, RTT, reliability) tuple as
// carried in a ROUTE_ADVERT. An empty Origin means the destination
// originates itself.
type Advertisement struct {
	Destination string
	Origin      string
	HopCount    int
	RTT         time.Duration
	Reliability float64
}

// RouteChange describes what Consider did with an advertisement
type RouteChange int

const (
	RouteIgnored RouteChange = iota
	RouteInstalled
	RouteReplaced
	RouteRefreshed
	RouteDiscardedSelf
	RouteDiscardedCeiling
	RouteDiscardedMalformed
	RouteUnfeasible
	RouteWithdrawn
)

func (c RouteChange) String() string {
	switch c {
	case RouteInstalled:
		return "installed"
	case RouteReplaced:
		return "replaced"
	case RouteRefreshed:
		return "refreshed"
	case RouteDiscardedSelf:
		return "self"
	case RouteDiscardedCeiling:
		return "ceiling"
	case RouteDiscardedMalformed:
		return "malformed"
	case RouteUnfeasible:
		return "unfeasible"
	case RouteWithdrawn:
		return "withdrawn"
	default:
		return "ignored"
	}
}

// Better reports whether a beats b: lower hop count, then lower RTT, then
// higher reliability. Equal paths are not better, so the incumbent stays.
func Better(a, b RouteEntry) bool {
	if a.HopCount != b.HopCount {
		return a.HopCount < b.HopCount
	}
	if a.RTT != b.RTT {
		return a.RTT < b.RTT
	}
	return a.Reliability > b.Reliability
}

// source identifies one originator's announcement of a destination
type source struct {
	dest   string
	origin string
}

// feasibility is the smallest hop count this node has held for a source.
// It is kept for holdDown after the route is lost.
type feasibility struct {
	dist   int
	lostAt time.Time
}

// RouteTable maps destinations to their best next hop. Routes originated by
// this node (itself, and the controller while directly linked) are kept
// apart from learned entries and advertised with hop count 0.
//
// A neighbour's report is only accepted when its hop count is strictly below
// the feasibility distance for that source, so following next-hop pointers
// can never close a cycle. Losing a route keeps the distance for holdDown,
// long enough for every derived route downstream to be withdrawn.
type RouteTable struct {
	mu         sync.RWMutex
	self       string
	maxHops    int
	staleAfter time.Duration
	ttl        time.Duration
	holdDown   time.Duration
	routes     map[string]*RouteEntry
	local      map[string]Advertisement
	fd         map[source]*feasibility
	now        func() time.Time
}

// NewRouteTable creates an empty table for node self
func NewRouteTable(self string, maxHops int, staleAfter, ttl, holdDown time.Duration) *RouteTable {
	return &RouteTable{
		self:       self,
		maxHops:    maxHops,
		staleAfter: staleAfter,
		ttl:        ttl,
		holdDown:   holdDown,
		routes:     make(map[string]*RouteEntry),
		local: map[string]Advertisement{
			self: {Destination: self, Origin: self, HopCount: 0, Reliability: 1},
		},
		fd:  make(map[source]*feasibility),
		now: time.Now,
	}
}

// Consider applies one advertised route heard from neighbour from over a
// link with the given stats.
func (t *RouteTable) Consider(from string, adv Advertisement, link LinkStats) (RouteChange, RouteEntry) {
	if adv.Destination == "" || adv.HopCount < 0 || adv.RTT < 0 ||
		math.IsNaN(adv.Reliability) || adv.Reliability < 0 || adv.Reliability > 1 {
		return RouteDiscardedMalformed, RouteEntry{}
	}
	origin := adv.Origin
	if origin == "" {
		origin = adv.Destination
	}
	if from == t.self || adv.Destination == t.self || origin == t.self {
		return RouteDiscardedSelf, RouteEntry{}
	}

	now := t.now()
	hops := adv.HopCount + 1

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.routes[adv.Destination]
	current := ok && existing.NextHop == from

	if hops > t.maxHops {
		if current {
			// the next hop's own path grew past the ceiling
			old := *existing
			t.dropLocked(adv.Destination, now)
			return RouteWithdrawn, old
		}
		return RouteDiscardedCeiling, RouteEntry{}
	}

	src := source{dest: adv.Destination, origin: origin}
	candidate := RouteEntry{
		Destination: adv.Destination,
		Origin:      origin,
		NextHop:     from,
		HopCount:    hops,
		RTT:         adv.RTT + link.RTT,
		Reliability: adv.Reliability * link.Reliability,
		UpdatedAt:   now,
	}
	feasible := t.feasibleLocked(src, adv.HopCount, now)

	if !ok {
		if !feasible {
			return RouteUnfeasible, RouteEntry{}
		}
		t.installLocked(candidate, now)
		return RouteInstalled, candidate
	}

	if current {
		if !feasible {
			old := *existing
			t.dropLocked(adv.Destination, now)
			return RouteWithdrawn, old
		}
		change := RouteReplaced
		if hops == existing.HopCount && origin == existing.Origin {
			change = RouteRefreshed
		}
		t.installLocked(candidate, now)
		return change, candidate
	}

	if !feasible {
		return RouteUnfeasible, *existing
	}
	stale := now.Sub(existing.UpdatedAt) >= t.staleAfter
	if Better(candidate, *existing) || stale {
		t.installLocked(candidate, now)
		return RouteReplaced, candidate
	}
	return RouteIgnored, *existing
}

// Withdraw treats advertised as the complete table neighbour from just sent
// and drops every route through from that it no longer carries.
func (t *RouteTable) Withdraw(from string, advertised []Advertisement) []RouteEntry {
	carried := make(map[source]bool, len(advertised))
	for _, a := range advertised {
		origin := a.Origin
		if origin == "" {
			origin = a.Destination
		}
		carried[source{dest: a.Destination, origin: origin}] = true
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []RouteEntry
	for dest, e := range t.routes {
		if e.NextHop != from || carried[source{dest: dest, origin: e.Origin}] {
			continue
		}
		removed = append(removed, *e)
		t.dropLocked(dest, now)
	}
	sortEntries(removed)
	return removed
}

func (t *RouteTable) feasibleLocked(src source, advertised int, now time.Time) bool {
	f, ok := t.fd[src]
	if !ok {
		return true
	}
	if !f.lostAt.IsZero() && now.Sub(f.lostAt) >= t.holdDown {
		delete(t.fd, src)
		return true
	}
	return advertised < f.dist
}

// installLocked selects e for its destination, releasing the source it
// replaces.
func (t *RouteTable) installLocked(e RouteEntry, now time.Time) {
	if old, ok := t.routes[e.Destination]; ok && old.Origin != e.Origin {
		t.loseLocked(source{dest: old.Destination, origin: old.Origin}, now)
	}
	src := source{dest: e.Destination, origin: e.Origin}
	f, ok := t.fd[src]
	if !ok {
		f = &feasibility{dist: e.HopCount}
		t.fd[src] = f
	}
	if e.HopCount < f.dist {
		f.dist = e.HopCount
	}
	f.lostAt = time.Time{}

	entry := e
	t.routes[e.Destination] = &entry
}

func (t *RouteTable) dropLocked(dest string, now time.Time) {
	e, ok := t.routes[dest]
	if !ok {
		return
	}
	t.loseLocked(source{dest: dest, origin: e.Origin}, now)
	delete(t.routes, dest)
}

func (t *RouteTable) loseLocked(src source, now time.Time) {
	if f, ok := t.fd[src]; ok && f.lostAt.IsZero() {
		f.lostAt = now
	}
}

// Lookup returns the learned route to dest
func (t *RouteTable) Lookup(dest string) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.routes[dest]; ok {
		return *e, true
	}
	return RouteEntry{}, false
}

// RemoveVia drops every route whose next hop is peerID
func (t *RouteTable) RemoveVia(peerID string) []RouteEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var removed []RouteEntry
	for dest, e := range t.routes {
		if e.NextHop == peerID {
			removed = append(removed, *e)
			t.dropLocked(dest, now)
		}
	}
	sortEntries(removed)
	return removed
}

// Evict removes entries not refreshed within the TTL
func (t *RouteTable) Evict() []RouteEntry {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []RouteEntry
	for dest, e := range t.routes {
		if now.Sub(e.UpdatedAt) > t.ttl {
			evicted = append(evicted, *e)
			t.dropLocked(dest, now)
		}
	}
	for src, f := range t.fd {
		if !f.lostAt.IsZero() && now.Sub(f.lostAt) >= t.holdDown {
			delete(t.fd, src)
		}
	}
	sortEntries(evicted)
	return evicted
}

// SetLocal marks dest as originated here (hop count 0). Used for the
// controller while the direct link is up.
func (t *RouteTable) SetLocal(dest string, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[dest] = Advertisement{Destination: dest, Origin: t.self, HopCount: 0, RTT: rtt, Reliability: 1}
}

// ClearLocal withdraws a locally originated destination. The node's own id
// cannot be withdrawn.
func (t *RouteTable) ClearLocal(dest string) {
	if dest == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.local, dest)
}

// IsLocal reports whether dest is originated by this node
func (t *RouteTable) IsLocal(dest string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.local[dest]
	return ok
}

// Advertisements returns what this node tells neighbour peerID: local
// destinations plus fresh learned routes, minus routes learned from peerID
// itself. A stale route is no longer vouched for and is left out, which
// withdraws it downstream.
func (t *RouteTable) Advertisements(peerID string) []Advertisement {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Advertisement, 0, len(t.local)+len(t.routes))
	for _, a := range t.local {
		out = append(out, a)
	}
	for dest, e := range t.routes {
		if _, ok := t.local[dest]; ok {
			continue
		}
		if e.NextHop == peerID || dest == peerID || now.Sub(e.UpdatedAt) >= t.staleAfter {
			continue
		}
		out = append(out, Advertisement{
			Destination: dest,
			Origin:      e.Origin,
			HopCount:    e.HopCount,
			RTT:         e.RTT,
			Reliability: e.Reliability,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Snapshot returns all learned routes ordered by destination
func (t *RouteTable) Snapshot() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RouteEntry, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Len returns the number of learned routes
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func sortEntries(entries []RouteEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Destination < entries[j].Destination })
}
