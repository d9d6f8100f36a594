package mesh

import "fmt"

// Selector picks the next hop toward a destination from the route table,
// skipping neighbours that are unreachable or whose link breaker is open.
type Selector struct {
	routes *RouteTable
	peers  *PeerManager
	links  *MetricsTracker
}

// NewSelector creates a selector over the shared mesh state
func NewSelector(routes *RouteTable, peers *PeerManager, links *MetricsTracker) *Selector {
	return &Selector{routes: routes, peers: peers, links: links}
}

// NextHop returns the route to use for dest. Nodes listed in avoid (the
// relay path trace) are never chosen as next hop.
func (s *Selector) NextHop(dest string, avoid ...string) (RouteEntry, error) {
	entry, ok := s.routes.Lookup(dest)
	if !ok {
		return RouteEntry{}, fmt.Errorf("%w: %s", ErrNoRoute, dest)
	}
	for _, id := range avoid {
		if entry.NextHop == id {
			return RouteEntry{}, fmt.Errorf("%w: %s (next hop %s already on path)", ErrNoRoute, dest, id)
		}
	}
	if s.peers != nil {
		if p, ok := s.peers.Get(entry.NextHop); !ok || p.Status == PeerUnreachable {
			return RouteEntry{}, fmt.Errorf("%w: %s (next hop %s unreachable)", ErrNoRoute, dest, entry.NextHop)
		}
	}
	if s.links != nil {
		if l, _ := s.links.Get(entry.NextHop); l.Tripped() {
			return RouteEntry{}, fmt.Errorf("%w: %s (link to %s tripped)", ErrNoRoute, dest, entry.NextHop)
		}
	}
	return entry, nil
}

// Reachable reports whether a usable path to dest exists
func (s *Selector) Reachable(dest string) bool {
	_, err := s.NextHop(dest)
	return err == nil
}
