package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// Mesh is one node's view of the peer-to-peer network: neighbour liveness,
// link metrics, learned routes and relaying.
type Mesh struct {
	cfg       Config
	logger    *zap.Logger
	transport Transport

	peers    *PeerManager
	routes   *RouteTable
	links    *MetricsTracker
	selector *Selector
	relay    *relayer

	helloSeq atomic.Uint32
	roundsMu sync.Mutex
	rounds   map[uint32]*helloRound

	// handler goroutines spawned by the receive loop
	inflight sync.WaitGroup

	hookMu sync.RWMutex
	onPeer func(PeerTransition)
}

// New creates a mesh node on top of transport
func New(cfg Config, transport Transport, logger *zap.Logger) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", "mesh"), zap.String("node_id", cfg.NodeID))

	peers := NewPeerManager(cfg.NodeID, cfg.StaticPeers, cfg.LivenessMisses, cfg.HelloInterval)
	routes := NewRouteTable(cfg.NodeID, cfg.MaxHops, cfg.StaleAfter, cfg.RouteTTL, cfg.HoldDown)
	links := NewMetricsTracker(cfg.RTTWeight, cfg.ReliabilityWeight)

	m := &Mesh{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		peers:     peers,
		routes:    routes,
		links:     links,
		selector:  NewSelector(routes, peers, links),
		rounds:    make(map[uint32]*helloRound),
	}
	m.relay = newRelayer(m)
	return m, nil
}

// NodeID returns this node's id
func (m *Mesh) NodeID() string { return m.cfg.NodeID }

// Routes exposes the route table
func (m *Mesh) Routes() *RouteTable { return m.routes }

// Peers exposes neighbour liveness
func (m *Mesh) Peers() *PeerManager { return m.peers }

// Links exposes per-link metrics
func (m *Mesh) Links() *MetricsTracker { return m.links }

// Selector exposes next-hop selection
func (m *Mesh) Selector() *Selector { return m.selector }

// OnDeliver sets the handler for relays addressed to this node
func (m *Mesh) OnDeliver(fn DeliverFunc) { m.relay.setLocal(fn) }

// OnControllerBound sets the handler for relays addressed to the controller.
// It is only invoked while the direct controller link is up.
func (m *Mesh) OnControllerBound(fn DeliverFunc) { m.relay.setController(fn) }

// OnPeerChange registers fn for neighbour liveness transitions
func (m *Mesh) OnPeerChange(fn func(PeerTransition)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onPeer = fn
}

func (m *Mesh) notifyPeer(t PeerTransition) {
	m.hookMu.RLock()
	fn := m.onPeer
	m.hookMu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

// SetControllerLink records whether this node currently reaches the
// controller directly. While up, the controller is advertised at hop 0.
// Losing the link is advertised at once so neighbours withdraw it.
func (m *Mesh) SetControllerLink(up bool, rtt time.Duration) {
	if up {
		m.routes.SetLocal(api.ControllerID, rtt)
		return
	}
	if m.routes.IsLocal(api.ControllerID) {
		m.routes.ClearLocal(api.ControllerID)
		m.advertise()
	}
}

// ControllerReachable reports whether the controller is reachable directly
// or through a usable mesh route.
func (m *Mesh) ControllerReachable() bool {
	return m.routes.IsLocal(api.ControllerID) || m.selector.Reachable(api.ControllerID)
}

// Send relays payload to dest and waits for the destination's
// acknowledgement.
func (m *Mesh) Send(ctx context.Context, dest string, kind PayloadKind, payload []byte) error {
	return m.relay.send(ctx, dest, kind, payload)
}

// RunMaintenance sweeps peer liveness and evicts silent routes until ctx is
// cancelled.
func (m *Mesh) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HelloInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Maintain()
		}
	}
}

// Maintain runs one maintenance pass: peer liveness, route eviction and
// relay bookkeeping.
func (m *Mesh) Maintain() {
	for _, t := range m.peers.Sweep() {
		m.logger.Info("Peer liveness changed",
			zap.String("peer_id", t.NodeID),
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
		)
		m.notifyPeer(t)
		if t.To == PeerUnreachable {
			for _, e := range m.routes.RemoveVia(t.NodeID) {
				m.routeWithdrawn(e, "next hop unreachable")
			}
		}
	}

	for _, e := range m.routes.Evict() {
		observability.MeshRouteChangesTotal.WithLabelValues("evicted").Inc()
		m.logger.Debug("Route evicted after silence",
			zap.String("destination", e.Destination),
			zap.String("next_hop", e.NextHop),
			zap.Time("updated_at", e.UpdatedAt),
		)
	}

	m.relay.expire()

	for status, n := range m.peers.Counts() {
		observability.MeshPeers.WithLabelValues(string(status)).Set(float64(n))
	}
	observability.MeshRoutes.Set(float64(m.routes.Len()))
}

// Close releases the transport
func (m *Mesh) Close() error {
	return m.transport.Close()
}
