package mesh

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// helloRound tracks which neighbours still owe a HELLO_ACK for one sequence
type helloRound struct {
	sentAt   time.Time
	awaiting map[string]bool
}

// RunDiscovery broadcasts liveness and route advertisements and handles
// inbound messages until ctx is cancelled.
func (m *Mesh) RunDiscovery(ctx context.Context) error {
	m.logger.Info("Starting peer discovery",
		zap.Duration("hello_interval", m.cfg.HelloInterval),
		zap.Int("max_hops", m.cfg.MaxHops),
		zap.Int("static_peers", len(m.cfg.StaticPeers)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.receiveLoop(gctx) })
	g.Go(func() error { return m.announceLoop(gctx) })
	err := g.Wait()

	m.inflight.Wait()
	m.logger.Info("Peer discovery stopped")
	return err
}

func (m *Mesh) receiveLoop(ctx context.Context) error {
	packets := m.transport.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			m.handlePacket(ctx, pkt)
		}
	}
}

func (m *Mesh) announceLoop(ctx context.Context) error {
	m.announce()

	ticker := time.NewTicker(m.cfg.HelloInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.announce()
		}
	}
}

// announce sends one HELLO round and a route advertisement to every live
// neighbour. Neighbours that did not answer the previous round are charged
// a failed delivery.
func (m *Mesh) announce() {
	m.expireRounds()

	seq := m.helloSeq.Add(1)
	hello, err := Encode(Hello{Sender: m.cfg.NodeID, Seq: seq, Window: m.cfg.HelloInterval})
	if err != nil {
		m.logger.Error("Failed to encode HELLO", zap.Error(err))
		return
	}

	round := &helloRound{sentAt: time.Now(), awaiting: make(map[string]bool)}
	for _, p := range m.peers.Snapshot() {
		if p.Address != "" {
			round.awaiting[p.NodeID] = true
		}
	}
	m.roundsMu.Lock()
	m.rounds[seq] = round
	m.roundsMu.Unlock()

	for _, addr := range m.peers.HelloTargets() {
		m.send(addr, hello)
	}
	if m.cfg.BroadcastAddress != "" {
		m.send(m.cfg.BroadcastAddress, hello)
	}

	m.advertise()
}

// advertise sends every live neighbour this node's full route table
func (m *Mesh) advertise() {
	for _, p := range m.peers.Live() {
		advert, err := Encode(RouteAdvert{Sender: m.cfg.NodeID, Routes: m.routes.Advertisements(p.NodeID)})
		if err != nil {
			m.logger.Error("Failed to encode ROUTE_ADVERT", zap.String("peer_id", p.NodeID), zap.Error(err))
			continue
		}
		m.send(p.Address, advert)
	}
}

func (m *Mesh) expireRounds() {
	cutoff := time.Now().Add(-m.cfg.HelloInterval)

	m.roundsMu.Lock()
	var missed []string
	for seq, r := range m.rounds {
		if r.sentAt.After(cutoff) {
			continue
		}
		for id := range r.awaiting {
			missed = append(missed, id)
		}
		delete(m.rounds, seq)
	}
	m.roundsMu.Unlock()

	for _, id := range missed {
		m.links.ObserveOutcome(id, false)
	}
}

func (m *Mesh) completeHello(peerID string, seq uint32) {
	m.roundsMu.Lock()
	r, ok := m.rounds[seq]
	if ok && r.awaiting[peerID] {
		delete(r.awaiting, peerID)
	} else {
		ok = false
	}
	m.roundsMu.Unlock()

	if !ok {
		return
	}
	rtt := time.Since(r.sentAt)
	m.links.ObserveRTT(peerID, rtt)
	m.links.ObserveOutcome(peerID, true)
	observability.MeshPeerRTTSeconds.WithLabelValues(peerID).Set(rtt.Seconds())
}

func (m *Mesh) send(addr string, data []byte) {
	if err := m.transport.Send(addr, data); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Debug("Mesh send failed", zap.String("address", addr), zap.Error(err))
	}
}

func (m *Mesh) handlePacket(ctx context.Context, pkt Packet) {
	msg, err := Decode(pkt.Data)
	if err != nil {
		observability.MeshAdvertsDiscardedTotal.WithLabelValues("malformed").Inc()
		m.logger.Debug("Dropping malformed datagram", zap.String("from", pkt.Addr), zap.Error(err))
		return
	}

	switch msg := msg.(type) {
	case Hello:
		if msg.Sender == "" || msg.Sender == m.cfg.NodeID {
			return
		}
		m.observe(msg.Sender, pkt.Addr, msg.Window)
		if ack, err := Encode(HelloAck{Sender: m.cfg.NodeID, Seq: msg.Seq}); err == nil {
			m.send(pkt.Addr, ack)
		}
	case HelloAck:
		if msg.Sender == "" || msg.Sender == m.cfg.NodeID {
			return
		}
		m.observe(msg.Sender, pkt.Addr, 0)
		m.completeHello(msg.Sender, msg.Seq)
	case RouteAdvert:
		m.handleAdvert(msg, pkt.Addr)
	case Relay:
		m.relay.handleRelay(ctx, msg, pkt.Addr)
	case RelayAck:
		m.relay.handleAck(msg, pkt.Addr)
	}
}

func (m *Mesh) observe(peerID, addr string, window time.Duration) {
	if t, changed := m.peers.Observe(peerID, addr, window); changed {
		m.logger.Info("Peer reachable",
			zap.String("peer_id", peerID),
			zap.String("address", addr),
			zap.String("previous", string(t.From)),
		)
		m.notifyPeer(t)
	}
}

func (m *Mesh) handleAdvert(msg RouteAdvert, addr string) {
	if msg.Sender == "" || msg.Sender == m.cfg.NodeID {
		observability.MeshAdvertsDiscardedTotal.WithLabelValues("self").Inc()
		return
	}
	m.observe(msg.Sender, addr, 0)

	link, _ := m.links.Get(msg.Sender)
	for _, adv := range msg.Routes {
		change, entry := m.routes.Consider(msg.Sender, adv, link)
		switch change {
		case RouteDiscardedSelf, RouteDiscardedCeiling, RouteDiscardedMalformed, RouteUnfeasible:
			observability.MeshAdvertsDiscardedTotal.WithLabelValues(change.String()).Inc()
			m.logger.Debug("Discarded advertised route",
				zap.String("peer_id", msg.Sender),
				zap.String("destination", adv.Destination),
				zap.String("origin", adv.Origin),
				zap.Int("advertised_hops", adv.HopCount),
				zap.String("reason", change.String()),
			)
		case RouteInstalled, RouteReplaced:
			observability.MeshRouteChangesTotal.WithLabelValues(change.String()).Inc()
			m.logger.Debug("Route updated",
				zap.String("destination", entry.Destination),
				zap.String("origin", entry.Origin),
				zap.String("next_hop", entry.NextHop),
				zap.Int("hop_count", entry.HopCount),
				zap.Duration("rtt", entry.RTT),
				zap.Float64("reliability", entry.Reliability),
				zap.String("change", change.String()),
			)
		case RouteRefreshed:
			observability.MeshRouteChangesTotal.WithLabelValues(change.String()).Inc()
		case RouteWithdrawn:
			m.routeWithdrawn(entry, "next hop path no longer feasible")
		}
	}

	for _, e := range m.routes.Withdraw(msg.Sender, msg.Routes) {
		m.routeWithdrawn(e, "next hop stopped advertising")
	}
}

func (m *Mesh) routeWithdrawn(e RouteEntry, reason string) {
	observability.MeshRouteChangesTotal.WithLabelValues(RouteWithdrawn.String()).Inc()
	m.logger.Debug("Route withdrawn",
		zap.String("destination", e.Destination),
		zap.String("origin", e.Origin),
		zap.String("next_hop", e.NextHop),
		zap.String("reason", reason),
	)
}
