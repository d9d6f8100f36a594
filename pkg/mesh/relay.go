package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// Delivery is a relayed payload that reached its destination
type Delivery struct {
	MessageID uuid.UUID
	Origin    string
	Kind      PayloadKind
	Payload   []byte
	Path      []string
}

// DeliverFunc consumes a delivery. A nil error acknowledges it to the origin.
type DeliverFunc func(ctx context.Context, d Delivery) error

type reversePath struct {
	addr    string
	nextHop string
	expires time.Time
}

// relayer forwards RELAY messages hop by hop. Every hop remembers where a
// message came from so the RELAY_ACK can retrace the path to the origin.
type relayer struct {
	m *Mesh

	mu         sync.Mutex
	waiters    map[uuid.UUID]chan RelayAck
	reverse    map[uuid.UUID]reversePath
	seen       map[uuid.UUID]time.Time
	local      DeliverFunc
	controller DeliverFunc
}

func newRelayer(m *Mesh) *relayer {
	return &relayer{
		m:       m,
		waiters: make(map[uuid.UUID]chan RelayAck),
		reverse: make(map[uuid.UUID]reversePath),
		seen:    make(map[uuid.UUID]time.Time),
	}
}

func (r *relayer) setLocal(fn DeliverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = fn
}

func (r *relayer) setController(fn DeliverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controller = fn
}

func (r *relayer) seenTTL() time.Duration {
	ttl := 10 * r.m.cfg.RelayTimeout
	if r.m.cfg.RouteTTL > ttl {
		ttl = r.m.cfg.RouteTTL
	}
	return ttl
}

// markSeen records id and reports whether it was new
func (r *relayer) markSeen(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return false
	}
	r.seen[id] = time.Now()
	return true
}

func (r *relayer) send(ctx context.Context, dest string, kind PayloadKind, payload []byte) error {
	self := r.m.cfg.NodeID
	if dest == self {
		return fmt.Errorf("cannot relay to self")
	}

	route, err := r.m.selector.NextHop(dest, self)
	if err != nil {
		observability.MeshRelaysTotal.WithLabelValues("no_route").Inc()
		return err
	}
	addr, ok := r.m.peers.Address(route.NextHop)
	if !ok {
		observability.MeshRelaysTotal.WithLabelValues("no_route").Inc()
		return fmt.Errorf("%w: no address for next hop %s", ErrNoRoute, route.NextHop)
	}

	msg := Relay{
		ID:          uuid.New(),
		Kind:        kind,
		TTL:         uint8(r.m.cfg.MaxHops),
		Origin:      self,
		Destination: dest,
		From:        self,
		Path:        []string{self},
		Payload:     payload,
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	ch := make(chan RelayAck, 1)
	r.mu.Lock()
	r.waiters[msg.ID] = ch
	r.seen[msg.ID] = time.Now()
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, msg.ID)
		r.mu.Unlock()
	}()

	logger := observability.ContextLogger(observability.WithMessageID(ctx, msg.ID.String()), r.m.logger)
	if err := r.m.transport.Send(addr, data); err != nil {
		r.m.links.ObserveOutcome(route.NextHop, false)
		return fmt.Errorf("relay to %s via %s: %w", dest, route.NextHop, err)
	}
	observability.MeshRelaysTotal.WithLabelValues("originated").Inc()
	logger.Debug("Relay sent",
		zap.String("destination", dest),
		zap.String("next_hop", route.NextHop),
		zap.Int("hop_count", route.HopCount),
		zap.String("kind", kind.String()),
	)

	timer := time.NewTimer(r.m.cfg.RelayTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		r.m.links.ObserveOutcome(route.NextHop, ack.Delivered)
		if !ack.Delivered {
			return fmt.Errorf("relay to %s via %s: %w", dest, route.NextHop, ErrNotDelivered)
		}
		return nil
	case <-timer.C:
		r.m.links.ObserveOutcome(route.NextHop, false)
		return fmt.Errorf("relay to %s via %s: %w", dest, route.NextHop, ErrDeliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *relayer) handleRelay(ctx context.Context, msg Relay, addr string) {
	self := r.m.cfg.NodeID
	if msg.From == "" || msg.Origin == "" || msg.Destination == "" || msg.From == self {
		observability.MeshRelaysTotal.WithLabelValues("malformed").Inc()
		return
	}
	r.m.observe(msg.From, addr, 0)

	logger := observability.ContextLogger(observability.WithMessageID(ctx, msg.ID.String()), r.m.logger).With(
		zap.String("origin", msg.Origin),
		zap.String("destination", msg.Destination),
		zap.String("kind", msg.Kind.String()),
	)

	if !r.markSeen(msg.ID) {
		observability.MeshRelaysTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("Dropping duplicate relay", zap.String("from", msg.From))
		return
	}

	delivery := Delivery{
		MessageID: msg.ID,
		Origin:    msg.Origin,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
		Path:      append(append([]string(nil), msg.Path...), self),
	}

	r.mu.Lock()
	local, controller := r.local, r.controller
	r.mu.Unlock()

	switch {
	case msg.Destination == self:
		r.deliver(ctx, local, delivery, msg.ID, addr, logger)
		return
	case msg.Destination == api.ControllerID && controller != nil && r.m.routes.IsLocal(api.ControllerID):
		r.deliver(ctx, controller, delivery, msg.ID, addr, logger)
		return
	}

	if msg.TTL <= 1 {
		observability.MeshRelaysTotal.WithLabelValues("ttl_expired").Inc()
		logger.Warn("Dropping relay with exhausted TTL", zap.Strings("path", msg.Path))
		r.ack(addr, msg.ID, false)
		return
	}

	route, err := r.m.selector.NextHop(msg.Destination, append(msg.Path, self)...)
	if err != nil {
		observability.MeshRelaysTotal.WithLabelValues("no_route").Inc()
		logger.Debug("No onward route for relay", zap.Error(err))
		r.ack(addr, msg.ID, false)
		return
	}
	nextAddr, ok := r.m.peers.Address(route.NextHop)
	if !ok {
		observability.MeshRelaysTotal.WithLabelValues("no_route").Inc()
		r.ack(addr, msg.ID, false)
		return
	}

	fwd := msg
	fwd.TTL--
	fwd.From = self
	fwd.Path = delivery.Path
	data, err := Encode(fwd)
	if err != nil {
		logger.Debug("Cannot re-encode relay", zap.Error(err))
		r.ack(addr, msg.ID, false)
		return
	}

	r.mu.Lock()
	r.reverse[msg.ID] = reversePath{
		addr:    addr,
		nextHop: route.NextHop,
		expires: time.Now().Add(r.m.cfg.RelayTimeout),
	}
	r.mu.Unlock()

	r.m.send(nextAddr, data)
	observability.MeshRelaysTotal.WithLabelValues("forwarded").Inc()
	logger.Debug("Relay forwarded",
		zap.String("next_hop", route.NextHop),
		zap.Uint8("ttl", fwd.TTL),
	)
}

// deliver hands the payload to fn off the receive loop and acknowledges the
// outcome to the previous hop. fn runs under the hand-off timeout.
func (r *relayer) deliver(ctx context.Context, fn DeliverFunc, d Delivery, id uuid.UUID, addr string, logger *zap.Logger) {
	if fn == nil {
		r.ack(addr, id, false)
		return
	}
	r.m.inflight.Add(1)
	go func() {
		defer r.m.inflight.Done()

		hctx, cancel := context.WithTimeout(observability.WithMessageID(ctx, id.String()), r.m.cfg.HandoffTimeout)
		err := fn(hctx, d)
		cancel()
		if err != nil {
			logger.Warn("Relay delivery failed", zap.Error(err))
		} else {
			observability.MeshRelaysTotal.WithLabelValues("delivered").Inc()
		}
		r.ack(addr, id, err == nil)
	}()
}

func (r *relayer) ack(addr string, id uuid.UUID, delivered bool) {
	data, err := Encode(RelayAck{ID: id, From: r.m.cfg.NodeID, Delivered: delivered})
	if err != nil {
		return
	}
	r.m.send(addr, data)
}

func (r *relayer) handleAck(ack RelayAck, addr string) {
	if ack.From == "" || ack.From == r.m.cfg.NodeID {
		return
	}
	r.m.observe(ack.From, addr, 0)

	r.mu.Lock()
	if ch, ok := r.waiters[ack.ID]; ok {
		r.mu.Unlock()
		select {
		case ch <- ack:
		default:
		}
		return
	}
	rp, ok := r.reverse[ack.ID]
	delete(r.reverse, ack.ID)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.m.links.ObserveOutcome(rp.nextHop, ack.Delivered)
	r.ack(rp.addr, ack.ID, ack.Delivered)
}

// expire drops relay bookkeeping past its lifetime. A forwarded relay that
// never saw an acknowledgement counts against its next hop.
func (r *relayer) expire() {
	now := time.Now()
	seenCutoff := now.Add(-r.seenTTL())

	r.mu.Lock()
	var failed []string
	for id, rp := range r.reverse {
		if now.After(rp.expires) {
			failed = append(failed, rp.nextHop)
			delete(r.reverse, id)
		}
	}
	for id, at := range r.seen {
		if at.Before(seenCutoff) {
			delete(r.seen, id)
		}
	}
	r.mu.Unlock()

	for _, peer := range failed {
		r.m.links.ObserveOutcome(peer, false)
	}
}
