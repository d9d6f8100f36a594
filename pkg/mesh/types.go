package mesh

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by mesh operations
var (
	ErrNoRoute         = errors.New("no route to destination")
	ErrMalformed       = errors.New("malformed mesh message")
	ErrDeliveryTimeout = errors.New("relay not acknowledged before timeout")
	ErrNotDelivered    = errors.New("relay rejected by destination")
)

// PeerStatus is the liveness of a direct neighbour
type PeerStatus string

const (
	PeerReachable   PeerStatus = "REACHABLE"
	PeerDegraded    PeerStatus = "DEGRADED"
	PeerUnreachable PeerStatus = "UNREACHABLE"
)

// StaticPeer is a neighbour configured by address. NodeID may be empty when
// only the address is known; the id is learned from its first HELLO.
type StaticPeer struct {
	NodeID  string
	Address string
}

// Config configures a mesh node
type Config struct {
	NodeID string

	// ListenAddress is the local UDP address, e.g. "0.0.0.0:7777"
	ListenAddress string

	// BroadcastAddress receives a copy of every HELLO when set
	BroadcastAddress string

	StaticPeers []StaticPeer

	// HelloInterval is the liveness window advertised to peers; route
	// advertisements go out on the same cadence.
	HelloInterval time.Duration

	// LivenessMisses is the number of consecutive missed windows after
	// which a peer is UNREACHABLE.
	LivenessMisses int

	// RouteTTL evicts routes that have not been refreshed for this long.
	RouteTTL time.Duration

	// StaleAfter is the window after which an unrefreshed route may be
	// replaced by any valid report, even a worse one.
	StaleAfter time.Duration

	// HoldDown keeps the feasibility distance of a lost route, rejecting
	// longer reports of it until derived routes have been withdrawn.
	HoldDown time.Duration

	MaxHops      int
	RelayTimeout time.Duration

	// HandoffTimeout bounds the handling of a relay at its last hop,
	// including the forward to the controller. It stays below RelayTimeout
	// so the acknowledgement can travel back before the origin gives up.
	HandoffTimeout time.Duration

	// EWMA weights for link metrics
	RTTWeight         float64
	ReliabilityWeight float64
}

// Defaults
const (
	DefaultHelloInterval     = 10 * time.Second
	DefaultLivenessMisses    = 3
	DefaultRouteTTL          = 60 * time.Second
	DefaultMaxHops           = 5
	DefaultRelayTimeout      = 3 * time.Second
	DefaultRTTWeight         = 0.125
	DefaultReliabilityWeight = 0.2
)

// Validate fills defaults and checks ranges
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("mesh node id is required")
	}
	if len(c.NodeID) > maxIDLen {
		return fmt.Errorf("mesh node id longer than %d bytes", maxIDLen)
	}
	if c.HelloInterval <= 0 {
		c.HelloInterval = DefaultHelloInterval
	}
	if c.LivenessMisses <= 0 {
		c.LivenessMisses = DefaultLivenessMisses
	}
	if c.RouteTTL <= 0 {
		c.RouteTTL = DefaultRouteTTL
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.HelloInterval
	}
	if c.StaleAfter > c.RouteTTL {
		c.StaleAfter = c.RouteTTL
	}
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.MaxHops > 255 {
		return fmt.Errorf("max hops %d does not fit the relay ttl field", c.MaxHops)
	}
	if c.HoldDown <= 0 {
		c.HoldDown = time.Duration(c.MaxHops) * c.HelloInterval
		if c.HoldDown < c.StaleAfter {
			c.HoldDown = c.StaleAfter
		}
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	if c.HandoffTimeout <= 0 || c.HandoffTimeout >= c.RelayTimeout {
		c.HandoffTimeout = c.RelayTimeout / 2
	}
	if c.RTTWeight <= 0 || c.RTTWeight > 1 {
		c.RTTWeight = DefaultRTTWeight
	}
	if c.ReliabilityWeight <= 0 || c.ReliabilityWeight > 1 {
		c.ReliabilityWeight = DefaultReliabilityWeight
	}
	return nil
}
