package mesh

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Packet is one datagram received from Addr
type Packet struct {
	Addr string
	Data []byte
}

// Transport is a best-effort, unordered datagram link to neighbours
type Transport interface {
	Send(addr string, data []byte) error
	Packets() <-chan Packet
	LocalAddr() string
	Close() error
}

// UDPTransport carries mesh datagrams over UDP
type UDPTransport struct {
	conn    *net.UDPConn
	logger  *zap.Logger
	packets chan Packet

	mu    sync.Mutex
	addrs map[string]*net.UDPAddr

	closeOnce sync.Once
	done      chan struct{}
}

// ListenUDP binds the mesh port and starts reading datagrams
func ListenUDP(listenAddr string, logger *zap.Logger) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mesh listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}

	t := &UDPTransport{
		conn:    conn,
		logger:  logger,
		packets: make(chan Packet, 256),
		addrs:   make(map[string]*net.UDPAddr),
		done:    make(chan struct{}),
	}
	go t.readLoop()

	logger.Info("Mesh transport listening", zap.String("address", conn.LocalAddr().String()))
	return t, nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.packets)

	buf := make([]byte, MaxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Debug("Mesh read error", zap.Error(err))
			continue
		}

		pkt := Packet{Addr: addr.String(), Data: append([]byte(nil), buf[:n]...)}
		select {
		case t.packets <- pkt:
		case <-t.done:
			return
		default:
			t.logger.Debug("Mesh receive queue full, dropping datagram", zap.String("from", pkt.Addr))
		}
	}
}

// Send writes one datagram to addr
func (t *UDPTransport) Send(addr string, data []byte) error {
	udpAddr, err := t.resolve(addr)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDP(data, udpAddr); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.addrs[addr]; ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	t.addrs[addr] = a
	return a, nil
}

// Packets returns the receive channel. It is closed after Close.
func (t *UDPTransport) Packets() <-chan Packet {
	return t.packets
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Close stops reading and releases the socket
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// MemoryNetwork is an in-process datagram fabric. Only linked endpoints hear
// each other, which lets tests build arbitrary topologies.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*memoryEndpoint
	links     map[string]map[string]bool
}

// NewMemoryNetwork creates an empty fabric
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*memoryEndpoint),
		links:     make(map[string]map[string]bool),
	}
}

// Endpoint attaches a transport at addr
func (n *MemoryNetwork) Endpoint(addr string) Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &memoryEndpoint{net: n, addr: addr, packets: make(chan Packet, 1024)}
	n.endpoints[addr] = ep
	return ep
}

// Link makes a and b hear each other
func (n *MemoryNetwork) Link(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setLink(a, b, true)
	n.setLink(b, a, true)
}

// Unlink partitions a from b
func (n *MemoryNetwork) Unlink(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setLink(a, b, false)
	n.setLink(b, a, false)
}

func (n *MemoryNetwork) setLink(from, to string, up bool) {
	if n.links[from] == nil {
		n.links[from] = make(map[string]bool)
	}
	n.links[from][to] = up
}

func (n *MemoryNetwork) deliver(from, to string, data []byte) {
	n.mu.RLock()
	ep, ok := n.endpoints[to]
	linked := n.links[from][to]
	n.mu.RUnlock()

	if !ok || !linked {
		return
	}
	ep.push(Packet{Addr: from, Data: append([]byte(nil), data...)})
}

type memoryEndpoint struct {
	net     *MemoryNetwork
	addr    string
	packets chan Packet

	mu     sync.Mutex
	closed bool
}

func (e *memoryEndpoint) Send(addr string, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	e.net.deliver(e.addr, addr, data)
	return nil
}

func (e *memoryEndpoint) push(p Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.packets <- p:
	default:
	}
}

func (e *memoryEndpoint) Packets() <-chan Packet { return e.packets }
func (e *memoryEndpoint) LocalAddr() string      { return e.addr }

func (e *memoryEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.packets)
	}
	return nil
}
