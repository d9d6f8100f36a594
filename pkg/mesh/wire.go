package mesh

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Datagram layout:
//
//	[2 bytes] magic "TM"
//	[1 byte]  version
//	[1 byte]  message type
//	[N bytes] body (big-endian; ids are uint8-length-prefixed strings)

const (
	wireVersion = 1
	headerLen   = 4
	maxIDLen    = 255

	// MaxDatagram keeps encoded messages inside one UDP datagram
	MaxDatagram = 65507
)

var wireMagic = [2]byte{'T', 'M'}

// MessageType identifies a mesh message on the wire
type MessageType uint8

const (
	MsgHello MessageType = iota + 1
	MsgHelloAck
	MsgRouteAdvert
	MsgRelay
	MsgRelayAck
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloAck:
		return "HELLO_ACK"
	case MsgRouteAdvert:
		return "ROUTE_ADVERT"
	case MsgRelay:
		return "RELAY"
	case MsgRelayAck:
		return "RELAY_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Message is any decoded mesh message
type Message interface {
	Type() MessageType
}

// Hello announces liveness. Window is the sender's liveness window.
type Hello struct {
	Sender string
	Seq    uint32
	Window time.Duration
}

// HelloAck echoes a HELLO sequence so the sender can sample RTT
type HelloAck struct {
	Sender string
	Seq    uint32
}

// RouteAdvert carries the sender's reachable destinations
type RouteAdvert struct {
	Sender string
	Routes []Advertisement
}

// PayloadKind tags what a relay carries
type PayloadKind uint8

const (
	KindHeartbeat PayloadKind = iota + 1
	KindCommand
	KindCommandReport
)

func (k PayloadKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindCommand:
		return "command"
	case KindCommandReport:
		return "command_report"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Relay forwards a payload toward Destination. From is the previous hop and
// Path lists every node the message has visited, origin first.
type Relay struct {
	ID          uuid.UUID
	Kind        PayloadKind
	TTL         uint8
	Origin      string
	Destination string
	From        string
	Path        []string
	Payload     []byte
}

// RelayAck travels the reverse path of a relay back to its origin
type RelayAck struct {
	ID        uuid.UUID
	From      string
	Delivered bool
}

func (Hello) Type() MessageType       { return MsgHello }
func (HelloAck) Type() MessageType    { return MsgHelloAck }
func (RouteAdvert) Type() MessageType { return MsgRouteAdvert }
func (Relay) Type() MessageType       { return MsgRelay }
func (RelayAck) Type() MessageType    { return MsgRelayAck }

// Encode serializes a message into a single datagram
func Encode(m Message) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 128)}
	w.buf = append(w.buf, wireMagic[0], wireMagic[1], wireVersion, byte(m.Type()))

	switch msg := m.(type) {
	case Hello:
		w.str(msg.Sender)
		w.u32(msg.Seq)
		w.u32(uint32(msg.Window / time.Millisecond))
	case HelloAck:
		w.str(msg.Sender)
		w.u32(msg.Seq)
	case RouteAdvert:
		w.str(msg.Sender)
		if len(msg.Routes) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d routes in one advert", ErrMalformed, len(msg.Routes))
		}
		w.u16(uint16(len(msg.Routes)))
		for _, r := range msg.Routes {
			if r.HopCount < 0 || r.HopCount > math.MaxUint8 {
				return nil, fmt.Errorf("%w: hop count %d", ErrMalformed, r.HopCount)
			}
			w.str(r.Destination)
			w.str(r.Origin)
			w.u8(uint8(r.HopCount))
			w.u32(clampU32(int64(r.RTT / time.Microsecond)))
			w.u16(uint16(math.Round(clamp01(r.Reliability) * 10000)))
		}
	case Relay:
		w.raw(msg.ID[:])
		w.u8(uint8(msg.Kind))
		w.u8(msg.TTL)
		w.str(msg.Origin)
		w.str(msg.Destination)
		w.str(msg.From)
		if len(msg.Path) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: path of %d hops", ErrMalformed, len(msg.Path))
		}
		w.u8(uint8(len(msg.Path)))
		for _, p := range msg.Path {
			w.str(p)
		}
		w.u32(uint32(len(msg.Payload)))
		w.raw(msg.Payload)
	case RelayAck:
		w.raw(msg.ID[:])
		w.str(msg.From)
		if msg.Delivered {
			w.u8(1)
		} else {
			w.u8(0)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformed, m)
	}

	if w.err != nil {
		return nil, w.err
	}
	if len(w.buf) > MaxDatagram {
		return nil, fmt.Errorf("%w: %d bytes exceeds datagram limit", ErrMalformed, len(w.buf))
	}
	return w.buf, nil
}

// Decode parses one datagram
func Decode(b []byte) (Message, error) {
	if len(b) < headerLen || b[0] != wireMagic[0] || b[1] != wireMagic[1] {
		return nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	if b[2] != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[2])
	}

	r := &reader{buf: b[headerLen:]}
	var m Message

	switch MessageType(b[3]) {
	case MsgHello:
		m = Hello{
			Sender: r.str(),
			Seq:    r.u32(),
			Window: time.Duration(r.u32()) * time.Millisecond,
		}
	case MsgHelloAck:
		m = HelloAck{Sender: r.str(), Seq: r.u32()}
	case MsgRouteAdvert:
		adv := RouteAdvert{Sender: r.str()}
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			adv.Routes = append(adv.Routes, Advertisement{
				Destination: r.str(),
				Origin:      r.str(),
				HopCount:    int(r.u8()),
				RTT:         time.Duration(r.u32()) * time.Microsecond,
				Reliability: float64(r.u16()) / 10000,
			})
		}
		m = adv
	case MsgRelay:
		rel := Relay{}
		copy(rel.ID[:], r.raw(16))
		rel.Kind = PayloadKind(r.u8())
		rel.TTL = r.u8()
		rel.Origin = r.str()
		rel.Destination = r.str()
		rel.From = r.str()
		n := int(r.u8())
		for i := 0; i < n && r.err == nil; i++ {
			rel.Path = append(rel.Path, r.str())
		}
		size := int(r.u32())
		rel.Payload = append([]byte(nil), r.raw(size)...)
		m = rel
	case MsgRelayAck:
		ack := RelayAck{}
		copy(ack.ID[:], r.raw(16))
		ack.From = r.str()
		ack.Delivered = r.u8() == 1
		m = ack
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, b[3])
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf))
	}
	return m, nil
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) str(s string) {
	if len(s) > maxIDLen {
		w.err = fmt.Errorf("%w: id longer than %d bytes", ErrMalformed, maxIDLen)
		return
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated message", ErrMalformed)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) raw(n int) []byte { return r.take(n) }

func (r *reader) str() string {
	n := int(r.u8())
	return string(r.take(n))
}

func clampU32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
