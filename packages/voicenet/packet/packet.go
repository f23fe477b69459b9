package packet

import (
	"math"
	"time"

	"github.com/iotaledger/hive.go/stringify"
)

// Type distinguishes the signalling kinds of the VoiceCraft protocol. Only
// Login, Accept, Deny and Ack have lifecycle meaning to the transport; the
// remaining kinds are carried as opaque payloads for the application.
type Type uint8

const (
	// TypeLogin requests to join; the first packet a client ever sends.
	TypeLogin Type = iota
	// TypeAccept confirms a login and carries the assigned id and key.
	TypeAccept
	// TypeDeny refuses a login or terminates an established peer.
	TypeDeny
	// TypeAck acknowledges a received reliable sequence number.
	TypeAck
	// TypePing keeps an otherwise idle peer alive.
	TypePing
	// TypeAudio carries an opaque voice frame.
	TypeAudio
	// TypeBind associates a voice peer with an in-game participant.
	TypeBind
	// TypeUpdate carries a participant state update.
	TypeUpdate
	// TypeLogout announces an orderly leave.
	TypeLogout

	typeCount
)

var typeNames = [typeCount]string{
	"Login", "Accept", "Deny", "Ack", "Ping", "Audio", "Bind", "Update", "Logout",
}

func (t Type) String() string {
	if int(t) >= len(typeNames) {
		return "Unknown"
	}
	return typeNames[t]
}

const (
	// NoID is the reserved id sentinel; it is never generated for a peer.
	NoID int64 = math.MinInt64
	// NoKey is the reserved key sentinel; it is never generated for a peer.
	NoKey int16 = math.MinInt16
)

// A Packet is one datagram-sized protocol unit. Sequence is only meaningful
// when Reliable is set; it is assigned by the sending peer at enqueue time.
// Retries and ResendTime are local retransmission bookkeeping and never hit
// the wire.
type Packet struct {
	Type     Type
	Reliable bool
	Sequence uint32
	ID       int64
	Key      int16
	Payload  []byte

	// Retransmission bookkeeping, maintained by the owning peer.
	Retries    uint32
	ResendTime time.Time
}

// New creates a packet of the given kind addressed with the given id.
func New(t Type, id int64, payload []byte) *Packet {
	return &Packet{
		Type:     t,
		Reliable: t.reliable(),
		ID:       id,
		Key:      NoKey,
		Payload:  payload,
	}
}

// NewLogin creates the join request sent by a connecting client.
func NewLogin(id int64, key int16) *Packet {
	return &Packet{Type: TypeLogin, Reliable: true, ID: id, Key: key}
}

// NewAccept creates the handshake confirmation carrying the peer's identity.
func NewAccept(id int64, key int16) *Packet {
	return &Packet{Type: TypeAccept, Reliable: true, ID: id, Key: key}
}

// NewDeny creates a handshake refusal or eviction notice.
func NewDeny(id int64) *Packet {
	return &Packet{Type: TypeDeny, Reliable: false, ID: id, Key: NoKey}
}

// NewAck creates the acknowledgement for the given reliable sequence number.
func NewAck(id int64, seq uint32) *Packet {
	return &Packet{Type: TypeAck, Reliable: false, Sequence: seq, ID: id, Key: NoKey}
}

// reliable reports whether packets of this kind are retransmitted until
// acknowledged. Acks, pings and audio frames are fire-and-forget.
func (t Type) reliable() bool {
	switch t {
	case TypeAck, TypePing, TypeAudio:
		return false
	default:
		return true
	}
}

func (p *Packet) String() string {
	return stringify.Struct("Packet",
		stringify.StructField("type", p.Type.String()),
		stringify.StructField("reliable", p.Reliable),
		stringify.StructField("sequence", p.Sequence),
		stringify.StructField("id", p.ID),
		stringify.StructField("payloadSize", uint64(len(p.Payload))),
	)
}
