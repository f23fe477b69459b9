package server

import (
	"github.com/iotaledger/hive.go/events"

	"github.com/elevengr/voicecraft/packages/voicenet/packet"
	"github.com/elevengr/voicecraft/packages/voicenet/peer"
)

// Events contains all the events triggered by the voice server.
type Events struct {
	// PeerConnected is triggered when a peer completes the login handshake.
	PeerConnected *events.Event
	// PeerDisconnected is triggered when a peer is evicted, with the reason.
	PeerDisconnected *events.Event
	// PacketReceived is triggered for every packet a peer emits to the
	// application: in-order reliable packets and unreliable packets alike.
	PacketReceived *events.Event
}

func newEvents() Events {
	return Events{
		PeerConnected:    events.NewEvent(peerCaller),
		PeerDisconnected: events.NewEvent(peerDisconnectedCaller),
		PacketReceived:   events.NewEvent(peerPacketCaller),
	}
}

// DisconnectReason tells listeners why a peer was evicted.
type DisconnectReason uint8

const (
	// ReasonTimeout means the peer sent nothing for the liveness window.
	ReasonTimeout DisconnectReason = iota
	// ReasonUnreachable means a reliable packet exhausted its retries.
	ReasonUnreachable
	// ReasonDenied means the remote refused or terminated the session.
	ReasonDenied
	// ReasonOverflow means the peer flooded the reorder buffer with
	// out-of-order sequence numbers.
	ReasonOverflow
	// ReasonRateLimit means the endpoint exceeded the activity limit.
	ReasonRateLimit
	// ReasonLogout means the peer announced an orderly leave.
	ReasonLogout
	// ReasonShutdown means the server is closing.
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonUnreachable:
		return "unreachable"
	case ReasonDenied:
		return "denied"
	case ReasonOverflow:
		return "overflow"
	case ReasonRateLimit:
		return "ratelimit"
	case ReasonLogout:
		return "logout"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func peerCaller(handler interface{}, params ...interface{}) {
	handler.(func(*peer.Peer))(params[0].(*peer.Peer))
}

func peerDisconnectedCaller(handler interface{}, params ...interface{}) {
	handler.(func(*peer.Peer, DisconnectReason))(params[0].(*peer.Peer), params[1].(DisconnectReason))
}

func peerPacketCaller(handler interface{}, params ...interface{}) {
	handler.(func(*peer.Peer, *packet.Packet))(params[0].(*peer.Peer), params[1].(*packet.Packet))
}
