package peer

import (
	"github.com/iotaledger/hive.go/events"

	"github.com/elevengr/voicecraft/packages/voicenet/packet"
)

// Events contains the per-peer events.
type Events struct {
	// PacketReceived is triggered for every in-order reliable packet and for
	// every unreliable packet, exactly once.
	PacketReceived *events.Event
	// Connected is triggered when the peer transitions to connected.
	Connected *events.Event
}

func newEvents() *Events {
	return &Events{
		PacketReceived: events.NewEvent(packetCaller),
		Connected:      events.NewEvent(events.VoidCaller),
	}
}

func packetCaller(handler interface{}, params ...interface{}) {
	handler.(func(*packet.Packet))(params[0].(*packet.Packet))
}
