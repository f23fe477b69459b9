package metrics

import (
	"sync"

	"github.com/iotaledger/hive.go/events"
)

var (
	once         sync.Once
	metricEvents *CollectionEvents
)

// CollectionEvents defines the metric events of the voice transport.
type CollectionEvents struct {
	// PacketReceived is triggered with the size of every decoded datagram.
	PacketReceived *events.Event
	// PacketSent is triggered with the size of every transmitted datagram.
	PacketSent *events.Event
	// PacketResent is triggered with the size of every retransmission.
	PacketResent *events.Event
	// PeerAdded is triggered when a new peer is registered.
	PeerAdded *events.Event
	// PeerRemoved is triggered with the reason when a peer is evicted.
	PeerRemoved *events.Event
	// LoginDenied is triggered when a login is refused.
	LoginDenied *events.Event
}

func newEvents() *CollectionEvents {
	return &CollectionEvents{
		PacketReceived: events.NewEvent(uint64Caller),
		PacketSent:     events.NewEvent(uint64Caller),
		PacketResent:   events.NewEvent(uint64Caller),
		PeerAdded:      events.NewEvent(events.VoidCaller),
		PeerRemoved:    events.NewEvent(stringCaller),
		LoginDenied:    events.NewEvent(events.VoidCaller),
	}
}

// Events returns the events defined in the package.
func Events() *CollectionEvents {
	once.Do(func() {
		metricEvents = newEvents()
	})
	return metricEvents
}

func uint64Caller(handler interface{}, params ...interface{}) {
	handler.(func(uint64))(params[0].(uint64))
}

func stringCaller(handler interface{}, params ...interface{}) {
	handler.(func(string))(params[0].(string))
}
