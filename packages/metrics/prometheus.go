package metrics

import (
	"github.com/iotaledger/hive.go/events"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPrometheus creates the Prometheus collectors of the voice transport
// on the given registry and attaches them to the collection events. It is
// meant to be called once by the daemon when the metrics endpoint is enabled.
func RegisterPrometheus(registry *prometheus.Registry) {
	receivedBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_received_bytes_total",
		Help: "Total bytes of decoded inbound datagrams.",
	})
	receivedPackets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_received_packets_total",
		Help: "Total number of decoded inbound datagrams.",
	})
	sentBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_sent_bytes_total",
		Help: "Total bytes of transmitted datagrams.",
	})
	sentPackets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_sent_packets_total",
		Help: "Total number of transmitted datagrams.",
	})
	resentPackets := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_resent_packets_total",
		Help: "Total number of retransmitted reliable packets.",
	})
	peers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voicecraft_peers",
		Help: "Number of currently tracked peers.",
	})
	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecraft_peer_evictions_total",
		Help: "Total number of peer evictions by reason.",
	}, []string{"reason"})
	loginsDenied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voicecraft_logins_denied_total",
		Help: "Total number of refused logins.",
	})

	registry.MustRegister(receivedBytes, receivedPackets, sentBytes, sentPackets, resentPackets, peers, evictions, loginsDenied)

	Events().PacketReceived.Attach(events.NewClosure(func(size uint64) {
		receivedBytes.Add(float64(size))
		receivedPackets.Inc()
	}))
	Events().PacketSent.Attach(events.NewClosure(func(size uint64) {
		sentBytes.Add(float64(size))
		sentPackets.Inc()
	}))
	Events().PacketResent.Attach(events.NewClosure(func(size uint64) {
		resentPackets.Inc()
	}))
	Events().PeerAdded.Attach(events.NewClosure(func() {
		peers.Inc()
	}))
	Events().PeerRemoved.Attach(events.NewClosure(func(reason string) {
		peers.Dec()
		evictions.WithLabelValues(reason).Inc()
	}))
	Events().LoginDenied.Attach(events.NewClosure(func() {
		loginsDenied.Inc()
	}))
}
