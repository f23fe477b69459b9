package server

import (
	"sync"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/events"
	"github.com/iotaledger/hive.go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevengr/voicecraft/packages/voicenet/packet"
	"github.com/elevengr/voicecraft/packages/voicenet/peer"
	"github.com/elevengr/voicecraft/packages/voicenet/transport"
)

var log = logger.NewExampleLogger("server")

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestServer(t *testing.T, net *transport.ChanNetwork, addr string, config Config) *Server {
	srv, err := Listen(net.CreateTransport(addr), config, log.Named(addr))
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

// reasonRecorder captures PeerDisconnected reasons.
type reasonRecorder struct {
	mu      sync.Mutex
	reasons []DisconnectReason
}

func recordReasons(srv *Server) *reasonRecorder {
	r := &reasonRecorder{}
	srv.Events().PeerDisconnected.Attach(events.NewClosure(func(_ *peer.Peer, reason DisconnectReason) {
		r.mu.Lock()
		r.reasons = append(r.reasons, reason)
		r.mu.Unlock()
	}))
	return r
}

func (r *reasonRecorder) first() (DisconnectReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reasons) == 0 {
		return 0, false
	}
	return r.reasons[0], true
}

// packetRecorder captures application packets.
type packetRecorder struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func recordPackets(srv *Server) *packetRecorder {
	r := &packetRecorder{}
	srv.Events().PacketReceived.Attach(events.NewClosure(func(_ *peer.Peer, pkt *packet.Packet) {
		r.mu.Lock()
		r.pkts = append(r.pkts, pkt)
		r.mu.Unlock()
	}))
	return r
}

func (r *packetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pkts)
}

func (r *packetRecorder) packets() []*packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*packet.Packet(nil), r.pkts...)
}

// connectPair runs the handshake between a host on "host" and a client on "client".
func connectPair(t *testing.T, net *transport.ChanNetwork, hostConfig Config) (host, client *Server, atHost, atClient *peer.Peer) {
	host = newTestServer(t, net, "host", hostConfig)
	client = newTestServer(t, net, "client", Config{})

	atClient, err := client.Connect("host")
	require.NoError(t, err)

	require.Eventually(t, atClient.Connected, waitFor, tick)
	require.Eventually(t, func() bool {
		peers := host.Peers()
		return len(peers) == 1 && peers[0].Connected()
	}, waitFor, tick)

	atHost = host.Peers()[0]
	return
}

func TestLoginHandshake(t *testing.T) {
	net := transport.NewChanNetwork()
	host, _, atHost, atClient := connectPair(t, net, Config{})

	// the client adopted the identity the host assigned
	assert.Equal(t, atHost.ID(), atClient.ID())
	assert.Equal(t, atHost.Key(), atClient.Key())
	assert.Equal(t, "client", atHost.Endpoint())

	assert.NotNil(t, host.Peer(atHost.ID()))
}

func TestReliableExchangeStaysOrdered(t *testing.T) {
	net := transport.NewChanNetwork()
	host, client, _, atClient := connectPair(t, net, Config{})
	received := recordPackets(host)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, client.Send(atClient, packet.New(packet.TypeUpdate, packet.NoID, []byte{byte(i)})))
	}

	require.Eventually(t, func() bool { return received.count() == n }, waitFor, tick)
	for i, pkt := range received.packets() {
		assert.Equal(t, packet.TypeUpdate, pkt.Type)
		assert.Equal(t, []byte{byte(i)}, pkt.Payload)
	}
}

func TestUnreliableExchange(t *testing.T) {
	net := transport.NewChanNetwork()
	host, client, _, atClient := connectPair(t, net, Config{})
	received := recordPackets(host)

	require.NoError(t, client.Send(atClient, packet.New(packet.TypeAudio, packet.NoID, []byte("pcm"))))

	require.Eventually(t, func() bool { return received.count() == 1 }, waitFor, tick)
	assert.Equal(t, packet.TypeAudio, received.packets()[0].Type)
}

func TestEndpointRewrite(t *testing.T) {
	net := transport.NewChanNetwork()
	host, _, atHost, _ := connectPair(t, net, Config{})
	received := recordPackets(host)

	roaming := net.CreateTransport("roaming")
	defer roaming.Close()

	// same session id, new source address
	pkt := packet.New(packet.TypeAudio, int64(atHost.ID()), []byte("moved"))
	require.NoError(t, roaming.WriteTo(pkt.Bytes(), "host"))

	require.Eventually(t, func() bool { return atHost.Endpoint() == "roaming" }, waitFor, tick)
	require.Eventually(t, func() bool { return received.count() == 1 }, waitFor, tick)
}

func TestDenyEvicts(t *testing.T) {
	net := transport.NewChanNetwork()
	host, client, _, atClient := connectPair(t, net, Config{})
	reasons := recordReasons(host)

	require.NoError(t, client.Send(atClient, packet.NewDeny(packet.NoID)))

	require.Eventually(t, func() bool {
		reason, ok := reasons.first()
		return ok && reason == ReasonDenied
	}, waitFor, tick)
	assert.Empty(t, host.Peers())
}

func TestLivenessEviction(t *testing.T) {
	net := transport.NewChanNetwork()
	host, _, _, _ := connectPair(t, net, Config{LivenessWindow: 100 * time.Millisecond})
	reasons := recordReasons(host)

	// the client goes silent after the handshake
	require.Eventually(t, func() bool {
		reason, ok := reasons.first()
		return ok && reason == ReasonTimeout
	}, waitFor, tick)
	assert.Empty(t, host.Peers())
}

func TestMaxPeersDeniesLogin(t *testing.T) {
	net := transport.NewChanNetwork()
	host := newTestServer(t, net, "host", Config{MaxPeers: 1})

	first := net.CreateTransport("first")
	defer first.Close()
	require.NoError(t, first.WriteTo(packet.NewLogin(packet.NoID, packet.NoKey).Bytes(), "host"))
	require.Eventually(t, func() bool { return len(host.Peers()) == 1 }, waitFor, tick)

	second := net.CreateTransport("second")
	defer second.Close()
	require.NoError(t, second.WriteTo(packet.NewLogin(packet.NoID, packet.NoKey).Bytes(), "host"))

	deny := awaitPacket(second, packet.TypeDeny)
	select {
	case <-deny:
	case <-time.After(waitFor):
		t.Fatal("expected a deny for the second login")
	}
	assert.Len(t, host.Peers(), 1)
}

func TestOverflowEvicts(t *testing.T) {
	net := transport.NewChanNetwork()
	host := newTestServer(t, net, "host", Config{})
	reasons := recordReasons(host)

	flooder := net.CreateTransport("flooder")
	defer flooder.Close()
	require.NoError(t, flooder.WriteTo(packet.NewLogin(packet.NoID, packet.NoKey).Bytes(), "host"))
	require.Eventually(t, func() bool { return len(host.Peers()) == 1 }, waitFor, tick)

	// the login consumed sequence 0; fill the reorder buffer with gaps
	for seq := uint32(2); seq < 2+peer.MaxRecvBufferSize; seq++ {
		pkt := packet.New(packet.TypeBind, packet.NoID, nil)
		pkt.Sequence = seq
		require.NoError(t, flooder.WriteTo(pkt.Bytes(), "host"))
	}
	overflow := packet.New(packet.TypeBind, packet.NoID, nil)
	overflow.Sequence = 2 + peer.MaxRecvBufferSize + 1
	require.NoError(t, flooder.WriteTo(overflow.Bytes(), "host"))

	require.Eventually(t, func() bool {
		reason, ok := reasons.first()
		return ok && reason == ReasonOverflow
	}, waitFor, tick)
	assert.Empty(t, host.Peers())
}

func TestRateLimitEvicts(t *testing.T) {
	net := transport.NewChanNetwork()
	host, client, _, atClient := connectPair(t, net, Config{
		RateLimit:         20,
		RateLimitInterval: time.Second,
	})
	reasons := recordReasons(host)

	for i := 0; i < 50; i++ {
		require.NoError(t, client.Send(atClient, packet.New(packet.TypeAudio, packet.NoID, []byte("pcm"))))
	}

	require.Eventually(t, func() bool {
		reason, ok := reasons.first()
		return ok && reason == ReasonRateLimit
	}, waitFor, tick)
}

func TestCloseEvictsWithShutdown(t *testing.T) {
	net := transport.NewChanNetwork()
	host, _, atHost, _ := connectPair(t, net, Config{})
	reasons := recordReasons(host)

	host.Close()

	reason, ok := reasons.first()
	require.True(t, ok)
	assert.Equal(t, ReasonShutdown, reason)
	assert.Empty(t, host.Peers())

	err := host.Send(atHost, packet.New(packet.TypeUpdate, packet.NoID, nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = host.Connect("client")
	assert.ErrorIs(t, err, ErrClosed)
}

// awaitPacket reads datagrams off the transport until one of the given kind
// arrives.
func awaitPacket(trans transport.Transport, kind packet.Type) <-chan *packet.Packet {
	found := make(chan *packet.Packet, 1)
	go func() {
		for {
			data, _, err := trans.ReadFrom()
			if err != nil {
				return
			}
			pkt, err := packet.FromBytes(data)
			if err != nil {
				continue
			}
			if pkt.Type == kind {
				found <- pkt
				return
			}
		}
	}()
	return found
}
