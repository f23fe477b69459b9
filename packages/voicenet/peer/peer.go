package peer

import (
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"go.uber.org/atomic"

	"github.com/elevengr/voicecraft/packages/voicenet/packet"
)

const (
	// ResendTime is the delay before the first retransmission of a reliable packet.
	ResendTime = 200 * time.Millisecond
	// RetryResendTime is the delay between retransmissions after the first.
	RetryResendTime = 500 * time.Millisecond
	// MaxSendRetries is the number of retransmissions after which a peer is
	// considered unreachable.
	MaxSendRetries = 20
	// MaxRecvBufferSize is the capacity of the per-peer reorder buffer.
	MaxRecvBufferSize = 30
)

// A Peer holds the reliability and ordering state for one remote endpoint.
//
// The peer is safe for concurrent use by the ingress reader (Ingest), the
// application (Enqueue), the tick (TickResends) and the egress drainer
// (PopSend). The 32-bit send counter bounds a session to ~4 billion reliable
// packets per peer; sequence comparisons do not wrap.
type Peer struct {
	log    *logger.Logger
	Events *Events

	connected atomic.Bool
	disposed  atomic.Bool
	closing   chan struct{}

	// identityMu guards endpoint, id and key; the id is rewritten once on the
	// client side when the Accept carries the assigned identity.
	identityMu sync.RWMutex
	endpoint   string
	id         ID
	key        int16

	sendSeq atomic.Uint32

	sendMu    sync.Mutex
	sendQueue []*packet.Packet
	sendWake  chan struct{}

	relMu    sync.Mutex
	relQueue map[uint32]*packet.Packet

	// recvMu serializes the Ingest critical section (buffer insert → drain)
	// and with it the emission order of reliable packets.
	recvMu      sync.Mutex
	expectedSeq uint32
	recvBuffer  map[uint32]*packet.Packet

	lastActive atomic.Value // time.Time
}

// New creates a peer for the given remote endpoint with a freshly generated
// id and key.
func New(endpoint string, log *logger.Logger) *Peer {
	p := &Peer{
		id:         randomID(),
		key:        randomKey(),
		endpoint:   endpoint,
		Events:     newEvents(),
		closing:    make(chan struct{}),
		sendWake:   make(chan struct{}, 1),
		relQueue:   make(map[uint32]*packet.Packet),
		recvBuffer: make(map[uint32]*packet.Packet),
	}
	p.log = log.With("id", p.id)
	p.lastActive.Store(time.Now())

	return p
}

// ID returns the private identifier of the peer.
func (p *Peer) ID() ID {
	p.identityMu.RLock()
	defer p.identityMu.RUnlock()
	return p.id
}

// Key returns the public 16-bit handle of the peer.
func (p *Peer) Key() int16 {
	p.identityMu.RLock()
	defer p.identityMu.RUnlock()
	return p.key
}

// AdoptIdentity installs the identity assigned by the remote Accept and marks
// the peer connected; this is the client half of the handshake. Like
// AcceptLogin it is idempotent.
func (p *Peer) AdoptIdentity(id ID, key int16) error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	p.identityMu.Lock()
	p.id = id
	p.key = key
	p.identityMu.Unlock()

	if p.connected.CAS(false, true) {
		p.Events.Connected.Trigger()
	}

	return nil
}

// Connected reports whether the peer has completed the handshake.
func (p *Peer) Connected() bool { return p.connected.Load() }

// Closing returns a channel that is closed when the peer is disposed. Loops
// observing the peer select on it to terminate promptly.
func (p *Peer) Closing() <-chan struct{} { return p.closing }

// Endpoint returns the current remote address of the peer.
func (p *Peer) Endpoint() string {
	p.identityMu.RLock()
	defer p.identityMu.RUnlock()
	return p.endpoint
}

// SetEndpoint rewrites the remote address, e.g. after the same id shows up
// from a new source because of NAT rebinding.
func (p *Peer) SetEndpoint(endpoint string) {
	p.identityMu.Lock()
	defer p.identityMu.Unlock()
	p.endpoint = endpoint
}

// LastActive returns the time the last inbound packet was accepted.
func (p *Peer) LastActive() time.Time {
	return p.lastActive.Load().(time.Time)
}

// MarkActive records inbound activity that bypasses Ingest, such as acks.
func (p *Peer) MarkActive() {
	if !p.disposed.Load() {
		p.lastActive.Store(time.Now())
	}
}

// Enqueue queues a packet for transmission. Reliable packets are assigned the
// next send sequence number and tracked until acknowledged.
func (p *Peer) Enqueue(pkt *packet.Packet) error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	if pkt.ID == packet.NoID {
		pkt.ID = int64(p.ID())
	}

	if pkt.Reliable {
		seq := p.sendSeq.Inc() - 1
		pkt.Sequence = seq
		pkt.ResendTime = time.Now().Add(ResendTime)

		p.relMu.Lock()
		if _, exists := p.relQueue[seq]; !exists {
			p.relQueue[seq] = pkt
		}
		p.relMu.Unlock()
	}

	p.pushSend(pkt)

	return nil
}

// Ingest processes an inbound packet. It reports false when the reorder
// buffer is saturated with out-of-order arrivals; the host decides the policy
// then (the suggested one is eviction).
func (p *Peer) Ingest(pkt *packet.Packet) (bool, error) {
	if p.disposed.Load() {
		return false, ErrDisposed
	}

	p.lastActive.Store(time.Now())

	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	if len(p.recvBuffer) >= MaxRecvBufferSize && pkt.Sequence != p.expectedSeq {
		p.log.Warnw("reorder buffer saturated", "sequence", pkt.Sequence, "expected", p.expectedSeq)
		return false, nil
	}

	// Unreliable packets bypass ordering entirely.
	if !pkt.Reliable {
		p.Events.PacketReceived.Trigger(pkt)
		return true, nil
	}

	// Stale sequences are dropped before insertion, duplicates are not
	// overwritten; both are still acknowledged below.
	if pkt.Sequence >= p.expectedSeq {
		if _, exists := p.recvBuffer[pkt.Sequence]; !exists {
			p.recvBuffer[pkt.Sequence] = pkt
		}
	}

	if err := p.Enqueue(packet.NewAck(int64(p.ID()), pkt.Sequence)); err != nil {
		return false, err
	}

	// Drain until no progress is made; only the entry at expectedSeq advances
	// the counter, so any scan order converges to the same delivery order.
	for progress := true; progress; {
		progress = false
		for seq, buffered := range p.recvBuffer {
			switch {
			case seq == p.expectedSeq:
				delete(p.recvBuffer, seq)
				p.expectedSeq++
				p.Events.PacketReceived.Trigger(buffered)
				progress = true
			case seq < p.expectedSeq:
				delete(p.recvBuffer, seq)
			}
		}
	}

	return true, nil
}

// TickResends retransmits every tracked reliable packet whose deadline has
// passed. It reports whether any packet has exhausted MaxSendRetries, which
// the host treats as a terminal peer failure.
func (p *Peer) TickResends(now time.Time) (exhausted bool, err error) {
	if p.disposed.Load() {
		return false, ErrDisposed
	}

	var resend []*packet.Packet

	p.relMu.Lock()
	for _, pkt := range p.relQueue {
		if pkt.ResendTime.After(now) {
			continue
		}
		pkt.ResendTime = now.Add(RetryResendTime)
		pkt.Retries++
		if pkt.Retries >= MaxSendRetries {
			exhausted = true
		}
		resend = append(resend, pkt)
	}
	p.relMu.Unlock()

	for _, pkt := range resend {
		p.pushSend(pkt)
	}

	return exhausted, nil
}

// Acknowledge stops retransmission of the given sequence number. Unknown
// sequence numbers are ignored.
func (p *Peer) Acknowledge(seq uint32) error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	p.relMu.Lock()
	delete(p.relQueue, seq)
	p.relMu.Unlock()

	return nil
}

// AcceptLogin transitions the peer to connected and queues the Accept packet
// carrying its id and key. Repeated calls are no-ops.
func (p *Peer) AcceptLogin() error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	if !p.connected.CAS(false, true) {
		return nil
	}

	if err := p.Enqueue(packet.NewAccept(int64(p.ID()), p.Key())); err != nil {
		return err
	}
	p.log.Debugw("login accepted", "key", p.Key())
	p.Events.Connected.Trigger()

	return nil
}

// Reset clears all queues and zeroes both sequence counters. Identity,
// endpoint and the connected flag are untouched.
func (p *Peer) Reset() error {
	if p.disposed.Load() {
		return ErrDisposed
	}

	p.sendMu.Lock()
	p.sendQueue = nil
	p.sendMu.Unlock()

	p.relMu.Lock()
	p.relQueue = make(map[uint32]*packet.Packet)
	p.relMu.Unlock()

	p.recvMu.Lock()
	p.recvBuffer = make(map[uint32]*packet.Packet)
	p.expectedSeq = 0
	p.recvMu.Unlock()

	p.sendSeq.Store(0)

	return nil
}

// Dispose terminates the peer: the closing channel is closed, all queues are
// cleared and every event handler is detached. All subsequent operations
// return ErrDisposed.
func (p *Peer) Dispose() {
	if p.disposed.Swap(true) {
		return
	}

	close(p.closing)
	p.connected.Store(false)

	p.sendMu.Lock()
	p.sendQueue = nil
	p.sendMu.Unlock()

	p.relMu.Lock()
	p.relQueue = make(map[uint32]*packet.Packet)
	p.relMu.Unlock()

	p.recvMu.Lock()
	p.recvBuffer = make(map[uint32]*packet.Packet)
	p.recvMu.Unlock()

	p.Events.PacketReceived.DetachAll()
	p.Events.Connected.DetachAll()
}

// PopSend removes and returns the next packet awaiting transmission.
func (p *Peer) PopSend() (*packet.Packet, bool) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if len(p.sendQueue) == 0 {
		return nil, false
	}
	pkt := p.sendQueue[0]
	p.sendQueue = p.sendQueue[1:]

	return pkt, true
}

// SendSignal returns the channel that is signalled whenever the send queue
// becomes non-empty.
func (p *Peer) SendSignal() <-chan struct{} { return p.sendWake }

// SendQueueSize returns the number of packets awaiting transmission.
func (p *Peer) SendQueueSize() int {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return len(p.sendQueue)
}

// PendingResends returns the number of reliable packets awaiting an ack.
func (p *Peer) PendingResends() int {
	p.relMu.Lock()
	defer p.relMu.Unlock()
	return len(p.relQueue)
}

// Buffered returns the number of out-of-order packets held in the reorder buffer.
func (p *Peer) Buffered() int {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return len(p.recvBuffer)
}

func (p *Peer) pushSend(pkt *packet.Packet) {
	p.sendMu.Lock()
	p.sendQueue = append(p.sendQueue, pkt)
	p.sendMu.Unlock()

	select {
	case p.sendWake <- struct{}{}:
	default:
	}
}
