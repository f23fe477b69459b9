package server

import (
	"runtime"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/events"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/workerpool"
	"github.com/pkg/errors"

	"github.com/elevengr/voicecraft/packages/metrics"
	"github.com/elevengr/voicecraft/packages/ratelimiter"
	"github.com/elevengr/voicecraft/packages/voicenet/packet"
	"github.com/elevengr/voicecraft/packages/voicenet/peer"
	"github.com/elevengr/voicecraft/packages/voicenet/transport"
)

var (
	inboundWorkerCount     = runtime.GOMAXPROCS(0) * 2
	inboundWorkerQueueSize = 1000
)

// Server hosts the voice transport on a datagram channel: it demultiplexes
// inbound datagrams onto peers, drains their send queues, drives the
// resend/liveness tick and runs the login handshake.
type Server struct {
	trans  transport.Transport
	config Config
	log    *logger.Logger
	events Events

	limiter           *ratelimiter.EndpointLimiter
	inboundWorkerPool *workerpool.WorkerPool

	mu          sync.RWMutex
	peersByAddr map[string]*peer.Peer
	peersByID   map[peer.ID]*peer.Peer

	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   chan struct{}
}

// Listen starts a voice server on the given transport.
func Listen(trans transport.Transport, config Config, log *logger.Logger) (*Server, error) {
	s := &Server{
		trans:       trans,
		config:      config.withDefaults(),
		log:         log,
		events:      newEvents(),
		peersByAddr: make(map[string]*peer.Peer),
		peersByID:   make(map[peer.ID]*peer.Peer),
		closing:     make(chan struct{}),
	}

	if s.config.RateLimit > 0 {
		limiter, err := ratelimiter.NewEndpointLimiter(s.config.RateLimitInterval, s.config.RateLimit, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create rate limiter")
		}
		limiter.HitEvent().Attach(events.NewClosure(func(endpoint string, limit *ratelimiter.RateLimit) {
			if p := s.peerByEndpoint(endpoint); p != nil {
				s.evict(p, ReasonRateLimit)
			}
		}))
		s.limiter = limiter
	}

	s.inboundWorkerPool = workerpool.New(func(task workerpool.Task) {
		s.handleDatagram(task.Param(0).([]byte), task.Param(1).(string))

		task.Return(nil)
	}, workerpool.WorkerCount(inboundWorkerCount), workerpool.QueueSize(inboundWorkerQueueSize))
	s.inboundWorkerPool.Start()

	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop()

	return s, nil
}

// Close shuts the server down, evicting every peer with ReasonShutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)

		// notify peers while the transport is still writable
		for _, p := range s.allPeers() {
			s.evict(p, ReasonShutdown)
		}

		s.trans.Close()
		s.wg.Wait()
		s.inboundWorkerPool.Stop()
		if s.limiter != nil {
			s.limiter.Close()
		}
	})
}

// Events returns the server events.
func (s *Server) Events() Events { return s.events }

// LocalAddr returns the address the server receives on.
func (s *Server) LocalAddr() string { return s.trans.LocalAddr() }

// Peer returns the tracked peer with the given id.
func (s *Server) Peer(id peer.ID) *peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peersByID[id]
}

// Peers returns all currently tracked peers.
func (s *Server) Peers() []*peer.Peer {
	return s.allPeers()
}

// Connect initiates the handshake with a remote host: it registers a peer
// for the endpoint and queues a Login. The returned peer becomes connected
// once the remote's Accept arrives.
func (s *Server) Connect(remoteAddr string) (*peer.Peer, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	p := s.addPeer(remoteAddr)
	if p == nil {
		return nil, ErrClosed
	}
	if err := p.Enqueue(packet.NewLogin(packet.NoID, packet.NoKey)); err != nil {
		return nil, ErrUnknownPeer
	}

	return p, nil
}

// Send queues a packet on the given peer.
func (s *Server) Send(p *peer.Peer, pkt *packet.Packet) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	if err := p.Enqueue(pkt); err != nil {
		// a disposed peer is no longer tracked by the server
		return ErrUnknownPeer
	}
	return nil
}

// Broadcast queues a copy of the packet on every tracked peer.
func (s *Server) Broadcast(pkt *packet.Packet) {
	for _, p := range s.allPeers() {
		cp := *pkt
		_ = p.Enqueue(&cp)
	}
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	for {
		data, fromAddr, err := s.trans.ReadFrom()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				s.log.Warnw("read error", "err", err)
			}
			s.log.Debug("reading stopped")
			return
		}

		if _, added := s.inboundWorkerPool.TrySubmit(data, fromAddr); !added {
			s.log.Debugw("inbound queue full, dropping datagram", "from", fromAddr)
		}
	}
}

func (s *Server) handleDatagram(data []byte, fromAddr string) {
	pkt, err := packet.FromBytes(data)
	if err != nil {
		// a bad datagram is dropped without touching any peer state
		s.log.Debugw("bad datagram", "from", fromAddr, "err", err)
		return
	}
	metrics.Events().PacketReceived.Trigger(uint64(len(data)))

	if s.limiter != nil {
		s.limiter.Count(fromAddr)
	}

	p := s.resolvePeer(pkt, fromAddr)
	if p == nil {
		if pkt.Type != packet.TypeLogin {
			s.log.Debugw("dropping packet from unknown source", "from", fromAddr, "type", pkt.Type)
			return
		}
		if p = s.addPeer(fromAddr); p == nil {
			return
		}
	}

	switch pkt.Type {
	case packet.TypeAck:
		p.MarkActive()
		_ = p.Acknowledge(pkt.Sequence)
		return
	case packet.TypeDeny:
		s.evict(p, ReasonDenied)
		return
	}

	accepted, err := p.Ingest(pkt)
	if err != nil {
		return // disposed concurrently
	}
	if !accepted {
		s.log.Infow("reorder buffer saturated, evicting peer", "id", p.ID(), "addr", fromAddr)
		s.evict(p, ReasonOverflow)
	}
}

// resolvePeer finds the peer a datagram belongs to: first by source address,
// then by the id carried in the packet. An id match from a new source
// rewrites the peer's endpoint so that clients survive NAT rebinding.
func (s *Server) resolvePeer(pkt *packet.Packet, fromAddr string) *peer.Peer {
	s.mu.RLock()
	p := s.peersByAddr[fromAddr]
	s.mu.RUnlock()
	if p != nil {
		return p
	}

	if pkt.ID == packet.NoID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p = s.peersByID[peer.ID(pkt.ID)]
	if p == nil {
		return nil
	}
	if oldAddr := p.Endpoint(); oldAddr != fromAddr {
		delete(s.peersByAddr, oldAddr)
		p.SetEndpoint(fromAddr)
		s.peersByAddr[fromAddr] = p
		s.log.Infow("peer endpoint rewritten", "id", p.ID(), "old", oldAddr, "new", fromAddr)
	}

	return p
}

// addPeer registers a new peer for a login from an unknown source.
func (s *Server) addPeer(fromAddr string) *peer.Peer {
	select {
	case <-s.closing:
		return nil
	default:
	}

	s.mu.Lock()
	if p := s.peersByAddr[fromAddr]; p != nil {
		s.mu.Unlock()
		return p
	}
	if s.config.MaxPeers > 0 && len(s.peersByAddr) >= s.config.MaxPeers {
		s.mu.Unlock()
		s.log.Infow("denying login, peer limit reached", "addr", fromAddr, "limit", s.config.MaxPeers)
		metrics.Events().LoginDenied.Trigger()
		_ = s.trans.WriteTo(packet.NewDeny(packet.NoID).Bytes(), fromAddr)
		return nil
	}

	p := peer.New(fromAddr, s.log)
	s.peersByAddr[fromAddr] = p
	s.peersByID[p.ID()] = p
	s.mu.Unlock()

	p.Events.PacketReceived.Attach(events.NewClosure(func(pkt *packet.Packet) {
		s.dispatch(p, pkt)
	}))
	p.Events.Connected.Attach(events.NewClosure(func() {
		s.events.PeerConnected.Trigger(p)
	}))

	s.wg.Add(1)
	go s.writeLoop(p)

	s.log.Infow("peer added", "id", p.ID(), "key", p.Key(), "addr", fromAddr)
	metrics.Events().PeerAdded.Trigger()

	return p
}

// dispatch translates emitted packets into lifecycle calls and forwards the
// rest to the application.
func (s *Server) dispatch(p *peer.Peer, pkt *packet.Packet) {
	switch pkt.Type {
	case packet.TypeLogin:
		_ = p.AcceptLogin()
	case packet.TypeAccept:
		s.adoptIdentity(p, peer.ID(pkt.ID), pkt.Key)
	case packet.TypeLogout:
		// the emission runs under the peer's receive lock, so evict aside
		go s.evict(p, ReasonLogout)
	default:
		s.events.PacketReceived.Trigger(p, pkt)
	}
}

// adoptIdentity installs the identity assigned by a remote Accept and re-keys
// the id index accordingly.
func (s *Server) adoptIdentity(p *peer.Peer, id peer.ID, key int16) {
	// only the initiating side of the handshake adopts an identity; an Accept
	// sent to an already connected peer is ignored
	if id == peer.NoID || p.Connected() {
		return
	}

	oldID := p.ID()
	if err := p.AdoptIdentity(id, key); err != nil {
		return
	}

	s.mu.Lock()
	if s.peersByID[oldID] == p {
		delete(s.peersByID, oldID)
		s.peersByID[id] = p
	}
	s.mu.Unlock()
}

func (s *Server) evict(p *peer.Peer, reason DisconnectReason) {
	s.mu.Lock()
	tracked := s.peersByAddr[p.Endpoint()] == p
	if tracked {
		delete(s.peersByAddr, p.Endpoint())
		delete(s.peersByID, p.ID())
	}
	s.mu.Unlock()
	if !tracked {
		return
	}

	// deliberate evictions tell the remote it is gone
	switch reason {
	case ReasonOverflow, ReasonRateLimit, ReasonShutdown:
		_ = s.trans.WriteTo(packet.NewDeny(int64(p.ID())).Bytes(), p.Endpoint())
	}

	p.Dispose()

	s.log.Infow("peer evicted", "id", p.ID(), "reason", reason)
	metrics.Events().PeerRemoved.Trigger(reason.String())
	s.events.PeerDisconnected.Trigger(p, reason)
}

func (s *Server) writeLoop(p *peer.Peer) {
	defer s.wg.Done()

	for {
		for {
			pkt, ok := p.PopSend()
			if !ok {
				break
			}

			data := pkt.Bytes()
			if err := s.trans.WriteTo(data, p.Endpoint()); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return
				}
				s.log.Debugw("write failed", "id", p.ID(), "err", err)
				continue
			}

			metrics.Events().PacketSent.Trigger(uint64(len(data)))
			if pkt.Retries > 0 {
				metrics.Events().PacketResent.Trigger(uint64(len(data)))
			}
		}

		select {
		case <-p.SendSignal():
		case <-p.Closing():
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Server) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			for _, p := range s.allPeers() {
				exhausted, err := p.TickResends(now)
				if err != nil {
					continue
				}
				if exhausted {
					s.log.Infow("retries exhausted", "id", p.ID())
					s.evict(p, ReasonUnreachable)
					continue
				}
				if now.Sub(p.LastActive()) > s.config.LivenessWindow {
					s.evict(p, ReasonTimeout)
				}
			}
		}
	}
}

func (s *Server) allPeers() []*peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*peer.Peer, 0, len(s.peersByAddr))
	for _, p := range s.peersByAddr {
		result = append(result, p)
	}
	return result
}

func (s *Server) peerByEndpoint(endpoint string) *peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peersByAddr[endpoint]
}
