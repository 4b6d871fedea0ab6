package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/luca-patrignani/quick-decision/identity"
)

// Mode is what a Transport is currently doing.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAdvertising
	ModeDiscovering
)

func (m Mode) String() string {
	switch m {
	case ModeAdvertising:
		return "advertising"
	case ModeDiscovering:
		return "discovering"
	default:
		return "idle"
	}
}

const eventBufferSize = 256

// Transport connects this device to the other members of a decision session.
// All methods are safe for concurrent use and none of them blocks on the
// network: outcomes are reported on Events.
type Transport struct {
	self   identity.Peer
	opts   options
	events chan Event
	done   chan struct{}

	closeOnce sync.Once

	mu    sync.Mutex
	epoch uint64
	cur   *epochState
}

// epochState holds everything that belongs to one advertise or discover
// lifetime. Stop cancels it and starts a fresh one.
type epochState struct {
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mode      Mode
	serviceID string
	closers   []io.Closer

	// host side: one link per admitted participant
	links map[uuid.UUID]*link

	// participant side
	hub     *link
	hubPeer identity.Peer
	members map[uuid.UUID]identity.Peer
	pending bool
	found   map[uuid.UUID]sighting
}

// New returns an idle transport for the given identity.
func New(self identity.Peer, opts ...Option) *Transport {
	o := defaultOptions()
	for _, opt := range opts {
		o = opt(o)
	}
	if o.beacon == nil {
		o.beacon = MulticastBeacon{
			Port:     DefaultDiscoveryPort,
			Interval: o.announceEvery,
			Logger:   o.logger,
		}
	}
	t := &Transport{
		self:   self,
		opts:   o,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	t.cur = t.newEpoch()
	return t
}

func (t *Transport) newEpoch() *epochState {
	t.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	return &epochState{
		epoch:   t.epoch,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[uuid.UUID]*link),
		members: make(map[uuid.UUID]identity.Peer),
		found:   make(map[uuid.UUID]sighting),
	}
}

// Self returns the identity of this device.
func (t *Transport) Self() identity.Peer {
	return t.self
}

// Events returns the channel on which the transport reports what happens.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Epoch returns the current epoch. Events stamped with another epoch belong
// to a session that has been stopped.
func (t *Transport) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// Mode returns what the transport is currently doing.
func (t *Transport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.mode
}

// Peers returns the members of the session currently connected.
func (t *Transport) Peers() []identity.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.cur
	peers := []identity.Peer{}
	if s.mode == ModeAdvertising {
		for _, l := range s.links {
			peers = append(peers, l.peer)
		}
		return peers
	}
	for _, p := range s.members {
		peers = append(peers, p)
	}
	return peers
}

// Advertise makes this device the host of a session announced under
// serviceID. It returns immediately; calling it while advertising is a no-op.
func (t *Transport) Advertise(serviceID string) {
	t.begin(ModeAdvertising, serviceID, OpAdvertise, t.startAdvertising)
}

// Discover makes this device look for hosts announcing serviceID and join the
// first one that admits it. It returns immediately; calling it while
// discovering is a no-op.
func (t *Transport) Discover(serviceID string) {
	t.begin(ModeDiscovering, serviceID, OpDiscover, t.startDiscovering)
}

func (t *Transport) begin(mode Mode, serviceID, op string, start func(*epochState) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.cur
	if s.mode == mode {
		return
	}
	if s.mode != ModeIdle {
		t.opts.logger.Warn("transport busy, stop it before switching mode", "mode", s.mode, "requested", mode)
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	s.mode = mode
	s.serviceID = serviceID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.keepTrying(s, op, start)
	}()
}

// Stop tears down the advertisement or scan and every link, and forgets all
// peers. It is safe to call in any state, including before any start.
func (t *Transport) Stop() {
	t.mu.Lock()
	s := t.cur
	s.cancel()
	t.cur = t.newEpoch()
	closers := s.closers
	s.closers = nil
	links := make([]*link, 0, len(s.links)+1)
	for _, l := range s.links {
		links = append(links, l)
	}
	if s.hub != nil {
		links = append(links, s.hub)
	}
	t.mu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	for _, l := range links {
		l.close()
	}
	s.wg.Wait()
	if err := errors.Join(errs...); err != nil {
		t.opts.logger.Debug("error while stopping transport", "error", err)
	}
}

// Close stops the transport for good.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.Stop()
	})
	return nil
}

// Send delivers payload to the given members of the session, or to all of
// them when none is given. Failures are reported as EventSendFailed.
func (t *Transport) Send(payload []byte, to ...identity.Peer) {
	t.mu.Lock()
	s := t.cur
	var failures []Event
	switch {
	case s.mode == ModeAdvertising:
		failures = t.sendAsHost(s, payload, to)
	case s.hub != nil:
		f := frame{Kind: frameData, Payload: payload}
		for _, p := range to {
			f.To = append(f.To, p.ID)
		}
		if err := s.hub.enqueue(f); err != nil {
			failures = append(failures, Event{Kind: EventSendFailed, Peer: s.hubPeer, Err: err})
		}
	default:
		failures = append(failures, Event{Kind: EventSendFailed, Err: errNotConnected})
	}
	t.mu.Unlock()

	for _, e := range failures {
		t.opts.logger.Warn("send failed", "peer", e.Peer.Name, "error", e.Err)
		// Send is usually called by the consumer of Events, so the failure
		// must not be emitted synchronously.
		t.emitAsync(s, e)
	}
}

// sendAsHost must be called with t.mu held.
func (t *Transport) sendAsHost(s *epochState, payload []byte, to []identity.Peer) []Event {
	self := t.self
	f := frame{Kind: frameData, From: &self, Payload: payload}
	var failures []Event
	if len(to) == 0 {
		if len(s.links) == 0 {
			return []Event{{Kind: EventSendFailed, Err: errNotConnected}}
		}
		for _, l := range s.links {
			if err := l.enqueue(f); err != nil {
				failures = append(failures, Event{Kind: EventSendFailed, Peer: l.peer, Err: err})
			}
		}
		return failures
	}
	for _, p := range to {
		l, ok := s.links[p.ID]
		if !ok {
			failures = append(failures, Event{Kind: EventSendFailed, Peer: p, Err: errUnknownReceiver})
			continue
		}
		if err := l.enqueue(f); err != nil {
			failures = append(failures, Event{Kind: EventSendFailed, Peer: p, Err: err})
		}
	}
	return failures
}

// emit delivers e unless the epoch it belongs to has been stopped.
func (t *Transport) emit(s *epochState, e Event) {
	if s.ctx.Err() != nil {
		return
	}
	e.Epoch = s.epoch
	select {
	case t.events <- e:
	case <-s.ctx.Done():
	case <-t.done:
	}
}

func (t *Transport) emitAsync(s *epochState, e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.emit(s, e)
	}()
}

// keepTrying runs start until it succeeds or the epoch is stopped, waiting
// the retry backoff between attempts.
func (t *Transport) keepTrying(s *epochState, op string, start func(*epochState) error) {
	for {
		err := start(s)
		if s.ctx.Err() != nil {
			return
		}
		if err == nil {
			t.emit(s, Event{Kind: EventAvailable})
			return
		}
		t.opts.logger.Warn("transport start failed, retrying", "op", op, "backoff", t.opts.retryBackoff, "error", err)
		t.emit(s, Event{Kind: EventUnavailable, Err: &UnavailableError{Op: op, Err: err}})
		select {
		case <-s.ctx.Done():
			return
		case <-t.opts.clock.After(t.opts.retryBackoff):
		}
	}
}

// track registers a resource to release on Stop. When the epoch is already
// stopped the resource is closed immediately and false is returned.
func (t *Transport) track(s *epochState, c io.Closer) bool {
	t.mu.Lock()
	if s.ctx.Err() == nil {
		s.closers = append(s.closers, c)
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()
	c.Close()
	return false
}

// outboundHost returns the IP of the interface used to reach the local
// network, falling back to the loopback address.
func outboundHost() string {
	conn, err := net.Dial("udp4", "239.0.0.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
