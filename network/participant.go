package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/quick-decision/discovery"
	"github.com/luca-patrignani/quick-decision/identity"
)

var errRejected = errors.New("invitation rejected")

type sighting struct {
	announcement Announcement
	lastSeen     time.Time
}

func (t *Transport) startDiscovering(s *epochState) error {
	entries, scanner, err := t.opts.beacon.Scan(s.serviceID)
	if err != nil {
		return fmt.Errorf("scanning for hosts: %w", err)
	}
	if !t.track(s, scanner) {
		return nil
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		t.scanLoop(s, entries)
	}()
	go func() {
		defer s.wg.Done()
		t.sweepLoop(s)
	}()
	t.opts.logger.Info("searching for hosts", "service", s.serviceID)
	return nil
}

func (t *Transport) scanLoop(s *epochState, entries <-chan discovery.Entry) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			a, err := parseAnnouncement(entry.Info)
			if err != nil || a.ServiceID != s.serviceID || a.PeerID == t.self.ID || a.PeerID == uuid.Nil {
				continue
			}
			t.sighted(s, a)
		}
	}
}

// sighted records an announcement and invites the host when this device is
// not part of a session yet.
func (t *Transport) sighted(s *epochState, a Announcement) {
	t.mu.Lock()
	if s.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	_, known := s.found[a.PeerID]
	s.found[a.PeerID] = sighting{announcement: a, lastSeen: t.opts.clock.Now()}
	invite := s.hub == nil && !s.pending
	if invite {
		s.pending = true
		s.wg.Add(1)
	}
	t.mu.Unlock()

	if !known {
		t.opts.logger.Debug("host found", "peer", a.Name, "address", a.Address)
		t.emit(s, Event{Kind: EventPeerFound, Peer: identity.Peer{ID: a.PeerID, Name: a.Name}})
	}
	if invite {
		go func() {
			defer s.wg.Done()
			t.invite(s, a.Address, a.Fingerprint)
		}()
	}
}

// sweepLoop reports hosts whose announcements stopped.
func (t *Transport) sweepLoop(s *epochState) {
	lostAfter := lostAfterAnnouncements * t.opts.announceEvery
	ticker := t.opts.clock.NewTicker(t.opts.announceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
		}
		now := t.opts.clock.Now()
		var lost []identity.Peer
		t.mu.Lock()
		for id, seen := range s.found {
			if now.Sub(seen.lastSeen) > lostAfter {
				delete(s.found, id)
				lost = append(lost, identity.Peer{ID: id, Name: seen.announcement.Name})
			}
		}
		t.mu.Unlock()
		for _, p := range lost {
			t.opts.logger.Debug("host lost", "peer", p.Name)
			t.emit(s, Event{Kind: EventPeerLost, Peer: p})
		}
	}
}

// Invite asks the host listening at address to admit this device. It is the
// manual counterpart of discovery, for networks where multicast does not
// work; the transport must be discovering and not already in a session.
// An empty fingerprint trusts the host's certificate on first use.
func (t *Transport) Invite(address, fingerprint string) {
	t.mu.Lock()
	s := t.cur
	if s.mode != ModeDiscovering || s.hub != nil || s.pending || s.ctx.Err() != nil {
		t.mu.Unlock()
		t.opts.logger.Warn("cannot invite now", "address", address, "mode", s.mode)
		return
	}
	s.pending = true
	s.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer s.wg.Done()
		t.invite(s, address, fingerprint)
	}()
}

// invite dials a host and performs the hello/welcome handshake. An invitation
// that fails, is rejected or times out is abandoned; a later announcement of
// the same host starts a new one.
func (t *Transport) invite(s *epochState, address, fingerprint string) {
	ctx, cancel := clockwork.WithTimeout(s.ctx, t.opts.clock, t.opts.inviteTimeout)
	defer cancel()
	hub, host, members, err := t.handshake(ctx, address, fingerprint)
	if err != nil {
		t.mu.Lock()
		s.pending = false
		t.mu.Unlock()
		t.opts.logger.Info("invitation abandoned", "address", address, "error", err)
		return
	}

	t.mu.Lock()
	s.pending = false
	if s.ctx.Err() != nil {
		t.mu.Unlock()
		hub.close()
		return
	}
	s.hub = hub
	s.hubPeer = host
	connected := []identity.Peer{host}
	s.members[host.ID] = host
	for _, m := range members {
		if m.ID == t.self.ID {
			continue
		}
		if _, ok := s.members[m.ID]; !ok {
			s.members[m.ID] = m
			connected = append(connected, m)
		}
	}
	s.wg.Add(1)
	t.mu.Unlock()

	t.opts.logger.Info("joined session", "host", host.Name, "members", len(connected))
	for _, p := range connected {
		t.emit(s, Event{Kind: EventPeerConnected, Peer: p})
	}
	go hub.writePump()
	go func() {
		defer s.wg.Done()
		hub.readPump(func(f frame) { t.participantReceive(s, f) })
		t.dropHub(s, hub)
	}()
}

func (t *Transport) handshake(ctx context.Context, address, fingerprint string) (*link, identity.Peer, []identity.Peer, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  pinnedTLSConfig(fingerprint),
		HandshakeTimeout: t.opts.inviteTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, "wss://"+address+sessionPath, nil)
	if err != nil {
		return nil, identity.Peer{}, nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	self := t.self
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Kind: frameHello, Peer: &self}); err != nil {
		stop()
		conn.Close()
		return nil, identity.Peer{}, nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(t.opts.inviteTimeout))
	var reply frame
	err = conn.ReadJSON(&reply)
	if !stop() {
		conn.Close()
		return nil, identity.Peer{}, nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, identity.Peer{}, nil, err
	}
	switch {
	case reply.Kind == frameReject:
		conn.Close()
		return nil, identity.Peer{}, nil, fmt.Errorf("%w: %s", errRejected, reply.Reason)
	case reply.Kind != frameWelcome || reply.Peer == nil:
		conn.Close()
		return nil, identity.Peer{}, nil, fmt.Errorf("unexpected %q frame during handshake", reply.Kind)
	}
	return newLink(*reply.Peer, conn, t.opts.logger), *reply.Peer, reply.Members, nil
}

func (t *Transport) participantReceive(s *epochState, f frame) {
	switch f.Kind {
	case frameJoin:
		if f.Peer == nil || f.Peer.ID == t.self.ID {
			return
		}
		t.mu.Lock()
		_, known := s.members[f.Peer.ID]
		if !known {
			s.members[f.Peer.ID] = *f.Peer
		}
		t.mu.Unlock()
		if !known {
			t.emit(s, Event{Kind: EventPeerConnected, Peer: *f.Peer})
		}
	case frameLeave:
		if f.Peer == nil {
			return
		}
		t.mu.Lock()
		_, known := s.members[f.Peer.ID]
		delete(s.members, f.Peer.ID)
		t.mu.Unlock()
		if known {
			t.emit(s, Event{Kind: EventPeerDisconnected, Peer: *f.Peer})
		}
	case frameData:
		t.mu.Lock()
		from := s.hubPeer
		if f.From != nil {
			if m, ok := s.members[f.From.ID]; ok {
				from = m
			} else {
				from = *f.From
			}
		}
		t.mu.Unlock()
		t.emit(s, Event{Kind: EventMessage, Peer: from, Payload: f.Payload})
	}
}

// dropHub forgets the host and every member learned through it.
func (t *Transport) dropHub(s *epochState, hub *link) {
	t.mu.Lock()
	if s.hub != hub {
		t.mu.Unlock()
		return
	}
	s.hub = nil
	gone := []identity.Peer{s.hubPeer}
	for id, m := range s.members {
		if id != s.hubPeer.ID {
			gone = append(gone, m)
		}
	}
	s.members = make(map[uuid.UUID]identity.Peer)
	s.hubPeer = identity.Peer{}
	t.mu.Unlock()

	t.opts.logger.Info("left session", "host", gone[0].Name)
	for _, p := range gone {
		t.emit(s, Event{Kind: EventPeerDisconnected, Peer: p})
	}
}
