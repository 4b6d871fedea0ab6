package network

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luca-patrignani/quick-decision/identity"
)

const sessionPath = "/session"

// startAdvertising opens the TLS listener and starts announcing it.
func (t *Transport) startAdvertising(s *epochState) error {
	host := t.opts.advertiseHost
	if host == "" {
		host = outboundHost()
	}
	cert, fingerprint, err := GenerateSelfSignedCert(host)
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}
	l, err := net.Listen("tcp", t.opts.listenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.opts.listenAddress, err)
	}
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		l.Close()
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, func(w http.ResponseWriter, r *http.Request) {
		t.serveSession(s, w, r)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.opts.inviteTimeout,
	}
	tlsListener := tls.NewListener(l, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	})
	if !t.track(s, server) {
		l.Close()
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.opts.logger.Warn("session server stopped", "error", err)
		}
	}()

	info, err := json.Marshal(Announcement{
		ServiceID:   s.serviceID,
		PeerID:      t.self.ID,
		Name:        t.self.Name,
		Address:     net.JoinHostPort(host, port),
		Fingerprint: fingerprint,
	})
	if err != nil {
		return err
	}
	announcer, err := t.opts.beacon.Announce(s.serviceID, info)
	if err != nil {
		t.untrackAndClose(s, server)
		return fmt.Errorf("announcing presence: %w", err)
	}
	t.track(s, announcer)
	t.opts.logger.Info("advertising session", "service", s.serviceID, "address", net.JoinHostPort(host, port))
	return nil
}

func (t *Transport) untrackAndClose(s *epochState, server *http.Server) {
	t.mu.Lock()
	for i, c := range s.closers {
		if c == server {
			s.closers = append(s.closers[:i], s.closers[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	server.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveSession handles an invitation: it reads the participant's hello,
// admits or rejects it and then serves the link.
func (t *Transport) serveSession(s *epochState, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.opts.logger.Debug("invitation upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(t.opts.inviteTimeout))
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Kind != frameHello || hello.Peer == nil {
		t.opts.logger.Debug("invalid invitation", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	peer := *hello.Peer

	accepted := t.opts.accept(peer)
	l, members, reason := t.admit(s, peer, conn, accepted)
	if l == nil {
		t.opts.logger.Info("invitation rejected", "peer", peer.Name, "reason", reason)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteJSON(frame{Kind: frameReject, Reason: reason})
		conn.Close()
		return
	}
	self := t.self
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame{Kind: frameWelcome, Peer: &self, Members: members}); err != nil {
		t.opts.logger.Debug("welcome failed", "peer", peer.Name, "error", err)
		l.close()
	}
	t.opts.logger.Info("invitation accepted", "peer", peer.Name)
	t.relay(s, l, frame{Kind: frameJoin, Peer: &peer})
	t.emit(s, Event{Kind: EventPeerConnected, Peer: peer})

	go l.writePump()
	go func() {
		defer s.wg.Done()
		l.readPump(func(f frame) { t.hostReceive(s, l, f) })
		t.dropLink(s, l)
	}()
}

// admit registers a link for peer when the session can take it. It returns
// the other members of the session, or the reason of the rejection.
func (t *Transport) admit(s *epochState, peer identity.Peer, conn *websocket.Conn, accepted bool) (*link, []identity.Peer, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.ctx.Err() != nil || t.cur != s || s.mode != ModeAdvertising || !accepted {
		return nil, nil, rejectNoSession
	}
	if _, ok := s.links[peer.ID]; ok || peer.ID == t.self.ID {
		return nil, nil, rejectDuplicate
	}
	members := make([]identity.Peer, 0, len(s.links))
	for _, other := range s.links {
		members = append(members, other.peer)
	}
	l := newLink(peer, conn, t.opts.logger)
	s.links[peer.ID] = l
	s.wg.Add(1)
	return l, members, ""
}

// relay enqueues f on every link except from.
func (t *Transport) relay(s *epochState, from *link, f frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, l := range s.links {
		if l == from || (f.Kind == frameData && !f.addressedTo(id)) {
			continue
		}
		if err := l.enqueue(f); err != nil {
			t.opts.logger.Debug("relay failed", "peer", l.peer.Name, "error", err)
		}
	}
}

func (t *Transport) hostReceive(s *epochState, from *link, f frame) {
	if f.Kind != frameData {
		return
	}
	if f.addressedTo(t.self.ID) {
		t.emit(s, Event{Kind: EventMessage, Peer: from.peer, Payload: f.Payload})
	}
	sender := from.peer
	t.relay(s, from, frame{Kind: frameData, From: &sender, To: f.To, Payload: f.Payload})
}

// dropLink forgets a participant whose link is gone and tells the others.
func (t *Transport) dropLink(s *epochState, l *link) {
	t.mu.Lock()
	current, ok := s.links[l.peer.ID]
	if ok && current == l {
		delete(s.links, l.peer.ID)
	}
	t.mu.Unlock()
	if !ok || current != l {
		return
	}
	t.opts.logger.Info("participant left", "peer", l.peer.Name)
	peer := l.peer
	t.relay(s, l, frame{Kind: frameLeave, Peer: &peer})
	t.emit(s, Event{Kind: EventPeerDisconnected, Peer: peer})
}
