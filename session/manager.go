package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/quick-decision/decide"
	"github.com/luca-patrignani/quick-decision/history"
	"github.com/luca-patrignani/quick-decision/identity"
	"github.com/luca-patrignani/quick-decision/livestatus"
	"github.com/luca-patrignani/quick-decision/network"
	"github.com/luca-patrignani/quick-decision/protocol"
)

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("session manager stopped")

// Transport is the part of network.Transport the manager drives.
type Transport interface {
	Self() identity.Peer
	Events() <-chan network.Event
	Epoch() uint64
	Advertise(serviceID string)
	Discover(serviceID string)
	Invite(address, fingerprint string)
	Send(payload []byte, to ...identity.Peer)
	Stop()
}

// Manager serializes every change of the session on the goroutine running
// Run: commands from the user interface and events from the transport are
// applied one at a time, and a snapshot is published after each of them.
type Manager struct {
	transport Transport
	serviceID string
	clock     clockwork.Clock
	logger    *slog.Logger
	drawer    *decide.Drawer
	history   *history.Log
	mirror    *livestatus.Mirror

	commands  chan func()
	done      chan struct{}
	runOnce   sync.Once
	accepting atomic.Bool

	// owned by the Run goroutine
	session  *Session
	recorded uuid.UUID

	mu          sync.Mutex
	state       State
	subscribers map[chan State]struct{}
}

// NewManager returns an idle manager. Commands block until Run is called.
func NewManager(transport Transport, serviceID string, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		o = opt(o)
	}
	m := &Manager{
		transport:   transport,
		serviceID:   serviceID,
		clock:       o.clock,
		logger:      o.logger,
		drawer:      o.drawer,
		history:     o.history,
		mirror:      livestatus.NewMirror(o.publisher, o.title, o.logger),
		commands:    make(chan func()),
		done:        make(chan struct{}),
		session:     NewSession(transport.Self(), RoleNone),
		subscribers: make(map[chan State]struct{}),
	}
	m.state = m.session.State()
	return m
}

// History returns the log of the rounds completed on this device.
func (m *Manager) History() *history.Log {
	return m.history
}

// AcceptInvitation tells the transport whether a participant may join. It
// is called from network goroutines and only reads an atomic flag.
func (m *Manager) AcceptInvitation(peer identity.Peer) bool {
	ok := m.accepting.Load()
	if !ok {
		m.logger.Debug("refusing invitation without an active hosted session", "peer", peer.Name)
	}
	return ok
}

// Run owns the session until ctx is done. On return the transport is
// stopped and the live status surface ended. Run must be called once.
func (m *Manager) Run(ctx context.Context) error {
	ran := false
	m.runOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("session manager already running")
	}
	defer close(m.done)
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			m.teardown(RoleNone)
			m.publish()
			m.mirror.Close()
			return nil
		case cmd := <-m.commands:
			cmd()
		case e, ok := <-events:
			if !ok {
				return errors.New("transport events closed")
			}
			m.handle(e)
		}
		m.publish()
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (m *Manager) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case m.commands <- func() { reply <- fn() }:
	case <-m.done:
		return ErrStopped
	}
	return <-reply
}

// StartAsHost discards the current session and starts hosting a new one.
func (m *Manager) StartAsHost() error {
	return m.do(func() error {
		m.teardown(RoleHost)
		m.accepting.Store(true)
		m.transport.Advertise(m.serviceID)
		m.logger.Info("hosting a decision", "service", m.serviceID, "self", m.session.self.Name)
		return nil
	})
}

// StartAsParticipant discards the current session and starts looking for a
// host to join.
func (m *Manager) StartAsParticipant() error {
	return m.do(func() error {
		m.teardown(RoleParticipant)
		m.transport.Discover(m.serviceID)
		m.logger.Info("looking for a host", "service", m.serviceID, "self", m.session.self.Name)
		return nil
	})
}

// StopSearching stops the transport and forgets the session.
func (m *Manager) StopSearching() error {
	return m.do(func() error {
		m.teardown(RoleNone)
		return nil
	})
}

// Exit leaves the decision.
func (m *Manager) Exit() error {
	return m.StopSearching()
}

// teardown stops the transport and replaces the session with an empty one.
func (m *Manager) teardown(role Role) {
	m.accepting.Store(false)
	m.transport.Stop()
	m.session = NewSession(m.transport.Self(), role)
}

// JoinAddress invites the host listening at address, for networks where it
// cannot be discovered. fingerprint may be empty.
func (m *Manager) JoinAddress(address, fingerprint string) error {
	return m.do(func() error {
		if m.session.Role() != RoleParticipant {
			return ErrNotParticipant
		}
		m.transport.Invite(address, fingerprint)
		return nil
	})
}

// StartVoting opens a round on every connected device.
func (m *Manager) StartVoting() error {
	return m.do(func() error {
		return m.startRound("voting started")
	})
}

// ResetDecision opens a new round after a completed one.
func (m *Manager) ResetDecision() error {
	return m.do(func() error {
		return m.startRound("decision reset")
	})
}

func (m *Manager) startRound(msg string) error {
	round := uuid.New()
	if err := m.session.StartVoting(round); err != nil {
		return err
	}
	m.logger.Info(msg, "round", round, "peers", len(m.session.peers))
	m.broadcast(protocol.StartDecision())
	return nil
}

// CastVote records and broadcasts the vote of this device. Voting twice in
// the same round is a no-op.
func (m *Manager) CastVote(value int) error {
	return m.do(func() error {
		_, err := m.castVote(value)
		return err
	})
}

// RollDice draws a die and casts it. When this device has already voted it
// returns the recorded value.
func (m *Manager) RollDice() (int, error) {
	var value int
	err := m.do(func() error {
		if v, ok := m.session.State().SelfVote(); ok {
			value = v
			return nil
		}
		if !m.session.votingEnabled {
			return ErrVotingDisabled
		}
		value = m.drawer.Die()
		_, err := m.castVote(value)
		return err
	})
	return value, err
}

func (m *Manager) castVote(value int) (bool, error) {
	recorded, err := m.session.CastVote(value, m.clock.Now())
	if err != nil || !recorded {
		return recorded, err
	}
	m.logger.Info("vote cast", "value", value, "round", m.session.round)
	msg, err := protocol.NewDiceResult(value, m.session.self.Name)
	if err != nil {
		return true, err
	}
	m.broadcast(msg)
	return true, nil
}

// broadcast sends msg to every connected peer. Failures come back as
// transport events.
func (m *Manager) broadcast(msg protocol.Message) {
	if len(m.session.peers) == 0 {
		return
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		m.logger.Error("encoding message", "type", msg.Type, "error", err)
		return
	}
	m.transport.Send(payload)
}

// State returns the current state, as seen by the Run goroutine.
func (m *Manager) State() State {
	var s State
	if err := m.do(func() error {
		s = m.session.State()
		return nil
	}); err != nil {
		m.mu.Lock()
		s = m.state
		m.mu.Unlock()
	}
	return s
}

// Subscribe returns a channel receiving the state after every change, and a
// function to stop the subscription. A slow subscriber only misses
// intermediate states: the latest one is always delivered.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	ch <- m.state
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) handle(e network.Event) {
	if epoch := m.transport.Epoch(); e.Epoch != epoch {
		m.logger.Debug("dropping event of a stopped transport", "event", e.Kind, "epoch", e.Epoch, "current", epoch)
		return
	}
	if m.session.Role() == RoleNone {
		return
	}
	switch e.Kind {
	case network.EventPeerFound:
		m.logger.Debug("peer found", "peer", e.Peer.Name)
	case network.EventPeerLost:
		m.logger.Debug("peer lost", "peer", e.Peer.Name)
	case network.EventPeerConnected:
		if m.session.Connect(e.Peer) {
			m.logger.Info("peer connected", "peer", e.Peer.Name, "peers", len(m.session.peers))
		}
	case network.EventPeerDisconnected:
		if m.session.Disconnect(e.Peer) {
			m.logger.Info("peer disconnected", "peer", e.Peer.Name, "peers", len(m.session.peers))
		}
	case network.EventMessage:
		m.receive(e.Peer, e.Payload)
	case network.EventSendFailed:
		m.logger.Warn("message not delivered", "peer", e.Peer.Name, "error", e.Err)
		if e.Peer.IsZero() {
			m.session.SetError(fmt.Sprintf("message not delivered: %v", e.Err))
		} else {
			m.session.SetError(fmt.Sprintf("message to %s not delivered: %v", e.Peer.Name, e.Err))
		}
	case network.EventUnavailable:
		m.session.SetError(e.Err.Error())
	case network.EventAvailable:
		m.session.SetReady()
	}
}

func (m *Manager) receive(from identity.Peer, payload []byte) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		m.logger.Debug("dropping malformed message", "peer", from.Name, "error", err)
		return
	}
	round := uuid.New()
	if err := m.session.Apply(from, msg, round, m.clock.Now()); err != nil {
		m.logger.Debug("dropping message", "peer", from.Name, "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypeStartDecision:
		m.logger.Info("voting started by host", "peer", from.Name, "round", round)
	case protocol.TypeDiceResult:
		m.logger.Info("vote received", "peer", from.Name, "value", msg.Dice.Value)
	}
}

// publish records a completed round, mirrors the session on the live status
// surface and hands the new state to the subscribers.
func (m *Manager) publish() {
	s := m.session.State()
	if s.IsComplete && s.RoundID != uuid.Nil && s.RoundID != m.recorded {
		m.recorded = s.RoundID
		if _, err := m.history.Append(history.Round{ID: s.RoundID, Completed: m.clock.Now(), Tally: s.VoteTally}); err != nil {
			m.logger.Warn("recording round", "round", s.RoundID, "error", err)
		}
		names, value := history.Round{Tally: s.VoteTally}.Highest()
		m.logger.Info("decision complete", "round", s.RoundID, "highest", value, "winners", names)
	}

	round := uuid.Nil
	if s.VotingEnabled {
		round = s.RoundID
	}
	m.mirror.Observe(round, livestatus.ContentState{
		ConnectedPeers: len(s.ConnectedPeers),
		VotedPeers:     len(s.VoteTally),
		Tally:          s.VoteTally,
		LastVoteTime:   s.LastVoteTime,
		IsComplete:     s.IsComplete,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	for ch := range m.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
