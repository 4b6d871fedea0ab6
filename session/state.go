package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/quick-decision/identity"
	"github.com/luca-patrignani/quick-decision/protocol"
)

var (
	ErrNotHost        = errors.New("only the host can start voting")
	ErrNoPeers        = errors.New("no peer connected")
	ErrVotingDisabled = errors.New("voting has not started")
	ErrNotParticipant = errors.New("only a participant can join a host")

	errSenderMismatch = errors.New("dice result sent on behalf of another peer")
)

// Role of the device in the decision.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleParticipant:
		return "participant"
	default:
		return "none"
	}
}

// Phase is the stage of the decision, derived from the session fields.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHosting
	PhaseJoining
	PhaseConnected
	PhaseVoting
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseHosting:
		return "hosting"
	case PhaseJoining:
		return "joining"
	case PhaseConnected:
		return "connected"
	case PhaseVoting:
		return "voting"
	case PhaseComplete:
		return "complete"
	default:
		return "idle"
	}
}

// Session is the state of one decision session on this device. It is not
// safe for concurrent use.
type Session struct {
	self  identity.Peer
	role  Role
	ready bool

	peers         []identity.Peer
	tally         map[string]int
	votingEnabled bool
	hasSelfVoted  bool
	isComplete    bool
	lastError     string

	round    uuid.UUID
	lastVote time.Time
}

// NewSession returns an empty session for self in the given role.
func NewSession(self identity.Peer, role Role) *Session {
	return &Session{
		self:  self,
		role:  role,
		tally: make(map[string]int),
	}
}

func (s *Session) Role() Role {
	return s.role
}

// SetReady records that the transport is advertising or discovering.
func (s *Session) SetReady() {
	s.ready = true
	s.lastError = ""
}

// SetError records a message for the user.
func (s *Session) SetError(msg string) {
	s.lastError = msg
}

// Connect adds peer to the roster. Any vote left under its name by a former
// connection is dropped. It reports whether the roster changed.
func (s *Session) Connect(peer identity.Peer) bool {
	if s.connected(peer) {
		return false
	}
	s.peers = append(s.peers, peer)
	delete(s.tally, peer.Name)
	s.recompute()
	return true
}

// Disconnect removes peer and its vote. It reports whether the roster
// changed.
func (s *Session) Disconnect(peer identity.Peer) bool {
	i := slices.IndexFunc(s.peers, func(p identity.Peer) bool { return p.ID == peer.ID })
	if i < 0 {
		return false
	}
	s.peers = slices.Delete(s.peers, i, i+1)
	delete(s.tally, peer.Name)
	s.recompute()
	return true
}

func (s *Session) connected(peer identity.Peer) bool {
	return slices.ContainsFunc(s.peers, func(p identity.Peer) bool { return p.ID == peer.ID })
}

// StartVoting opens a new round identified by round. Only a host with at
// least one connected peer can do it.
func (s *Session) StartVoting(round uuid.UUID) error {
	if s.role != RoleHost {
		return ErrNotHost
	}
	if len(s.peers) == 0 {
		return ErrNoPeers
	}
	s.reset(round)
	return nil
}

func (s *Session) reset(round uuid.UUID) {
	clear(s.tally)
	s.votingEnabled = true
	s.hasSelfVoted = false
	s.isComplete = false
	s.round = round
	s.lastVote = time.Time{}
}

// CastVote records the vote of this device. It reports false without error
// when the device has already voted in this round.
func (s *Session) CastVote(value int, at time.Time) (bool, error) {
	if !s.votingEnabled {
		return false, ErrVotingDisabled
	}
	if !protocol.ValidDiceValue(value) {
		return false, protocol.ErrValueOutOfRange
	}
	if s.hasSelfVoted {
		return false, nil
	}
	s.tally[s.self.Name] = value
	s.hasSelfVoted = true
	s.lastVote = at
	s.recompute()
	return true, nil
}

// Apply applies a message received from a connected peer. A start opens a
// fresh round whatever the local role; round identifies it locally.
func (s *Session) Apply(from identity.Peer, m protocol.Message, round uuid.UUID, at time.Time) error {
	switch m.Type {
	case protocol.TypeStartDecision:
		s.reset(round)
	case protocol.TypeDiceResult:
		if m.Dice.FromPeer != from.Name {
			return fmt.Errorf("%w: %q from %q", errSenderMismatch, m.Dice.FromPeer, from.Name)
		}
		s.tally[m.Dice.FromPeer] = m.Dice.Value
		s.lastVote = at
		s.recompute()
	default:
		return fmt.Errorf("%w: unknown type %q", protocol.ErrMalformed, m.Type)
	}
	return nil
}

func (s *Session) recompute() {
	if len(s.tally) != len(s.peers)+1 {
		s.isComplete = false
		return
	}
	if _, ok := s.tally[s.self.Name]; !ok {
		s.isComplete = false
		return
	}
	for _, p := range s.peers {
		if _, ok := s.tally[p.Name]; !ok {
			s.isComplete = false
			return
		}
	}
	s.isComplete = true
}

func (s *Session) phase() Phase {
	switch {
	case s.role == RoleNone:
		return PhaseIdle
	case s.isComplete:
		return PhaseComplete
	case s.votingEnabled:
		return PhaseVoting
	case s.ready || len(s.peers) > 0:
		return PhaseConnected
	case s.role == RoleHost:
		return PhaseHosting
	default:
		return PhaseJoining
	}
}

// State returns a snapshot that shares nothing with s.
func (s *Session) State() State {
	return State{
		Self:           s.self,
		Role:           s.role,
		Phase:          s.phase(),
		ConnectedPeers: slices.Clone(s.peers),
		VoteTally:      maps.Clone(s.tally),
		VotingEnabled:  s.votingEnabled,
		HasSelfVoted:   s.hasSelfVoted,
		IsComplete:     s.isComplete,
		LastError:      s.lastError,
		RoundID:        s.round,
		LastVoteTime:   s.lastVote,
	}
}

// State is what the user interface renders.
type State struct {
	Self           identity.Peer
	Role           Role
	Phase          Phase
	ConnectedPeers []identity.Peer
	VoteTally      map[string]int
	VotingEnabled  bool
	HasSelfVoted   bool
	IsComplete     bool
	LastError      string
	RoundID        uuid.UUID
	LastVoteTime   time.Time
}

// CanStartVoting reports whether a host may open a round now.
func (s State) CanStartVoting() bool {
	return s.Role == RoleHost && len(s.ConnectedPeers) > 0 && !s.VotingEnabled
}

// CanRoll reports whether this device may still vote in the current round.
func (s State) CanRoll() bool {
	return s.VotingEnabled && !s.HasSelfVoted
}

// SelfVote returns the value this device voted in the current round.
func (s State) SelfVote() (int, bool) {
	v, ok := s.VoteTally[s.Self.Name]
	return v, ok && s.HasSelfVoted
}
