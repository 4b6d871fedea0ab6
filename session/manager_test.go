package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/quick-decision/decide"
	"github.com/luca-patrignani/quick-decision/identity"
	"github.com/luca-patrignani/quick-decision/livestatus"
	"github.com/luca-patrignani/quick-decision/network"
	"github.com/luca-patrignani/quick-decision/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type sentPayload struct {
	payload []byte
	to      []identity.Peer
}

// fakeTransport hands every event to the manager synchronously: push
// returns once Run has received the event.
type fakeTransport struct {
	self   identity.Peer
	events chan network.Event

	mu       sync.Mutex
	epoch    uint64
	mode     network.Mode
	sent     []sentPayload
	invites  []string
	stops    int
	services []string
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{self: identity.New(name), events: make(chan network.Event), epoch: 1}
}

func (f *fakeTransport) Self() identity.Peer          { return f.self }
func (f *fakeTransport) Events() <-chan network.Event { return f.events }

func (f *fakeTransport) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

func (f *fakeTransport) Advertise(serviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = network.ModeAdvertising
	f.services = append(f.services, serviceID)
}

func (f *fakeTransport) Discover(serviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = network.ModeDiscovering
	f.services = append(f.services, serviceID)
}

func (f *fakeTransport) Invite(address, fingerprint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, address)
}

func (f *fakeTransport) Send(payload []byte, to ...identity.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPayload{payload: payload, to: to})
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	f.mode = network.ModeIdle
	f.stops++
}

func (f *fakeTransport) push(e network.Event) {
	if e.Epoch == 0 {
		e.Epoch = f.Epoch()
	}
	f.events <- e
}

func (f *fakeTransport) connect(p identity.Peer) {
	f.push(network.Event{Kind: network.EventPeerConnected, Peer: p})
}

func (f *fakeTransport) disconnect(p identity.Peer) {
	f.push(network.Event{Kind: network.EventPeerDisconnected, Peer: p})
}

func (f *fakeTransport) deliver(t *testing.T, from identity.Peer, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	f.push(network.Event{Kind: network.EventMessage, Peer: from, Payload: b})
}

// messages decodes everything sent so far.
func (f *fakeTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []protocol.Message
	for _, s := range f.sent {
		m, err := protocol.Decode(s.payload)
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func startManager(t *testing.T, tr *fakeTransport, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(quiet), WithClock(clockwork.NewFakeClock())}, opts...)
	m := NewManager(tr, "qm-test", opts...)
	ctx, cancel := context.WithCancel(context.Background())
	fatal := make(chan error, 1)
	go func() {
		fatal <- m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-fatal; err != nil {
			t.Error(err)
		}
	})
	return m
}

func TestHostRound(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr)
	if err := m.StartAsHost(); err != nil {
		t.Fatal(err)
	}
	if tr.mode != network.ModeAdvertising || tr.services[0] != "qm-test" {
		t.Fatalf("expected advertising qm-test, got %s %v", tr.mode, tr.services)
	}
	if err := m.StartVoting(); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected %v, got %v", ErrNoPeers, err)
	}
	if m.State().VotingEnabled {
		t.Fatal("rejected start enabled voting")
	}

	a, b := identity.New("a"), identity.New("b")
	tr.connect(a)
	tr.connect(b)
	if err := m.StartVoting(); err != nil {
		t.Fatal(err)
	}
	tr.deliver(t, a, dice(t, a, 4))
	tr.deliver(t, b, dice(t, b, 2))
	if err := m.CastVote(5); err != nil {
		t.Fatal(err)
	}

	s := m.State()
	want := map[string]int{a.Name: 4, b.Name: 2, tr.self.Name: 5}
	if len(s.VoteTally) != len(want) {
		t.Fatalf("expected tally %v, got %v", want, s.VoteTally)
	}
	for k, v := range want {
		if s.VoteTally[k] != v {
			t.Fatalf("expected tally %v, got %v", want, s.VoteTally)
		}
	}
	if !s.IsComplete || s.Phase != PhaseComplete {
		t.Fatalf("expected complete round, got %+v", s)
	}

	msgs := tr.messages(t)
	if len(msgs) != 2 || msgs[0].Type != protocol.TypeStartDecision || msgs[1].Dice != (protocol.DiceResult{Value: 5, FromPeer: tr.self.Name}) {
		t.Fatalf("unexpected messages sent %+v", msgs)
	}

	rounds := m.History().Rounds()
	if len(rounds) != 1 || rounds[0].ID != s.RoundID {
		t.Fatalf("expected the round in history, got %+v", rounds)
	}

	if err := m.ResetDecision(); err != nil {
		t.Fatal(err)
	}
	s = m.State()
	if len(s.VoteTally) != 0 || s.IsComplete || s.HasSelfVoted || !s.VotingEnabled {
		t.Fatalf("reset did not open a new round: %+v", s)
	}
	if len(m.History().Rounds()) != 1 {
		t.Fatal("a round was recorded twice")
	}
}

func TestParticipantStaleRound(t *testing.T) {
	tr := newFakeTransport("participant")
	m := startManager(t, tr)
	if err := m.StartAsParticipant(); err != nil {
		t.Fatal(err)
	}
	host, other := identity.New("host"), identity.New("other")
	tr.connect(host)
	tr.connect(other)
	if err := m.StartVoting(); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected %v, got %v", ErrNotHost, err)
	}
	if err := m.CastVote(3); !errors.Is(err, ErrVotingDisabled) {
		t.Fatalf("expected %v, got %v", ErrVotingDisabled, err)
	}

	tr.deliver(t, host, protocol.StartDecision())
	if err := m.CastVote(3); err != nil {
		t.Fatal(err)
	}
	tr.deliver(t, other, dice(t, other, 1))

	tr.deliver(t, host, protocol.StartDecision())
	s := m.State()
	if len(s.VoteTally) != 0 || s.HasSelfVoted || !s.VotingEnabled {
		t.Fatalf("stale round not cleared: %+v", s)
	}
	if err := m.CastVote(6); err != nil {
		t.Fatal(err)
	}
	if v, ok := m.State().SelfVote(); !ok || v != 6 {
		t.Fatalf("expected new vote 6, got %v %v", v, ok)
	}
}

func TestCastVoteIdempotent(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr)
	m.StartAsHost()
	a := identity.New("a")
	tr.connect(a)
	m.StartVoting()
	if err := m.CastVote(2); err != nil {
		t.Fatal(err)
	}
	if err := m.CastVote(5); err != nil {
		t.Fatalf("second vote should be a silent no-op, got %v", err)
	}
	if err := m.CastVote(9); !errors.Is(err, protocol.ErrValueOutOfRange) {
		t.Fatalf("expected %v, got %v", protocol.ErrValueOutOfRange, err)
	}
	s := m.State()
	if v, ok := s.SelfVote(); !ok || v != 2 {
		t.Fatalf("expected first vote 2, got %v %v", v, ok)
	}
	if n := len(tr.messages(t)); n != 2 {
		t.Fatalf("expected start and one vote sent, got %d messages", n)
	}
}

func TestDepartedPeerVotePurged(t *testing.T) {
	tr := newFakeTransport("observer")
	m := startManager(t, tr)
	m.StartAsHost()
	a, b := identity.New("a"), identity.New("b")
	tr.connect(a)
	tr.connect(b)
	m.StartVoting()
	tr.deliver(t, a, dice(t, a, 6))
	tr.disconnect(a)
	s := m.State()
	if _, ok := s.VoteTally[a.Name]; ok || len(s.ConnectedPeers) != 1 {
		t.Fatalf("departed peer still counted: %+v", s)
	}
	tr.deliver(t, b, dice(t, b, 3))
	m.CastVote(1)
	s = m.State()
	if !s.IsComplete {
		t.Fatalf("expected completion with the remaining peer, got %+v", s)
	}
	if _, ok := s.VoteTally[a.Name]; ok {
		t.Fatal("completion includes the departed peer's vote")
	}
}

func TestRoleChangeClearsSession(t *testing.T) {
	tr := newFakeTransport("device")
	m := startManager(t, tr)
	m.StartAsHost()
	if !m.AcceptInvitation(identity.New("x")) {
		t.Fatal("a host should accept invitations")
	}
	a := identity.New("a")
	tr.connect(a)
	m.StartVoting()
	m.CastVote(4)
	oldEpoch := tr.Epoch()

	if err := m.StartAsParticipant(); err != nil {
		t.Fatal(err)
	}
	if m.AcceptInvitation(identity.New("x")) {
		t.Fatal("a participant should refuse invitations")
	}
	s := m.State()
	if s.Role != RoleParticipant || len(s.ConnectedPeers) != 0 || len(s.VoteTally) != 0 || s.VotingEnabled {
		t.Fatalf("previous session leaked: %+v", s)
	}
	if tr.mode != network.ModeDiscovering || tr.stops < 2 {
		t.Fatalf("expected transport restarted in discovery, got %s after %d stops", tr.mode, tr.stops)
	}

	// events of the torn down transport are ignored
	tr.push(network.Event{Kind: network.EventPeerConnected, Peer: a, Epoch: oldEpoch})
	if peers := m.State().ConnectedPeers; len(peers) != 0 {
		t.Fatalf("stale event applied: %v", peers)
	}

	if err := m.Exit(); err != nil {
		t.Fatal(err)
	}
	if s := m.State(); s.Role != RoleNone || s.Phase != PhaseIdle {
		t.Fatalf("expected idle after exit, got %+v", s)
	}
	tr.connect(a)
	if peers := m.State().ConnectedPeers; len(peers) != 0 {
		t.Fatalf("idle device tracked a peer: %v", peers)
	}
}

func TestMalformedAndForgedMessagesDropped(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr)
	m.StartAsHost()
	a, b := identity.New("a"), identity.New("b")
	tr.connect(a)
	tr.connect(b)
	m.StartVoting()
	tr.push(network.Event{Kind: network.EventMessage, Peer: a, Payload: []byte(`{"type":"diceResult","data":{"value":9,"fromPeer":"x"}}`)})
	tr.push(network.Event{Kind: network.EventMessage, Peer: a, Payload: []byte("garbage")})
	tr.deliver(t, a, dice(t, b, 4))
	s := m.State()
	if len(s.VoteTally) != 0 || s.LastError != "" {
		t.Fatalf("bad messages changed the session: %+v", s)
	}
}

func TestTransportErrors(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr)
	m.StartAsHost()
	unavailable := &network.UnavailableError{Op: network.OpAdvertise, Err: errors.New("no route")}
	tr.push(network.Event{Kind: network.EventUnavailable, Err: unavailable})
	if s := m.State(); s.LastError != unavailable.Error() || s.Phase != PhaseHosting {
		t.Fatalf("expected unavailable error while hosting, got %q %s", s.LastError, s.Phase)
	}
	tr.push(network.Event{Kind: network.EventAvailable})
	if s := m.State(); s.LastError != "" || s.Phase != PhaseConnected {
		t.Fatalf("expected error cleared, got %q %s", s.LastError, s.Phase)
	}
	a := identity.New("a")
	tr.push(network.Event{Kind: network.EventSendFailed, Peer: a, Err: errors.New("link closed")})
	if s := m.State(); s.LastError == "" {
		t.Fatal("expected send failure to be surfaced")
	}
}

// constantStream is a cipher.Stream whose key is a single repeated byte.
type constantStream byte

func (c constantStream) XORKeyStream(dst, src []byte) {
	for i := range src {
		dst[i] = src[i] ^ byte(c)
	}
}

func TestRollDice(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr, WithDrawer(decide.NewFromStream(constantStream(1))))
	m.StartAsHost()
	if _, err := m.RollDice(); !errors.Is(err, ErrVotingDisabled) {
		t.Fatalf("expected %v, got %v", ErrVotingDisabled, err)
	}
	tr.connect(identity.New("a"))
	m.StartVoting()
	v, err := m.RollDice()
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Fatalf("expected the drawer to roll 1, got %d", v)
	}
	if s := m.State(); s.VoteTally[s.Self.Name] != 1 {
		t.Fatalf("expected own vote 1 in the tally, got %v", s.VoteTally)
	}
	again, err := m.RollDice()
	if err != nil || again != v {
		t.Fatalf("second roll should return %d, got %d %v", v, again, err)
	}
}

func TestJoinAddress(t *testing.T) {
	tr := newFakeTransport("device")
	m := startManager(t, tr)
	m.StartAsHost()
	if err := m.JoinAddress("10.0.0.2:4000", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected %v, got %v", ErrNotParticipant, err)
	}
	m.StartAsParticipant()
	if err := m.JoinAddress("10.0.0.2:4000", ""); err != nil {
		t.Fatal(err)
	}
	if len(tr.invites) != 1 || tr.invites[0] != "10.0.0.2:4000" {
		t.Fatalf("expected one invitation, got %v", tr.invites)
	}
}

func TestSubscribe(t *testing.T) {
	tr := newFakeTransport("host")
	m := startManager(t, tr)
	states, cancel := m.Subscribe()
	defer cancel()
	if s := <-states; s.Role != RoleNone {
		t.Fatalf("expected initial idle state, got %+v", s)
	}
	m.StartAsHost()
	a := identity.New("a")
	tr.connect(a)
	m.StartVoting()
	m.CastVote(3)
	tr.deliver(t, a, dice(t, a, 3))
	m.State()
	select {
	case s := <-states:
		if !s.IsComplete {
			t.Fatalf("expected the latest state to be complete, got %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no state published")
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
	last  livestatus.ContentState
	start livestatus.Activity
}

func (p *recordingPublisher) Start(a livestatus.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "start")
	p.start = a
	return nil
}

func (p *recordingPublisher) Update(s livestatus.ContentState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "update")
	p.last = s
	return nil
}

func (p *recordingPublisher) End(s livestatus.ContentState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "end")
	p.last = s
	return nil
}

func TestLiveStatusFollowsRound(t *testing.T) {
	tr := newFakeTransport("host")
	p := &recordingPublisher{}
	m := startManager(t, tr, WithLiveStatus(p, "Lunch"))
	m.StartAsHost()
	a, b := identity.New("a"), identity.New("b")
	tr.connect(a)
	tr.connect(b)
	m.StartVoting()
	tr.deliver(t, a, dice(t, a, 2))
	tr.deliver(t, b, dice(t, b, 5))
	m.CastVote(1)
	s := m.State()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kinds[0] != "start" || p.kinds[len(p.kinds)-1] != "end" {
		t.Fatalf("expected start ... end, got %v", p.kinds)
	}
	if p.start.Title != "Lunch" || p.start.TotalExpectedVotes != 3 || p.start.DecisionID != s.RoundID {
		t.Fatalf("unexpected activity %+v", p.start)
	}
	if !p.last.IsComplete || p.last.VotedPeers != 3 {
		t.Fatalf("unexpected final content %+v", p.last)
	}
	ends := 0
	for _, k := range p.kinds {
		if k == "end" {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected the surface to end once, got %v", p.kinds)
	}
}

func TestCommandsAfterStop(t *testing.T) {
	tr := newFakeTransport("host")
	m := NewManager(tr, "qm-test", WithLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()
	if err := m.StartAsHost(); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := m.StartVoting(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected %v, got %v", ErrStopped, err)
	}
	if s := m.State(); s.Role != RoleNone {
		t.Fatalf("expected the last state to be idle, got %+v", s)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected a second Run to fail")
	}
}
