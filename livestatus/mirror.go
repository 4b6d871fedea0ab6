package livestatus

import (
	"log/slog"

	"github.com/google/uuid"
)

// Mirror drives a Publisher from successive snapshots of a session. It is
// meant to be called by the single goroutine owning the session and is not
// safe for concurrent use.
type Mirror struct {
	publisher Publisher
	title     string
	logger    *slog.Logger

	round uuid.UUID
	open  bool
	last  ContentState
}

// NewMirror returns a Mirror publishing on p. A nil p is replaced by Nop.
func NewMirror(p Publisher, title string, logger *slog.Logger) *Mirror {
	if p == nil {
		p = Nop{}
	}
	if title == "" {
		title = DefaultTitle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{publisher: p, title: title, logger: logger}
}

// Observe reports the state of the session. round is the identifier of the
// current round, uuid.Nil when no round is running. A new round opens the
// surface, a change updates it and completion ends it; once ended, a round
// is not published again.
func (m *Mirror) Observe(round uuid.UUID, state ContentState) {
	if round != m.round {
		m.Close()
		m.round = round
		if round == uuid.Nil {
			return
		}
		activity := Activity{
			Title:              m.title,
			DecisionID:         round,
			TotalExpectedVotes: state.ConnectedPeers + 1,
		}
		if err := m.publisher.Start(activity); err != nil {
			m.logger.Warn("live status start failed", "round", round, "error", err)
		}
		m.open = true
		m.publish(state)
		return
	}
	if !m.open || state.equal(m.last) {
		return
	}
	m.publish(state)
}

func (m *Mirror) publish(state ContentState) {
	m.last = state
	if err := m.publisher.Update(state); err != nil {
		m.logger.Warn("live status update failed", "round", m.round, "error", err)
	}
	if state.IsComplete {
		m.end(state)
	}
}

// Close ends the surface of the current round, if still open.
func (m *Mirror) Close() {
	if m.open {
		m.end(m.last)
	}
}

func (m *Mirror) end(state ContentState) {
	m.open = false
	if err := m.publisher.End(state); err != nil {
		m.logger.Warn("live status end failed", "round", m.round, "error", err)
	}
}
