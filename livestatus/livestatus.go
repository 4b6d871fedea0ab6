// Package livestatus mirrors the progress of a decision round onto a status
// surface that lives outside the main view: a journal file, a live terminal
// area, or nothing at all.
//
// A surface is opened when a round starts, updated whenever the tally or the
// roster changes and ended once every expected vote has arrived. Surfaces
// never affect the session: their errors are logged and otherwise ignored.
package livestatus

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is shown when no title is configured.
const DefaultTitle = "Quick Decision"

// Activity describes the round a surface follows.
type Activity struct {
	Title              string
	DecisionID         uuid.UUID
	TotalExpectedVotes int
}

// ContentState is what a surface displays.
type ContentState struct {
	ConnectedPeers int
	VotedPeers     int
	Tally          map[string]int
	LastVoteTime   time.Time
	IsComplete     bool
}

func (s ContentState) equal(o ContentState) bool {
	return s.ConnectedPeers == o.ConnectedPeers &&
		s.VotedPeers == o.VotedPeers &&
		s.IsComplete == o.IsComplete &&
		s.LastVoteTime.Equal(o.LastVoteTime) &&
		maps.Equal(s.Tally, o.Tally)
}

// Publisher is a status surface.
type Publisher interface {
	Start(Activity) error
	Update(ContentState) error
	End(ContentState) error
}

// Nop is a Publisher that shows nothing.
type Nop struct{}

func (Nop) Start(Activity) error      { return nil }
func (Nop) Update(ContentState) error { return nil }
func (Nop) End(ContentState) error    { return nil }
