package livestatus

import (
	"io"
	"sort"

	"github.com/rs/zerolog"
)

// Journal writes one JSON line per status change.
type Journal struct {
	log      zerolog.Logger
	activity Activity
}

func NewJournal(w io.Writer) *Journal {
	return &Journal{log: zerolog.New(w).With().Timestamp().Logger()}
}

func (j *Journal) Start(a Activity) error {
	j.activity = a
	j.log.Info().
		Str("event", "start").
		Str("decision_id", a.DecisionID.String()).
		Str("title", a.Title).
		Int("total_expected_votes", a.TotalExpectedVotes).
		Msg("decision started")
	return nil
}

func (j *Journal) Update(s ContentState) error {
	j.state(j.log.Info(), "update", s).Msg("decision updated")
	return nil
}

func (j *Journal) End(s ContentState) error {
	j.state(j.log.Info(), "end", s).Msg("decision ended")
	return nil
}

func (j *Journal) state(e *zerolog.Event, event string, s ContentState) *zerolog.Event {
	names := make([]string, 0, len(s.Tally))
	for name := range s.Tally {
		names = append(names, name)
	}
	sort.Strings(names)
	tally := zerolog.Dict()
	for _, name := range names {
		tally = tally.Int(name, s.Tally[name])
	}
	e = e.Str("event", event).
		Str("decision_id", j.activity.DecisionID.String()).
		Int("connected_peers", s.ConnectedPeers).
		Int("voted_peers", s.VotedPeers).
		Int("total_expected_votes", j.activity.TotalExpectedVotes).
		Dict("tally", tally).
		Bool("is_complete", s.IsComplete)
	if !s.LastVoteTime.IsZero() {
		e = e.Time("last_vote_time", s.LastVoteTime)
	}
	return e
}
