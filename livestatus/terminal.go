package livestatus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
)

// Terminal shows the round in a pterm live area that is redrawn in place.
type Terminal struct {
	area     *pterm.AreaPrinter
	activity Activity
}

func NewTerminal() *Terminal {
	return &Terminal{}
}

func (t *Terminal) Start(a Activity) error {
	t.activity = a
	if t.area != nil {
		t.area.Stop()
	}
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return err
	}
	t.area = area
	return nil
}

func (t *Terminal) Update(s ContentState) error {
	if t.area == nil {
		return nil
	}
	t.area.Update(render(t.activity, s))
	return nil
}

func (t *Terminal) End(s ContentState) error {
	if t.area == nil {
		return nil
	}
	t.area.Update(render(t.activity, s))
	err := t.area.Stop()
	t.area = nil
	return err
}

func render(a Activity, s ContentState) string {
	status := pterm.FgYellow.Sprint("waiting for votes")
	if s.IsComplete {
		status = pterm.FgGreen.Sprint("complete")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %d/%d votes  %d connected\n", status, s.VotedPeers, a.TotalExpectedVotes, s.ConnectedPeers)
	names := make([]string, 0, len(s.Tally))
	for name := range s.Tally {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-24s %s\n", name, strconv.Itoa(s.Tally[name]))
	}
	if !s.LastVoteTime.IsZero() {
		fmt.Fprintf(&b, "last vote at %s\n", s.LastVoteTime.Format("15:04:05"))
	}
	return pterm.DefaultBox.WithTitle(a.Title).Sprint(strings.TrimRight(b.String(), "\n"))
}
