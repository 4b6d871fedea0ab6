package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/luca-patrignani/quick-decision/history"
	"github.com/luca-patrignani/quick-decision/session"
)

func printState(s session.State, additionalPanel ...pterm.Panel) {
	dashboard := []pterm.Panel{{Data: statusInfo(s)}}
	dashboard = append(dashboard, additionalPanel...)
	pterm.DefaultPanel.WithPanels([][]pterm.Panel{
		{{Data: rosterInfo(s)}, {Data: tallyInfo(s)}},
		dashboard,
	}).Render()
}

func statusInfo(s session.State) string {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	status := fmt.Sprintf("Role: %s\nPhase: %s\n", s.Role, phaseLabel(s.Phase))
	if s.VotingEnabled {
		status += fmt.Sprintf("Votes: %d/%d\n", len(s.VoteTally), len(s.ConnectedPeers)+1)
	}
	if s.LastError != "" {
		status += pterm.LightRed(s.LastError) + "\n"
	}
	return pbox.WithTitle(pterm.LightYellow("|" + s.Self.Name + "|")).WithTitleTopCenter().Sprint(status)
}

func phaseLabel(p session.Phase) string {
	switch p {
	case session.PhaseComplete:
		return pterm.LightGreen("complete")
	case session.PhaseVoting:
		return pterm.LightCyan("voting")
	default:
		return p.String()
	}
}

func rosterInfo(s session.State) string {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	roster := "nobody yet"
	if len(s.ConnectedPeers) > 0 {
		names := make([]string, len(s.ConnectedPeers))
		for i, p := range s.ConnectedPeers {
			names[i] = p.Name
		}
		roster = strings.Join(names, "\n")
	}
	return pbox.WithTitle("Connected").WithTitleTopLeft().Sprint(roster)
}

// tallyLines renders the votes sorted by name, this device first.
func tallyLines(s session.State) []string {
	names := make([]string, 0, len(s.VoteTally))
	for name := range s.VoteTally {
		if name != s.Self.Name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := s.VoteTally[s.Self.Name]; ok {
		names = append([]string{s.Self.Name}, names...)
	}
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = name + ": " + strconv.Itoa(s.VoteTally[name])
	}
	return lines
}

func tallyInfo(s session.State) string {
	pbox := pterm.DefaultBox.WithHorizontalPadding(4).WithTopPadding(1).WithBottomPadding(1)
	tally := "no votes"
	if lines := tallyLines(s); len(lines) > 0 {
		tally = strings.Join(lines, "\n")
	}
	title := "Tally"
	if s.IsComplete {
		title = pterm.LightGreen("Tally")
		names, value := history.Round{Tally: s.VoteTally}.Highest()
		tally += "\n\n" + pterm.LightGreen(fmt.Sprintf("Highest: %s with %d", strings.Join(names, ", "), value))
	}
	return pbox.WithTitle(title).WithTitleTopLeft().Sprint(tally)
}

func printHistory(rounds []history.Round) {
	if len(rounds) == 0 {
		pterm.Info.Println("No decision completed yet")
		return
	}
	data := pterm.TableData{{"Completed", "Votes", "Highest"}}
	for _, r := range rounds {
		names, value := r.Highest()
		data = append(data, []string{
			r.Completed.Format("15:04:05"),
			strconv.Itoa(len(r.Tally)),
			fmt.Sprintf("%s (%d)", strings.Join(names, ", "), value),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
