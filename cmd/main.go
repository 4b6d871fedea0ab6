package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"golang.org/x/sync/errgroup"

	"github.com/luca-patrignani/quick-decision/config"
	"github.com/luca-patrignani/quick-decision/decide"
	"github.com/luca-patrignani/quick-decision/identity"
	"github.com/luca-patrignani/quick-decision/livestatus"
	"github.com/luca-patrignani/quick-decision/network"
	"github.com/luca-patrignani/quick-decision/session"
)

const (
	menuHost     = "Host a decision"
	menuJoin     = "Join a decision"
	menuCoin     = "Flip a coin"
	menuDice     = "Roll dice"
	menuRoulette = "Spin the roulette"
	menuHistory  = "Show past decisions"
	menuQuit     = "Quit"

	actionWait        = "Wait for updates"
	actionStartVoting = "Start voting"
	actionRoll        = "Roll the dice"
	actionNewRound    = "New round"
	actionJoinAddress = "Join by address"
	actionLeave       = "Leave"
)

// waitForUpdates bounds how long the session view waits for something to
// happen before showing the menu again.
const waitForUpdates = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultPath, "path of the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()

	// Create a new slog handler with the default PTerm logger
	handler := pterm.NewSlogHandler(pterm.DefaultLogger.WithLevel(ptermLevel(level)))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Q", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("uick ", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("D", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("ecision", pterm.FgDarkGray.ToStyle()),
	).Render()

	self := identity.New(cfg.DeviceName)
	pterm.Info.Printfln("You are %s", pterm.LightCyan(self.Name))

	publisher, closer, err := livePublisher(cfg)
	if err != nil {
		logger.Error("live status unavailable", "error", err)
		publisher, closer = livestatus.Nop{}, nil
	}
	if closer != nil {
		defer closer.Close()
	}

	var manager *session.Manager
	transport := network.New(self,
		network.WithLogger(logger),
		network.WithBeacon(network.MulticastBeacon{
			Port:     cfg.DiscoveryPort,
			Interval: cfg.AnnounceInterval,
			Logger:   logger,
		}),
		network.WithAnnounceInterval(cfg.AnnounceInterval),
		network.WithInviteTimeout(cfg.InviteTimeout),
		network.WithRetryBackoff(cfg.RetryBackoff),
		network.WithListenAddress(cfg.ListenAddress),
		network.WithAcceptFunc(func(p identity.Peer) bool {
			return manager.AcceptInvitation(p)
		}),
	)
	defer transport.Close()
	manager = session.NewManager(transport, cfg.ServiceID,
		session.WithLogger(logger),
		session.WithLiveStatus(publisher, cfg.Title),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		defer stop()
		ui := &ui{manager: manager, drawer: decide.New(), logger: logger, defaultPort: listenPort(cfg.ListenAddress)}
		return ui.run(ctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("quick-decision stopped", "error", err)
		os.Exit(1)
	}
}

func ptermLevel(l slog.Level) pterm.LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return pterm.LogLevelDebug
	case l <= slog.LevelInfo:
		return pterm.LogLevelInfo
	case l <= slog.LevelWarn:
		return pterm.LogLevelWarn
	default:
		return pterm.LogLevelError
	}
}

func livePublisher(cfg config.Config) (livestatus.Publisher, io.Closer, error) {
	switch cfg.LiveStatus {
	case config.LiveStatusJournal:
		f, err := os.OpenFile(cfg.JournalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return livestatus.NewJournal(f), f, nil
	case config.LiveStatusTerminal:
		return livestatus.NewTerminal(), nil, nil
	default:
		return livestatus.Nop{}, nil, nil
	}
}

// listenPort returns the fixed port of a listen address, 0 when the port is
// chosen by the system.
func listenPort(address string) int {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}

type ui struct {
	manager     *session.Manager
	drawer      *decide.Drawer
	logger      *slog.Logger
	defaultPort int
}

func (u *ui) run(ctx context.Context) error {
	for ctx.Err() == nil {
		pterm.Println()
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions([]string{menuHost, menuJoin, menuCoin, menuDice, menuRoulette, menuHistory, menuQuit}).
			Show("What do you want to do?")
		if err != nil {
			return err
		}
		switch choice {
		case menuHost:
			if err := u.manager.StartAsHost(); err != nil {
				return err
			}
			if err := u.sessionLoop(ctx); err != nil {
				return err
			}
		case menuJoin:
			if err := u.manager.StartAsParticipant(); err != nil {
				return err
			}
			if err := u.sessionLoop(ctx); err != nil {
				return err
			}
		case menuCoin:
			u.flipCoin()
		case menuDice:
			u.rollDice()
		case menuRoulette:
			u.spinRoulette()
		case menuHistory:
			printHistory(u.manager.History().Rounds())
		case menuQuit:
			return nil
		}
	}
	return nil
}

// sessionLoop shows the session and its actions until the user leaves.
func (u *ui) sessionLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		s := u.manager.State()
		printState(s)
		choice, err := pterm.DefaultInteractiveSelect.WithOptions(actionsFor(s)).Show("Next")
		if err != nil {
			return err
		}
		switch choice {
		case actionWait:
			u.waitForChange(ctx, s)
		case actionStartVoting:
			if err := u.manager.StartVoting(); err != nil {
				pterm.Warning.Println(err)
			}
		case actionNewRound:
			if err := u.manager.ResetDecision(); err != nil {
				pterm.Warning.Println(err)
			}
		case actionRoll:
			v, err := u.manager.RollDice()
			if err != nil {
				pterm.Warning.Println(err)
				continue
			}
			pterm.Success.Printfln("You rolled %s", pterm.LightGreen(v))
		case actionJoinAddress:
			u.joinByAddress()
		case actionLeave:
			return u.manager.Exit()
		}
	}
	return nil
}

// actionsFor lists what the user can do in state s.
func actionsFor(s session.State) []string {
	actions := []string{actionWait}
	if s.CanStartVoting() {
		actions = append(actions, actionStartVoting)
	}
	if s.CanRoll() {
		actions = append(actions, actionRoll)
	}
	if s.Role == session.RoleHost && s.IsComplete {
		actions = append(actions, actionNewRound)
	}
	if s.Role == session.RoleParticipant && len(s.ConnectedPeers) == 0 {
		actions = append(actions, actionJoinAddress)
	}
	return append(actions, actionLeave)
}

// waitForChange shows a spinner until the session differs from s.
func (u *ui) waitForChange(ctx context.Context, s session.State) {
	states, cancel := u.manager.Subscribe()
	defer cancel()
	spinner, _ := pterm.DefaultSpinner.Start(waitingText(s))
	timeout := time.NewTimer(waitForUpdates)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			spinner.Stop()
			return
		case <-timeout.C:
			spinner.Info("Nothing new")
			return
		case next := <-states:
			if changed(s, next) {
				spinner.Success("Session updated")
				return
			}
		}
	}
}

func waitingText(s session.State) string {
	switch {
	case s.VotingEnabled && !s.IsComplete:
		return fmt.Sprintf("Waiting for votes (%d/%d)...", len(s.VoteTally), len(s.ConnectedPeers)+1)
	case s.Role == session.RoleHost:
		return "Waiting for participants..."
	default:
		return "Looking for a host..."
	}
}

func changed(a, b session.State) bool {
	return a.Phase != b.Phase ||
		a.LastError != b.LastError ||
		len(a.ConnectedPeers) != len(b.ConnectedPeers) ||
		len(a.VoteTally) != len(b.VoteTally) ||
		a.RoundID != b.RoundID
}

func (u *ui) joinByAddress() {
	addr, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Host address (ip:port, or just the last octets)").Show()
	ipaddr, port, err := splitHostPort(strings.TrimSpace(addr), u.defaultPort)
	if err != nil || port == "0" {
		pterm.Error.Printfln("invalid address %q", addr)
		return
	}
	local, err := localIPv4()
	if err != nil {
		u.logger.Warn("no local address to complete the host address", "error", err)
		local = net.IPv4(127, 0, 0, 1)
	}
	ip, err := guessIpAddress(local.To4(), ipaddr)
	if err != nil {
		pterm.Error.Printfln("could not guess address for %q: %v", addr, err)
		return
	}
	fingerprint, _ := pterm.DefaultInteractiveTextInput.WithDefaultText("Certificate fingerprint (empty to trust the host)").Show()
	if err := u.manager.JoinAddress(net.JoinHostPort(ip.String(), port), strings.TrimSpace(fingerprint)); err != nil {
		pterm.Warning.Println(err)
	}
}

func (u *ui) flipCoin() {
	spinner, _ := pterm.DefaultSpinner.Start("Flipping the coin...")
	time.Sleep(500 * time.Millisecond)
	spinner.Success(fmt.Sprintf("It's %s!", pterm.LightGreen(u.drawer.Coin())))
}

func (u *ui) rollDice() {
	options := make([]string, decide.MaxDice)
	for i := range options {
		options[i] = strconv.Itoa(i + 1)
	}
	choice, _ := pterm.DefaultInteractiveSelect.WithOptions(options).Show("How many dice?")
	n, _ := strconv.Atoi(choice)
	faces, sum, err := u.drawer.Dice(n)
	if err != nil {
		pterm.Error.Println(err)
		return
	}
	pterm.Success.Printfln("%s (total %d)", formatFaces(faces), sum)
}

func (u *ui) spinRoulette() {
	input, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Segments, comma separated").
		WithDefaultValue(strings.Join(decide.DefaultSegments, ",")).
		Show()
	pointer, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"top", "right", "bottom", "left"}).
		Show("Where is the pointer?")
	p, err := decide.ParsePointer(pointer)
	if err != nil {
		pterm.Error.Println(err)
		return
	}
	spin, err := u.drawer.Roulette(parseSegments(input), p)
	if errors.Is(err, decide.ErrNoSegments) {
		pterm.Error.Println("the wheel needs at least one segment")
		return
	} else if err != nil {
		pterm.Error.Println(err)
		return
	}
	pterm.Success.Printfln("The wheel stopped at %.1f°: %s", spin.Angle, pterm.LightGreen(spin.Segment))
}

// parseSegments splits a comma separated list, dropping empty items.
func parseSegments(input string) []string {
	var segments []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func formatFaces(faces []int) string {
	s := make([]string, len(faces))
	for i, f := range faces {
		s[i] = strconv.Itoa(f)
	}
	return strings.Join(s, " - ")
}
