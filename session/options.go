package session

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/quick-decision/decide"
	"github.com/luca-patrignani/quick-decision/history"
	"github.com/luca-patrignani/quick-decision/livestatus"
)

type options struct {
	clock     clockwork.Clock
	logger    *slog.Logger
	drawer    *decide.Drawer
	history   *history.Log
	publisher livestatus.Publisher
	title     string
}

// Option configures a Manager.
type Option func(options) options

func defaultOptions() options {
	clock := clockwork.NewRealClock()
	return options{
		clock:     clock,
		logger:    slog.Default(),
		drawer:    decide.New(),
		history:   history.New(clock),
		publisher: livestatus.Nop{},
		title:     livestatus.DefaultTitle,
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o options) options {
		o.clock = clock
		o.history = history.New(clock)
		return o
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o options) options {
		o.logger = logger
		return o
	}
}

// WithDrawer sets the source of the dice rolled by RollDice.
func WithDrawer(d *decide.Drawer) Option {
	return func(o options) options {
		o.drawer = d
		return o
	}
}

// WithLiveStatus mirrors every round on p under the given title.
func WithLiveStatus(p livestatus.Publisher, title string) Option {
	return func(o options) options {
		o.publisher = p
		o.title = title
		return o
	}
}
