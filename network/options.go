package network

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/quick-decision/identity"
)

// Defaults used when no option overrides them.
const (
	DefaultInviteTimeout   = 30 * time.Second
	DefaultRetryBackoff    = 2 * time.Second
	DefaultAnnounceEvery   = time.Second
	DefaultDiscoveryPort   = 53552
	DefaultListenAddress   = ":0"
	lostAfterAnnouncements = 3
)

type options struct {
	clock         clockwork.Clock
	logger        *slog.Logger
	beacon        Beacon
	inviteTimeout time.Duration
	retryBackoff  time.Duration
	announceEvery time.Duration
	listenAddress string
	advertiseHost string
	accept        func(identity.Peer) bool
}

// Option configures a Transport.
type Option func(options) options

func defaultOptions() options {
	return options{
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
		inviteTimeout: DefaultInviteTimeout,
		retryBackoff:  DefaultRetryBackoff,
		announceEvery: DefaultAnnounceEvery,
		listenAddress: DefaultListenAddress,
		accept:        func(identity.Peer) bool { return true },
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o options) options {
		o.clock = clock
		return o
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o options) options {
		o.logger = logger
		return o
	}
}

// WithBeacon replaces the multicast beacon.
func WithBeacon(beacon Beacon) Option {
	return func(o options) options {
		o.beacon = beacon
		return o
	}
}

// WithInviteTimeout bounds how long a participant waits for a host to answer
// an invitation.
func WithInviteTimeout(timeout time.Duration) Option {
	return func(o options) options {
		o.inviteTimeout = timeout
		return o
	}
}

// WithRetryBackoff sets the delay between two attempts to start advertising
// or discovering.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(o options) options {
		o.retryBackoff = backoff
		return o
	}
}

// WithAnnounceInterval sets how often a host announces itself. A host whose
// announcements stop for three intervals is reported lost.
func WithAnnounceInterval(interval time.Duration) Option {
	return func(o options) options {
		o.announceEvery = interval
		return o
	}
}

// WithListenAddress sets the TCP address a host listens on.
func WithListenAddress(address string) Option {
	return func(o options) options {
		o.listenAddress = address
		return o
	}
}

// WithAdvertiseHost sets the host name or IP put in announcements instead of
// the address of the outbound interface.
func WithAdvertiseHost(host string) Option {
	return func(o options) options {
		o.advertiseHost = host
		return o
	}
}

// WithAcceptFunc installs the hook a host consults before admitting a
// participant. It is called from network goroutines and must not block.
func WithAcceptFunc(accept func(identity.Peer) bool) Option {
	return func(o options) options {
		o.accept = accept
		return o
	}
}
