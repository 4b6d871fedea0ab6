package network

import (
	"fmt"

	"github.com/luca-patrignani/quick-decision/identity"
)

// EventKind tells what a transport Event reports.
type EventKind int

const (
	EventPeerFound EventKind = iota + 1
	EventPeerLost
	EventPeerConnected
	EventPeerDisconnected
	EventMessage
	EventSendFailed
	EventUnavailable
	EventAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventPeerFound:
		return "peer-found"
	case EventPeerLost:
		return "peer-lost"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	case EventSendFailed:
		return "send-failed"
	case EventUnavailable:
		return "unavailable"
	case EventAvailable:
		return "available"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a notification produced by the transport.
// Peer is set for peer and message events, Payload for messages and Err for
// failures.
type Event struct {
	Kind    EventKind
	Epoch   uint64
	Peer    identity.Peer
	Payload []byte
	Err     error
}

// Operations reported by UnavailableError.
const (
	OpAdvertise = "advertise this device"
	OpDiscover  = "search for other devices"
)

// UnavailableError is reported when the transport cannot advertise or scan.
// Its message is meant to be shown to the user.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("unable to %s: make sure Wi-Fi is enabled and the app may use the local network (%v)", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
