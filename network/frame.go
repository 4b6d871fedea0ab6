package network

import (
	"github.com/google/uuid"

	"github.com/luca-patrignani/quick-decision/identity"
)

type frameKind string

const (
	frameHello   frameKind = "hello"
	frameWelcome frameKind = "welcome"
	frameReject  frameKind = "reject"
	frameJoin    frameKind = "join"
	frameLeave   frameKind = "leave"
	frameData    frameKind = "data"
)

// frame is the unit exchanged on a link. Payloads are opaque to the
// transport and travel base64 encoded inside the JSON frame.
type frame struct {
	Kind    frameKind       `json:"kind"`
	Peer    *identity.Peer  `json:"peer,omitempty"`
	Members []identity.Peer `json:"members,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	From    *identity.Peer  `json:"from,omitempty"`
	To      []uuid.UUID     `json:"to,omitempty"`
	Payload []byte          `json:"payload,omitempty"`
}

// Reasons a host gives when rejecting an invitation.
const (
	rejectNoSession = "no active session"
	rejectDuplicate = "already connected"
)

// addressedTo reports whether a data frame should be delivered to id.
func (f frame) addressedTo(id uuid.UUID) bool {
	if len(f.To) == 0 {
		return true
	}
	for _, to := range f.To {
		if to == id {
			return true
		}
	}
	return false
}
