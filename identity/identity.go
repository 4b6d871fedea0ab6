// Package identity creates the process-local identity a device uses inside a
// decision session.
//
// A Peer is generated once at start-up and never persisted. Its display name
// is the device name followed by a short suffix taken from a random UUID, so
// that two devices sharing a name can still be told apart:
//
//	kitchen-ipad#3F2A
package identity

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// SuffixLength is the number of UUID characters appended to the device name.
const SuffixLength = 4

// Peer identifies a device taking part in a session.
type Peer struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// New returns a fresh identity for the given device name. An empty device
// name falls back to DeviceName.
func New(deviceName string) Peer {
	if strings.TrimSpace(deviceName) == "" {
		deviceName = DeviceName()
	}
	id := uuid.New()
	suffix := strings.ToUpper(id.String())[:SuffixLength]
	return Peer{
		ID:   id,
		Name: fmt.Sprintf("%s#%s", deviceName, suffix),
	}
}

// DeviceName returns the host name of the machine, or "device" when it
// cannot be determined.
func DeviceName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "device"
	}
	return name
}

// IsZero reports whether p is the zero identity.
func (p Peer) IsZero() bool {
	return p.ID == uuid.Nil
}

func (p Peer) String() string {
	return p.Name
}
