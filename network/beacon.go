package network

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/quick-decision/discovery"
)

// Announcement is the presence information a host publishes.
type Announcement struct {
	ServiceID   string    `json:"serviceId"`
	PeerID      uuid.UUID `json:"peerId"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Fingerprint string    `json:"fingerprint"`
}

func parseAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	err := json.Unmarshal(b, &a)
	return a, err
}

// Beacon publishes and scans presence announcements under a service
// identifier. Closing the returned io.Closer stops the announcement or the
// scan; a scan closes its channel when stopped.
type Beacon interface {
	Announce(serviceID string, info []byte) (io.Closer, error)
	Scan(serviceID string) (<-chan discovery.Entry, io.Closer, error)
}

// MulticastBeacon is the Beacon backed by UDP multicast.
type MulticastBeacon struct {
	Port     uint16
	Interval time.Duration
	Logger   *slog.Logger
}

func (b MulticastBeacon) Announce(serviceID string, info []byte) (io.Closer, error) {
	d := &discovery.Discover{
		ServiceID:                    serviceID,
		Info:                         info,
		Port:                         b.Port,
		IntervalBetweenAnnouncements: b.Interval,
		Logger:                       b.Logger,
	}
	if err := d.Start(); err != nil {
		return nil, err
	}
	return d, nil
}

func (b MulticastBeacon) Scan(serviceID string) (<-chan discovery.Entry, io.Closer, error) {
	d := &discovery.Discover{
		ServiceID:                    serviceID,
		Port:                         b.Port,
		IntervalBetweenAnnouncements: b.Interval,
		Listen:                       true,
		Logger:                       b.Logger,
	}
	if err := d.Start(); err != nil {
		return nil, nil, err
	}
	return d.Entries, d, nil
}
