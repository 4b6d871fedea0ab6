package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

const multicastIpAddress = "239.0.0.1"

const (
	keyLength     = 8
	maxPacketSize = 1024
)

// MaxServiceIDLength is the longest service identifier an announcement can carry.
const MaxServiceIDLength = 255

var (
	ErrServiceIDTooLong = fmt.Errorf("service id longer than %d bytes", MaxServiceIDLength)
	errShortPacket      = errors.New("packet too short")
)

// Discover represents a discovery instance that announces and listens for service information.
// Before calling Start, configure ServiceID (the namespace shared by cooperating
// instances), Info (the payload to announce, nil to stay silent), Port (UDP port),
// IntervalBetweenAnnouncements (frequency of announcements) and Listen.
// After Start succeeds and Listen is set, discovered entries are received on the
// Entries channel.
type Discover struct {
	ServiceID                    string
	Info                         []byte
	Port                         uint16
	IntervalBetweenAnnouncements time.Duration
	Listen                       bool
	Logger                       *slog.Logger
	Entries                      chan Entry

	conn      *net.UDPConn
	sendConn  *net.UDPConn
	key       []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Entry represents a single discovery announcement received from a peer.
// Info contains the service information payload and Time is when it was received.
type Entry struct {
	Info []byte
	Time time.Time
}

// Start initializes the discovery mechanism: joins the multicast group, creates
// network connections, and starts background goroutines for listening and announcing.
// Returns an error if network setup fails.
func (d *Discover) Start() error {
	if len(d.ServiceID) > MaxServiceIDLength {
		return fmt.Errorf("%w: %d bytes", ErrServiceIDTooLong, len(d.ServiceID))
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.IntervalBetweenAnnouncements <= 0 {
		d.IntervalBetweenAnnouncements = time.Second
	}
	d.Entries = make(chan Entry, 10)
	d.done = make(chan struct{})
	d.key = []byte(fmt.Sprintf("%08x", rand.Uint32()))
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", multicastIpAddress, d.Port))
	if err != nil {
		return err
	}
	if d.Listen {
		d.conn, err = net.ListenMulticastUDP("udp4", nil, addr)
		if err != nil {
			return fmt.Errorf("joining multicast group: %w", err)
		}
	}
	if d.Info != nil {
		d.sendConn, err = net.DialUDP("udp4", nil, addr)
		if err != nil {
			if d.conn != nil {
				d.conn.Close()
			}
			return fmt.Errorf("opening announcement socket: %w", err)
		}
	}
	if d.conn != nil {
		d.startListener()
	} else {
		close(d.Entries)
	}
	if d.sendConn != nil {
		d.startDialer()
	}
	return nil
}

// Close stops the discovery mechanism and closes the underlying UDP connections.
// Returns a combined error if either connection closure fails. Calling Close
// more than once, or on an instance that was never started, is a no-op.
func (d *Discover) Close() error {
	var err1, err2 error
	d.closeOnce.Do(func() {
		if d.done != nil {
			close(d.done)
		}
		if d.conn != nil {
			err1 = d.conn.Close()
		}
		if d.sendConn != nil {
			err2 = d.sendConn.Close()
		}
		d.wg.Wait()
	})
	return errors.Join(err1, err2)
}

func (d *Discover) startListener() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(d.Entries)
		buffer := make([]byte, maxPacketSize)
		for {
			n, _, err := d.conn.ReadFromUDP(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				d.Logger.Warn("discovery read failed", "error", err)
				continue
			}
			key, serviceID, info, err := decodePacket(buffer[:n])
			if err != nil {
				continue
			}
			if bytes.Equal(key, d.key) || serviceID != d.ServiceID {
				continue
			}
			entry := Entry{
				Info: bytes.Clone(info),
				Time: time.Now(),
			}
			select {
			case d.Entries <- entry:
			default:
				d.Logger.Debug("discovery entries full, dropping announcement")
			}
		}
	}()
}

func (d *Discover) startDialer() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		packet := encodePacket(d.key, d.ServiceID, d.Info)
		ticker := time.NewTicker(d.IntervalBetweenAnnouncements)
		defer ticker.Stop()
		for {
			if _, err := d.sendConn.Write(packet); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				d.Logger.Warn("discovery announcement failed", "error", err)
			}
			select {
			case <-d.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// encodePacket lays out an announcement as key | len(serviceID) | serviceID | info.
func encodePacket(key []byte, serviceID string, info []byte) []byte {
	packet := make([]byte, 0, keyLength+1+len(serviceID)+len(info))
	packet = append(packet, key...)
	packet = append(packet, byte(len(serviceID)))
	packet = append(packet, serviceID...)
	return append(packet, info...)
}

func decodePacket(packet []byte) (key []byte, serviceID string, info []byte, err error) {
	if len(packet) < keyLength+1 {
		return nil, "", nil, errShortPacket
	}
	key = packet[:keyLength]
	n := int(packet[keyLength])
	rest := packet[keyLength+1:]
	if len(rest) < n {
		return nil, "", nil, errShortPacket
	}
	return key, string(rest[:n]), rest[n:], nil
}
