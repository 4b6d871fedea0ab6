package network

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/luca-patrignani/quick-decision/discovery"
)

var errBusDown = errors.New("bus down")

// memoryBus is a Beacon delivering announcements between transports of the
// same test process.
type memoryBus struct {
	mu           sync.Mutex
	adverts      map[*memoryAdvert]struct{}
	scanners     map[*memoryScanner]struct{}
	failAnnounce int
}

type memoryAdvert struct {
	bus       *memoryBus
	serviceID string
	info      []byte
}

type memoryScanner struct {
	bus       *memoryBus
	serviceID string
	entries   chan discovery.Entry
}

func newMemoryBus() *memoryBus {
	return &memoryBus{
		adverts:  make(map[*memoryAdvert]struct{}),
		scanners: make(map[*memoryScanner]struct{}),
	}
}

func (b *memoryBus) Announce(serviceID string, info []byte) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAnnounce > 0 {
		b.failAnnounce--
		return nil, errBusDown
	}
	a := &memoryAdvert{bus: b, serviceID: serviceID, info: info}
	b.adverts[a] = struct{}{}
	for s := range b.scanners {
		s.deliver(a)
	}
	return a, nil
}

func (b *memoryBus) Scan(serviceID string) (<-chan discovery.Entry, io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memoryScanner{bus: b, serviceID: serviceID, entries: make(chan discovery.Entry, 16)}
	b.scanners[s] = struct{}{}
	for a := range b.adverts {
		s.deliver(a)
	}
	return s.entries, s, nil
}

// announcements returns the payloads currently announced.
func (b *memoryBus) announcements() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var infos [][]byte
	for a := range b.adverts {
		infos = append(infos, a.info)
	}
	return infos
}

// deliver must be called with the bus lock held.
func (s *memoryScanner) deliver(a *memoryAdvert) {
	if a.serviceID != s.serviceID {
		return
	}
	select {
	case s.entries <- discovery.Entry{Info: a.info, Time: time.Now()}:
	default:
	}
}

func (a *memoryAdvert) Close() error {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	delete(a.bus.adverts, a)
	return nil
}

func (s *memoryScanner) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.scanners[s]; ok {
		delete(s.bus.scanners, s)
		close(s.entries)
	}
	return nil
}
