package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const genesisPrevHash = "0"

// ErrEmpty is returned when no round has been recorded yet.
var ErrEmpty = errors.New("no completed round")

// Round is the outcome of a completed dice vote.
type Round struct {
	ID        uuid.UUID      `json:"id"`
	Completed time.Time      `json:"completed"`
	Tally     map[string]int `json:"tally"`
}

// Highest returns the names that rolled the highest value, sorted, together
// with that value.
func (r Round) Highest() ([]string, int) {
	best := 0
	var names []string
	for name, v := range r.Tally {
		switch {
		case v > best:
			best = v
			names = []string{name}
		case v == best:
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, best
}

// Entry is a link of the chain.
type Entry struct {
	Index     int    `json:"index"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Round     Round  `json:"round"`
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	entries []Entry
}

// New returns a log holding only its genesis entry.
func New(clock clockwork.Clock) *Log {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	genesis := Entry{
		Index:     0,
		Timestamp: clock.Now().Unix(),
		PrevHash:  genesisPrevHash,
	}
	genesis.Hash = calculateHash(genesis)
	return &Log{clock: clock, entries: []Entry{genesis}}
}

// Append records a completed round. The tally is copied.
func (l *Log) Append(r Round) (Entry, error) {
	if len(r.Tally) == 0 {
		return Entry{}, fmt.Errorf("round %s has no votes", r.ID)
	}
	tally := make(map[string]int, len(r.Tally))
	for k, v := range r.Tally {
		tally[k] = v
	}
	r.Tally = tally

	l.mu.Lock()
	defer l.mu.Unlock()
	latest := l.entries[len(l.entries)-1]
	e := Entry{
		Index:     latest.Index + 1,
		Timestamp: l.clock.Now().Unix(),
		PrevHash:  latest.Hash,
		Round:     r,
	}
	e.Hash = calculateHash(e)
	if err := validate(e, latest); err != nil {
		return Entry{}, fmt.Errorf("invalid entry: %w", err)
	}
	l.entries = append(l.entries, e)
	return e, nil
}

// Latest returns the most recent round.
func (l *Log) Latest() (Round, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) < 2 {
		return Round{}, ErrEmpty
	}
	return l.entries[len(l.entries)-1].Round, nil
}

// Rounds returns the recorded rounds, oldest first.
func (l *Log) Rounds() []Round {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rounds := make([]Round, 0, len(l.entries)-1)
	for _, e := range l.entries[1:] {
		rounds = append(rounds, e.Round)
	}
	return rounds
}

// Contains reports whether the round with the given id has been recorded.
func (l *Log) Contains(id uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries[1:] {
		if e.Round.ID == id {
			return true
		}
	}
	return false
}

// Verify checks the genesis entry and the linkage and hash of every entry.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 || l.entries[0].PrevHash != genesisPrevHash {
		return errors.New("invalid genesis entry")
	}
	if l.entries[0].Hash != calculateHash(l.entries[0]) {
		return errors.New("genesis entry hash mismatch")
	}
	for i := 1; i < len(l.entries); i++ {
		if err := validate(l.entries[i], l.entries[i-1]); err != nil {
			return fmt.Errorf("entry %d invalid: %w", i, err)
		}
	}
	return nil
}

func validate(current, previous Entry) error {
	if current.Index != previous.Index+1 {
		return fmt.Errorf("invalid index: expected %d, got %d", previous.Index+1, current.Index)
	}
	if current.PrevHash != previous.Hash {
		return fmt.Errorf("invalid prev hash: expected %s, got %s", previous.Hash, current.PrevHash)
	}
	if expected := calculateHash(current); current.Hash != expected {
		return fmt.Errorf("invalid hash: expected %s, got %s", expected, current.Hash)
	}
	return nil
}

// calculateHash hashes everything but the Hash field. Map keys are sorted by
// encoding/json, so equal rounds hash equally.
func calculateHash(e Entry) string {
	round, _ := json.Marshal(e.Round)
	data := fmt.Sprintf("%d%d%s%s", e.Index, e.Timestamp, e.PrevHash, round)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
