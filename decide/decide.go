// Package decide draws the random outcomes a single device can produce on
// its own: dice, a coin and a roulette wheel.
//
// Draws are uniform and come from the random stream of the Ed25519 kyber
// suite, which is seeded from the operating system's entropy source.
package decide

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"go.dedis.ch/kyber/v4/suites"
	"go.dedis.ch/kyber/v4/util/random"

	"github.com/luca-patrignani/quick-decision/protocol"
)

// MaxDice is the largest number of dice rolled together.
const MaxDice = 5

var (
	ErrDiceCount  = fmt.Errorf("number of dice must be between 1 and %d", MaxDice)
	ErrNoSegments = errors.New("roulette needs at least one segment")
)

// Drawer produces random outcomes. The zero value is not usable; use New.
type Drawer struct {
	mu     sync.Mutex
	stream cipher.Stream
}

// New returns a Drawer backed by the Ed25519 suite random stream.
func New() *Drawer {
	return NewFromStream(suites.MustFind("Ed25519").RandomStream())
}

// NewFromStream returns a Drawer reading from stream.
func NewFromStream(stream cipher.Stream) *Drawer {
	return &Drawer{stream: stream}
}

// intn returns a uniform integer in [0, n). random.Int never returns zero,
// so the draw is made in [1, n] and shifted down.
func (d *Drawer) intn(n int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return random.Int(big.NewInt(n+1), d.stream).Int64() - 1
}

// Die rolls a single six-sided die.
func (d *Drawer) Die() int {
	return protocol.MinDiceValue + int(d.intn(protocol.MaxDiceValue-protocol.MinDiceValue+1))
}

// Dice rolls n dice and returns every face and their sum.
func (d *Drawer) Dice(n int) ([]int, int, error) {
	if n < 1 || n > MaxDice {
		return nil, 0, ErrDiceCount
	}
	faces := make([]int, n)
	sum := 0
	for i := range faces {
		faces[i] = d.Die()
		sum += faces[i]
	}
	return faces, sum, nil
}

// Side of a coin.
type Side int

const (
	Heads Side = iota
	Tails
)

func (s Side) String() string {
	if s == Heads {
		return "heads"
	}
	return "tails"
}

// Coin flips a coin.
func (d *Drawer) Coin() Side {
	return Side(d.intn(2))
}
