package decide

import (
	"fmt"
	"math"
	"strings"
)

// Pointer is where the roulette pointer sits around the wheel.
type Pointer int

const (
	PointerTop Pointer = iota
	PointerRight
	PointerBottom
	PointerLeft
)

func (p Pointer) String() string {
	switch p {
	case PointerRight:
		return "right"
	case PointerBottom:
		return "bottom"
	case PointerLeft:
		return "left"
	default:
		return "top"
	}
}

// ParsePointer accepts the names returned by Pointer.String.
func ParsePointer(s string) (Pointer, error) {
	for _, p := range []Pointer{PointerTop, PointerRight, PointerBottom, PointerLeft} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PointerTop, fmt.Errorf("unknown pointer position %q", s)
}

// DefaultSegments is the wheel used when none is given.
var DefaultSegments = []string{"1", "2", "3", "4", "5", "6"}

// Spin is the outcome of a roulette draw.
type Spin struct {
	// Angle is the final rotation of the wheel in degrees, in [0, 360).
	Angle   float64
	Index   int
	Segment string
}

// angleSteps is the resolution of the wheel: tenths of a degree.
const angleSteps = 3600

// Roulette spins a wheel divided in equal segments, the first one starting
// under the top of the wheel, and returns the segment under the pointer.
func (d *Drawer) Roulette(segments []string, pointer Pointer) (Spin, error) {
	if len(segments) == 0 {
		return Spin{}, ErrNoSegments
	}
	angle := float64(d.intn(angleSteps)) * 360 / angleSteps
	index := segmentAt(angle, len(segments), pointer)
	return Spin{Angle: angle, Index: index, Segment: segments[index]}, nil
}

// segmentAt returns the segment under the pointer once the wheel has turned
// counterclockwise by angle degrees.
func segmentAt(angle float64, n int, pointer Pointer) int {
	segmentAngle := 360 / float64(n)
	at := math.Mod(angle+pointer.degrees(), 360)
	return int(math.Floor(at/segmentAngle)) % n
}

// degrees is the clockwise position of the pointer, measured from the top.
func (p Pointer) degrees() float64 {
	switch p {
	case PointerRight:
		return 90
	case PointerBottom:
		return 180
	case PointerLeft:
		return 270
	default:
		return 0
	}
}
