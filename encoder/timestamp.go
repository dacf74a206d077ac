package encoder

import (
	"fmt"
	"time"
)

// DefaultTimescale is the number of ticks per second used for presentation times
const DefaultTimescale int32 = 600

// Time is a presentation time expressed in ticks of Scale per second
type Time struct {
	Value int64
	Scale int32
}

// Seconds returns the time in seconds
func (t Time) Seconds() float64 {
	if t.Scale == 0 {
		return 0
	}
	return float64(t.Value) / float64(t.Scale)
}

// Duration converts the ticks back to a duration, rounded to the nearest nanosecond
func (t Time) Duration() time.Duration {
	if t.Scale == 0 {
		return 0
	}
	return time.Duration(roundDiv(t.Value*int64(time.Second), int64(t.Scale)))
}

// Compare returns -1, 0 or +1 comparing t to u. Both must share a timescale.
func (t Time) Compare(u Time) int {
	switch {
	case t.Value < u.Value:
		return -1
	case t.Value > u.Value:
		return 1
	default:
		return 0
	}
}

// String formats the time as value/scale
func (t Time) String() string {
	return fmt.Sprintf("%d/%d", t.Value, t.Scale)
}

// Normalizer rebases capture timestamps onto a zero origin. The first call
// fixes the origin; create a new Normalizer for every recording.
//
// Input must be non-decreasing. Out-of-order timestamps are passed through
// unchanged and may produce negative or decreasing results.
type Normalizer struct {
	timescale int32
	origin    time.Duration
	hasOrigin bool
}

// NewNormalizer creates a normalizer emitting ticks of timescale per second
func NewNormalizer(timescale int32) *Normalizer {
	if timescale <= 0 {
		timescale = DefaultTimescale
	}
	return &Normalizer{timescale: timescale}
}

// Normalize returns absolute - origin in the normalizer's timescale,
// rounded to the nearest tick
func (n *Normalizer) Normalize(absolute time.Duration) Time {
	if !n.hasOrigin {
		n.origin = absolute
		n.hasOrigin = true
	}
	delta := int64(absolute - n.origin)
	return Time{
		Value: roundDiv(delta*int64(n.timescale), int64(time.Second)),
		Scale: n.timescale,
	}
}

// Origin returns the first timestamp seen, if any
func (n *Normalizer) Origin() (time.Duration, bool) {
	return n.origin, n.hasOrigin
}

// Timescale returns the ticks per second
func (n *Normalizer) Timescale() int32 {
	return n.timescale
}

// roundDiv divides rounding half away from zero
func roundDiv(num, den int64) int64 {
	if num < 0 {
		return -((-num + den/2) / den)
	}
	return (num + den/2) / den
}
