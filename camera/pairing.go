package camera

import (
	"sync"
	"sync/atomic"
	"time"
)

// Eye identifies a camera of the stereo rig
type Eye int

const (
	EyeLeft Eye = iota
	EyeRight
)

// String returns the eye name
func (e Eye) String() string {
	if e == EyeLeft {
		return "left"
	}
	return "right"
}

// Pairer matches left and right samples whose timestamps lie within
// tolerance of each other. When they drift further apart the older sample
// is released so the streams resynchronise.
type Pairer struct {
	tolerance time.Duration

	mu      sync.Mutex
	pending [2]*EyeSample
	seq     uint64

	dropped atomic.Uint64
}

// NewPairer creates a pairer. A zero tolerance pairs only identical timestamps.
func NewPairer(tolerance time.Duration) *Pairer {
	return &Pairer{tolerance: tolerance}
}

// Push offers a sample for eye. It returns a frame when the sample completes
// a pair, or nil while waiting for the other eye.
func (p *Pairer) Push(eye Eye, s *EyeSample) *StereoFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	other := p.pending[1-eye]
	if other == nil {
		p.replace(eye, s)
		return nil
	}

	dt := s.Timestamp - other.Timestamp
	if dt < 0 {
		dt = -dt
	}
	if dt > p.tolerance {
		if s.Timestamp > other.Timestamp {
			// The other eye fell behind; its sample will never pair
			p.drop(other)
			p.pending[1-eye] = nil
			p.replace(eye, s)
		} else {
			p.drop(s)
		}
		return nil
	}

	p.pending[1-eye] = nil
	p.seq++
	f := &StereoFrame{Seq: p.seq}
	if eye == EyeLeft {
		f.Left, f.Right = s, other
	} else {
		f.Left, f.Right = other, s
	}
	f.Timestamp = f.Left.Timestamp
	return f
}

func (p *Pairer) replace(eye Eye, s *EyeSample) {
	if old := p.pending[eye]; old != nil {
		p.drop(old)
	}
	p.pending[eye] = s
}

func (p *Pairer) drop(s *EyeSample) {
	if s.Buffer != nil {
		s.Buffer.Release()
		s.Buffer = nil
	}
	p.dropped.Add(1)
}

// Dropped returns how many samples were discarded without a partner
func (p *Pairer) Dropped() uint64 {
	return p.dropped.Load()
}

// Flush releases any sample still waiting for a partner
func (p *Pairer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.pending {
		if s != nil {
			p.drop(s)
			p.pending[i] = nil
		}
	}
}
