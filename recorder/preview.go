package recorder

import (
	"sync"
	"time"

	"stereo-recorder/pixbuf"
)

// Preview holds the most recent composite for the UI. It keeps one
// reference on the held buffer.
type Preview struct {
	mu        sync.Mutex
	buf       *pixbuf.Buffer
	updatedAt time.Time
	seq       uint64
}

// Set replaces the held composite; nil clears it
func (p *Preview) Set(b *pixbuf.Buffer, seq uint64) {
	if b != nil {
		b.Retain()
	}
	p.mu.Lock()
	old := p.buf
	p.buf = b
	p.seq = seq
	p.updatedAt = time.Now()
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Acquire returns the current composite with an extra reference the caller
// must Release, or nil when no preview is available
func (p *Preview) Acquire() (*pixbuf.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return nil, p.seq
	}
	p.buf.Retain()
	return p.buf, p.seq
}

// UpdatedAt returns when the preview last changed
func (p *Preview) UpdatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updatedAt
}

// Clear drops the held composite
func (p *Preview) Clear() {
	p.Set(nil, 0)
}
