package pixbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolExhausted means every buffer the pool may allocate is still in flight
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	// ErrAllocationFailed means backing memory could not be obtained
	ErrAllocationFailed = errors.New("buffer allocation failed")
)

// Allocator creates backing memory for a new pooled buffer
type Allocator func(layouts []PlaneLayout) (Memory, error)

// PoolOptions bounds a pool
type PoolOptions struct {
	MaxBuffers   int   // cap on live buffers, 0 means unbounded
	RowAlignment int   // row stride alignment in bytes
	MaxBytes     int64 // cap on a single buffer's size, 0 means unbounded
	Allocator    Allocator
}

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Allocated int    `json:"allocated"`
	InUse     int    `json:"in_use"`
	Free      int    `json:"free"`
	Acquired  uint64 `json:"acquired"`
	Reuses    uint64 `json:"reuses"`
	Exhausted uint64 `json:"exhausted"`
}

// Pool recycles buffers of a single format and size. Acquire and the
// release path may run on different goroutines.
type Pool struct {
	format  PixelFormat
	width   int
	height  int
	layouts []PlaneLayout
	opts    PoolOptions
	logger  *zap.Logger

	mu        sync.Mutex
	free      []*Buffer
	allocated int
	closed    bool

	acquired  atomic.Uint64
	reuses    atomic.Uint64
	exhausted atomic.Uint64
}

// NewPool creates a pool for width x height frames of format
func NewPool(format PixelFormat, width, height int, opts PoolOptions, logger *zap.Logger) (*Pool, error) {
	layouts, err := Layout(format, width, height, opts.RowAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	if opts.MaxBytes > 0 {
		var total int64
		for _, l := range layouts {
			total += int64(l.Size())
		}
		if total > opts.MaxBytes {
			return nil, fmt.Errorf("%w: frame needs %d bytes, limit is %d", ErrAllocationFailed, total, opts.MaxBytes)
		}
	}
	if opts.Allocator == nil {
		opts.Allocator = func(layouts []PlaneLayout) (Memory, error) {
			return NewHeapMemory(layouts), nil
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		format:  format,
		width:   width,
		height:  height,
		layouts: layouts,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Format returns the pixel format of pooled buffers
func (p *Pool) Format() PixelFormat { return p.format }

// Width returns the frame width of pooled buffers
func (p *Pool) Width() int { return p.width }

// Height returns the frame height of pooled buffers
func (p *Pool) Height() int { return p.height }

// Layouts returns a copy of the plane layouts shared by every pooled buffer
func (p *Pool) Layouts() []PlaneLayout {
	out := make([]PlaneLayout, len(p.layouts))
	copy(out, p.layouts)
	return out
}

// Acquire returns a mutable buffer holding one reference. The buffer goes
// back to the pool when its last reference is released.
func (p *Pool) Acquire() (*Buffer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool closed", ErrAllocationFailed)
	}
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()

		b.reset()
		p.acquired.Add(1)
		p.reuses.Add(1)
		return b, nil
	}
	if p.opts.MaxBuffers > 0 && p.allocated >= p.opts.MaxBuffers {
		p.mu.Unlock()
		p.exhausted.Add(1)
		return nil, fmt.Errorf("%w: %d buffers in flight", ErrPoolExhausted, p.opts.MaxBuffers)
	}
	p.allocated++
	live := p.allocated
	p.mu.Unlock()

	mem, err := p.opts.Allocator(p.layouts)
	if err == nil && mem == nil {
		err = errors.New("allocator returned no memory")
	}
	if err != nil {
		p.mu.Lock()
		p.allocated--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	b, err := NewBuffer(p.format, p.width, p.height, p.layouts, mem)
	if err != nil {
		p.mu.Lock()
		p.allocated--
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	b.onRelease = p.recycle
	p.acquired.Add(1)

	p.logger.Debug("Allocated pooled buffer",
		zap.Int("width", p.width),
		zap.Int("height", p.height),
		zap.Int("allocated", live))

	return b, nil
}

func (p *Pool) recycle(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.allocated--
		return
	}
	p.free = append(p.free, b)
}

// Stats returns current pool counters
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	allocated, free := p.allocated, len(p.free)
	p.mu.Unlock()
	return PoolStats{
		Allocated: allocated,
		InUse:     allocated - free,
		Free:      free,
		Acquired:  p.acquired.Load(),
		Reuses:    p.reuses.Load(),
		Exhausted: p.exhausted.Load(),
	}
}

// Close drops idle buffers. Buffers still in flight are discarded when released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.allocated -= len(p.free)
	p.free = nil
}
