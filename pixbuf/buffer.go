package pixbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrDoubleRelease is returned when a buffer is released more times than it was retained
var ErrDoubleRelease = errors.New("buffer released after its last reference")

// Memory is the raw storage behind a Buffer. Map hands out one slice per
// plane (nil for a plane that is not accessible) and stays valid until Unmap.
type Memory interface {
	Map(writable bool) ([][]byte, error)
	Unmap()
}

// HeapMemory keeps planes in Go-managed byte slices
type HeapMemory struct {
	planes [][]byte
}

// NewHeapMemory allocates zeroed storage for the given plane layouts
func NewHeapMemory(layouts []PlaneLayout) *HeapMemory {
	planes := make([][]byte, len(layouts))
	for i, l := range layouts {
		planes[i] = make([]byte, l.Size())
	}
	return &HeapMemory{planes: planes}
}

// Map returns the plane slices
func (m *HeapMemory) Map(writable bool) ([][]byte, error) {
	return m.planes, nil
}

// Unmap is a no-op for heap memory
func (m *HeapMemory) Unmap() {}

// Buffer is a multi-plane frame. Plane memory is only reachable through
// Read and Write, which scope access to the duration of a callback.
type Buffer struct {
	format  PixelFormat
	width   int
	height  int
	layouts []PlaneLayout
	mem     Memory

	readOnly  atomic.Bool
	refs      atomic.Int32
	onRelease func(*Buffer)
}

// NewBuffer wraps memory as a mutable buffer holding one reference
func NewBuffer(format PixelFormat, width, height int, layouts []PlaneLayout, mem Memory) (*Buffer, error) {
	if format.PlaneCount() == 0 {
		return nil, fmt.Errorf("%w: pixel format %s", ErrUnsupportedLayout, format)
	}
	if len(layouts) != format.PlaneCount() {
		return nil, fmt.Errorf("%w: %s needs %d planes, got %d", ErrUnsupportedLayout, format, format.PlaneCount(), len(layouts))
	}
	for i, l := range layouts {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("plane %d: %w", i, err)
		}
	}
	if mem == nil {
		return nil, fmt.Errorf("%w: nil memory", ErrUnsupportedLayout)
	}
	b := &Buffer{
		format:  format,
		width:   width,
		height:  height,
		layouts: layouts,
		mem:     mem,
	}
	b.refs.Store(1)
	return b, nil
}

// Format returns the pixel format
func (b *Buffer) Format() PixelFormat { return b.format }

// Width returns the frame width in pixels
func (b *Buffer) Width() int { return b.width }

// Height returns the frame height in pixels
func (b *Buffer) Height() int { return b.height }

// PlaneCount returns the number of planes
func (b *Buffer) PlaneCount() int { return len(b.layouts) }

// Layout returns the geometry of plane i
func (b *Buffer) Layout(i int) PlaneLayout { return b.layouts[i] }

// ReadOnly reports whether the buffer has been frozen
func (b *Buffer) ReadOnly() bool { return b.readOnly.Load() }

// Freeze turns the buffer read-only. It cannot be undone by the holder;
// a pool clears the flag when it hands the buffer out again.
func (b *Buffer) Freeze() { b.readOnly.Store(true) }

// Read gives fn read access to the planes. The slices must not be written
// to or kept after fn returns.
func (b *Buffer) Read(fn func(planes []Plane) error) error {
	return b.access(false, fn)
}

// Write gives fn read-write access to the planes
func (b *Buffer) Write(fn func(planes []Plane) error) error {
	if b.readOnly.Load() {
		return ErrReadOnly
	}
	return b.access(true, fn)
}

func (b *Buffer) access(writable bool, fn func(planes []Plane) error) error {
	raw, err := b.mem.Map(writable)
	if err != nil {
		return fmt.Errorf("failed to map planes: %w", err)
	}
	defer b.mem.Unmap()

	planes := make([]Plane, len(b.layouts))
	for i, l := range b.layouts {
		planes[i].PlaneLayout = l
		if i < len(raw) && len(raw[i]) > 0 {
			planes[i].Bytes = raw[i]
		}
	}
	return fn(planes)
}

// Retain adds a reference
func (b *Buffer) Retain() {
	b.refs.Add(1)
}

// Refs returns the current reference count
func (b *Buffer) Refs() int32 { return b.refs.Load() }

// Release drops a reference. Dropping the last one hands the buffer back to
// its pool, after which the caller must not touch it.
func (b *Buffer) Release() error {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return ErrDoubleRelease
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 && b.onRelease != nil {
				b.onRelease(b)
			}
			return nil
		}
	}
}

func (b *Buffer) reset() {
	b.readOnly.Store(false)
	b.refs.Store(1)
}
