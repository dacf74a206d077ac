package pixbuf

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestNV12Layout(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		align         int
		want          []PlaneLayout
	}{
		{
			name: "packed", width: 8, height: 4, align: 0,
			want: []PlaneLayout{
				{Width: 8, Height: 4, BytesPerRow: 8, BytesPerPixel: 1},
				{Width: 4, Height: 2, BytesPerRow: 8, BytesPerPixel: 2},
			},
		},
		{
			name: "aligned", width: 10, height: 6, align: 64,
			want: []PlaneLayout{
				{Width: 10, Height: 6, BytesPerRow: 64, BytesPerPixel: 1},
				{Width: 5, Height: 3, BytesPerRow: 64, BytesPerPixel: 2},
			},
		},
		{
			name: "odd dimensions", width: 7, height: 5, align: 4,
			want: []PlaneLayout{
				{Width: 7, Height: 5, BytesPerRow: 8, BytesPerPixel: 1},
				{Width: 4, Height: 3, BytesPerRow: 8, BytesPerPixel: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NV12Layout(tt.width, tt.height, tt.align)
			if err != nil {
				t.Fatalf("NV12Layout() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d planes, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("plane %d = %+v, want %+v", i, got[i], tt.want[i])
				}
				if err := got[i].Validate(); err != nil {
					t.Errorf("plane %d invalid: %v", i, err)
				}
			}
		})
	}

	if _, err := NV12Layout(0, 4, 0); !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("zero width error = %v, want ErrUnsupportedLayout", err)
	}
}

func TestPlaneLayoutValidate(t *testing.T) {
	l := PlaneLayout{Width: 4, Height: 2, BytesPerRow: 7, BytesPerPixel: 2}
	if err := l.Validate(); !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("Validate() = %v, want ErrUnsupportedLayout", err)
	}
}

func TestPoolReuse(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pool, err := NewPool(FormatNV12FullRange, 16, 8, PoolOptions{MaxBuffers: 4, RowAlignment: 16}, logger)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	// Simulate 1000 frames with up to 3 buffers in flight
	var inFlight []*Buffer
	for i := 0; i < 1000; i++ {
		b, err := pool.Acquire()
		if err != nil {
			t.Fatalf("frame %d: Acquire() error = %v", i, err)
		}
		inFlight = append(inFlight, b)
		if len(inFlight) == 3 {
			if err := inFlight[0].Release(); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			inFlight = inFlight[1:]
		}
	}

	stats := pool.Stats()
	if stats.Allocated > 3 {
		t.Errorf("Allocated = %d, want <= 3", stats.Allocated)
	}
	if stats.Acquired != 1000 {
		t.Errorf("Acquired = %d, want 1000", stats.Acquired)
	}
	if stats.Reuses < 990 {
		t.Errorf("Reuses = %d, want >= 990", stats.Reuses)
	}
	if stats.InUse != 2 {
		t.Errorf("InUse = %d, want 2", stats.InUse)
	}
}

func TestPoolExhausted(t *testing.T) {
	pool, err := NewPool(FormatNV12FullRange, 4, 4, PoolOptions{MaxBuffers: 2}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	a, _ := pool.Acquire()
	b, _ := pool.Acquire()
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third Acquire() error = %v, want ErrPoolExhausted", err)
	}

	// A retained buffer must not come back while someone still holds it
	a.Retain()
	a.Release()
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire() with retained buffer error = %v, want ErrPoolExhausted", err)
	}

	a.Release()
	c, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	if c != a {
		t.Error("expected released buffer to be reused")
	}
	if c.Refs() != 1 {
		t.Errorf("Refs() = %d, want 1", c.Refs())
	}
	b.Release()

	if got := pool.Stats().Exhausted; got != 2 {
		t.Errorf("Exhausted = %d, want 2", got)
	}
}

func TestPoolAllocationFailed(t *testing.T) {
	if _, err := NewPool(FormatNV12FullRange, 0, 10, PoolOptions{}, nil); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("zero width error = %v, want ErrAllocationFailed", err)
	}
	if _, err := NewPool(FormatNV12FullRange, 1920, 1080, PoolOptions{MaxBytes: 1024}, nil); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("oversized error = %v, want ErrAllocationFailed", err)
	}

	failing := errors.New("out of memory")
	pool, err := NewPool(FormatNV12FullRange, 4, 4, PoolOptions{
		Allocator: func([]PlaneLayout) (Memory, error) { return nil, failing },
	}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	_, err = pool.Acquire()
	if !errors.Is(err, ErrAllocationFailed) || !errors.Is(err, failing) {
		t.Errorf("Acquire() error = %v, want ErrAllocationFailed wrapping cause", err)
	}
	if got := pool.Stats().Allocated; got != 0 {
		t.Errorf("Allocated = %d after failure, want 0", got)
	}
}

func TestBufferReleaseTwice(t *testing.T) {
	pool, _ := NewPool(FormatNV12FullRange, 4, 4, PoolOptions{}, nil)
	b, _ := pool.Acquire()
	if err := b.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := b.Release(); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("second Release() error = %v, want ErrDoubleRelease", err)
	}
	if got := pool.Stats().Free; got != 1 {
		t.Errorf("Free = %d, want 1", got)
	}
}

func TestBufferFreeze(t *testing.T) {
	pool, _ := NewPool(FormatNV12FullRange, 4, 4, PoolOptions{}, nil)
	b, _ := pool.Acquire()
	if err := Fill(b, 1, 2, 3); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	b.Freeze()
	if err := b.Write(func([]Plane) error { return nil }); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write() on frozen buffer = %v, want ErrReadOnly", err)
	}
	if err := b.Read(func(p []Plane) error {
		if p[0].Row(0)[0] != 1 {
			t.Errorf("luma = %d, want 1", p[0].Row(0)[0])
		}
		return nil
	}); err != nil {
		t.Errorf("Read() error = %v", err)
	}

	// Recycled buffers come back writable
	b.Release()
	again, _ := pool.Acquire()
	if again.ReadOnly() {
		t.Error("recycled buffer still read-only")
	}
}

func TestPoolConcurrentRelease(t *testing.T) {
	pool, _ := NewPool(FormatNV12FullRange, 8, 8, PoolOptions{MaxBuffers: 8}, nil)
	ch := make(chan *Buffer, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range ch {
			b.Release()
		}
	}()

	for i := 0; i < 500; i++ {
		b, err := pool.Acquire()
		for errors.Is(err, ErrPoolExhausted) {
			b, err = pool.Acquire()
		}
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		ch <- b
	}
	close(ch)
	wg.Wait()

	stats := pool.Stats()
	if stats.InUse != 0 {
		t.Errorf("InUse = %d, want 0", stats.InUse)
	}
	if stats.Allocated > 8 {
		t.Errorf("Allocated = %d, want <= 8", stats.Allocated)
	}
}

func TestPoolClose(t *testing.T) {
	pool, _ := NewPool(FormatNV12FullRange, 4, 4, PoolOptions{}, nil)
	a, _ := pool.Acquire()
	b, _ := pool.Acquire()
	a.Release()
	pool.Close()
	b.Release()

	if stats := pool.Stats(); stats.Allocated != 0 || stats.Free != 0 {
		t.Errorf("stats after close = %+v, want empty", stats)
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("Acquire() after Close = %v, want ErrAllocationFailed", err)
	}
}

func TestToYCbCr(t *testing.T) {
	pool, _ := NewPool(FormatNV12FullRange, 6, 4, PoolOptions{RowAlignment: 32}, nil)
	b, _ := pool.Acquire()
	if err := Fill(b, 200, 100, 50); err != nil {
		t.Fatalf("Fill() error = %v", err)
	}

	img, err := ToYCbCr(b)
	if err != nil {
		t.Fatalf("ToYCbCr() error = %v", err)
	}
	if img.Rect.Dx() != 6 || img.Rect.Dy() != 4 {
		t.Fatalf("image size = %v, want 6x4", img.Rect)
	}
	c := img.YCbCrAt(5, 3)
	if c.Y != 200 || c.Cb != 100 || c.Cr != 50 {
		t.Errorf("pixel = %+v, want {200 100 50}", c)
	}
}
