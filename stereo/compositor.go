package stereo

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"stereo-recorder/pixbuf"
)

var (
	// ErrPlaneCountMismatch is returned when left and right carry a different number of planes
	ErrPlaneCountMismatch = errors.New("plane count mismatch")
	// ErrUnsupportedLayout is returned when the pair cannot be placed side by side
	ErrUnsupportedLayout = pixbuf.ErrUnsupportedLayout
)

// Stats counts compositor activity
type Stats struct {
	Composited    uint64 `json:"composited"`
	Failed        uint64 `json:"failed"`
	SkippedPlanes uint64 `json:"skipped_planes"`
	SkippedRows   uint64 `json:"skipped_rows"`
}

// Compositor places a left and right frame side by side into a pooled buffer.
// The pool is sized from the first pair it sees.
type Compositor struct {
	opts   pixbuf.PoolOptions
	logger *zap.Logger

	mu   sync.Mutex
	pool *pixbuf.Pool

	composited    atomic.Uint64
	failed        atomic.Uint64
	skippedPlanes atomic.Uint64
	skippedRows   atomic.Uint64
}

// NewCompositor creates a compositor whose output pool uses opts
func NewCompositor(opts pixbuf.PoolOptions, logger *zap.Logger) *Compositor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{
		opts:   opts,
		logger: logger,
	}
}

// Composite returns a read-only buffer of (left.Width+right.Width) x height
// holding left in its left half and right in its right half. The caller owns
// one reference to the result.
//
// A plane that cannot be mapped on any side is left untouched in the output,
// and so is a row whose source bytes fall outside the mapped region. Both
// cases are counted in Stats.
func (c *Compositor) Composite(left, right *pixbuf.Buffer) (*pixbuf.Buffer, error) {
	out, err := c.composite(left, right)
	if err != nil {
		c.failed.Add(1)
		return nil, err
	}
	c.composited.Add(1)
	return out, nil
}

func (c *Compositor) composite(left, right *pixbuf.Buffer) (*pixbuf.Buffer, error) {
	if left == nil || right == nil {
		return nil, fmt.Errorf("%w: missing eye buffer", ErrUnsupportedLayout)
	}
	if left.PlaneCount() != right.PlaneCount() {
		return nil, fmt.Errorf("%w: left has %d planes, right has %d", ErrPlaneCountMismatch, left.PlaneCount(), right.PlaneCount())
	}
	if left.Format() != right.Format() {
		return nil, fmt.Errorf("%w: left is %s, right is %s", ErrUnsupportedLayout, left.Format(), right.Format())
	}

	width := left.Width() + right.Width()
	height := max(left.Height(), right.Height())

	pool, err := c.poolFor(left.Format(), width, height)
	if err != nil {
		return nil, err
	}
	if pool.Format().PlaneCount() != left.PlaneCount() {
		return nil, fmt.Errorf("%w: output has %d planes, input has %d", ErrPlaneCountMismatch, pool.Format().PlaneCount(), left.PlaneCount())
	}

	outLayouts := pool.Layouts()
	for i, ol := range outLayouts {
		ll, rl := left.Layout(i), right.Layout(i)
		if ll.Width+rl.Width != ol.Width {
			return nil, fmt.Errorf("%w: plane %d widths %d+%d do not fill %d", ErrUnsupportedLayout, i, ll.Width, rl.Width, ol.Width)
		}
		if ll.Height != rl.Height || ll.Height != ol.Height {
			return nil, fmt.Errorf("%w: plane %d heights %d/%d, output %d", ErrUnsupportedLayout, i, ll.Height, rl.Height, ol.Height)
		}
	}

	out, err := pool.Acquire()
	if err != nil {
		return nil, err
	}

	err = left.Read(func(lp []pixbuf.Plane) error {
		return right.Read(func(rp []pixbuf.Plane) error {
			return out.Write(func(op []pixbuf.Plane) error {
				for i := range op {
					c.copyPlane(op[i], lp[i], rp[i])
				}
				return nil
			})
		})
	})
	if err != nil {
		if rerr := out.Release(); rerr != nil {
			c.logger.Warn("Failed to return composite buffer", zap.Error(rerr))
		}
		return nil, err
	}

	out.Freeze()
	return out, nil
}

// copyPlane copies one plane row by row. Strides differ between the three
// buffers, so every row is addressed through its own bytes-per-row.
//
// The pixel size comes from the format, not from bytesPerRow/width: with
// padded rows that quotient overstates the pixel size and would copy padding
// into the neighbouring eye. It is only used for layouts that leave
// BytesPerPixel unset.
func (c *Compositor) copyPlane(out, left, right pixbuf.Plane) {
	if out.Bytes == nil || left.Bytes == nil || right.Bytes == nil {
		c.skippedPlanes.Add(1)
		return
	}

	stride := out.BytesPerPixel
	if stride <= 0 {
		stride = out.BytesPerRow / out.Width
	}
	leftBytes := left.Width * stride
	rightBytes := right.Width * stride

	for y := 0; y < out.Height; y++ {
		off := y * out.BytesPerRow
		if off+leftBytes+rightBytes > len(out.Bytes) {
			c.skippedRows.Add(1)
			continue
		}
		dst := out.Bytes[off:]
		ls, le := y*left.BytesPerRow, y*left.BytesPerRow+leftBytes
		rs, re := y*right.BytesPerRow, y*right.BytesPerRow+rightBytes
		if le > len(left.Bytes) || re > len(right.Bytes) {
			c.skippedRows.Add(1)
			continue
		}
		copy(dst[:leftBytes], left.Bytes[ls:le])
		copy(dst[leftBytes:leftBytes+rightBytes], right.Bytes[rs:re])
	}
}

func (c *Compositor) poolFor(format pixbuf.PixelFormat, width, height int) (*pixbuf.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		pool, err := pixbuf.NewPool(format, width, height, c.opts, c.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create composite pool: %w", err)
		}
		c.pool = pool
		c.logger.Info("Created composite buffer pool",
			zap.String("format", format.String()),
			zap.Int("width", width),
			zap.Int("height", height),
			zap.Int("max_buffers", c.opts.MaxBuffers))
		return pool, nil
	}

	if c.pool.Format() != format || c.pool.Width() != width || c.pool.Height() != height {
		return nil, fmt.Errorf("%w: pair needs %dx%d %s, pool holds %dx%d %s",
			ErrUnsupportedLayout, width, height, format, c.pool.Width(), c.pool.Height(), c.pool.Format())
	}
	return c.pool, nil
}

// PoolStats returns the output pool counters
func (c *Compositor) PoolStats() pixbuf.PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return pixbuf.PoolStats{}
	}
	return c.pool.Stats()
}

// Stats returns compositor counters
func (c *Compositor) Stats() Stats {
	return Stats{
		Composited:    c.composited.Load(),
		Failed:        c.failed.Load(),
		SkippedPlanes: c.skippedPlanes.Load(),
		SkippedRows:   c.skippedRows.Load(),
	}
}

// Close releases idle pooled buffers
func (c *Compositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
	}
}
