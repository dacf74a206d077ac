package pixbuf

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLayout is returned for plane geometry the pipeline cannot handle
	ErrUnsupportedLayout = errors.New("unsupported layout")
	// ErrReadOnly is returned when mutable access is requested on a frozen buffer
	ErrReadOnly = errors.New("buffer is read-only")
)

// PixelFormat identifies the memory layout of a frame
type PixelFormat int

const (
	// FormatUnknown is the zero value
	FormatUnknown PixelFormat = iota
	// FormatNV12FullRange is bi-planar 4:2:0 with full-range luma and interleaved CbCr
	FormatNV12FullRange
	// FormatGray8 is a single 8-bit luma plane
	FormatGray8
)

// String returns the GStreamer-style name of the format
func (f PixelFormat) String() string {
	switch f {
	case FormatNV12FullRange:
		return "NV12"
	case FormatGray8:
		return "GRAY8"
	default:
		return "unknown"
	}
}

// PlaneCount returns how many planes a buffer of this format carries
func (f PixelFormat) PlaneCount() int {
	switch f {
	case FormatNV12FullRange:
		return 2
	case FormatGray8:
		return 1
	default:
		return 0
	}
}

// BytesPerPixel returns the bytes one plane sample occupies
func (f PixelFormat) BytesPerPixel(plane int) int {
	if plane >= f.PlaneCount() {
		return 0
	}
	switch plane {
	case 0:
		return 1
	case 1:
		return 2 // Cb and Cr interleaved
	default:
		return 0
	}
}

// PlaneSize returns the pixel dimensions of a plane for a frame of width x height
func (f PixelFormat) PlaneSize(plane, width, height int) (int, int) {
	if plane >= f.PlaneCount() {
		return 0, 0
	}
	if plane == 1 {
		return (width + 1) / 2, (height + 1) / 2
	}
	return width, height
}

// PlaneLayout describes the geometry of a single plane
type PlaneLayout struct {
	Width         int
	Height        int
	BytesPerRow   int
	BytesPerPixel int
}

// Validate checks that a row can hold every pixel of the plane
func (l PlaneLayout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 || l.BytesPerPixel <= 0 {
		return fmt.Errorf("%w: plane %dx%d with %d bytes per pixel", ErrUnsupportedLayout, l.Width, l.Height, l.BytesPerPixel)
	}
	if l.BytesPerRow < l.Width*l.BytesPerPixel {
		return fmt.Errorf("%w: bytes per row %d below %d", ErrUnsupportedLayout, l.BytesPerRow, l.Width*l.BytesPerPixel)
	}
	return nil
}

// Size returns the number of bytes backing the plane
func (l PlaneLayout) Size() int {
	return l.BytesPerRow * l.Height
}

// Plane is a borrowed view of one plane. Bytes is only valid inside the
// access callback that produced it; a nil Bytes means the plane could not
// be mapped.
type Plane struct {
	PlaneLayout
	Bytes []byte
}

// Row returns the pixel bytes of row y without padding, or nil when the row
// lies outside the mapped region
func (p Plane) Row(y int) []byte {
	if p.Bytes == nil || y < 0 || y >= p.Height {
		return nil
	}
	start := y * p.BytesPerRow
	end := start + p.Width*p.BytesPerPixel
	if end > len(p.Bytes) {
		return nil
	}
	return p.Bytes[start:end]
}

// Layout computes plane layouts for a frame of format with rows padded to
// rowAlignment bytes (values <= 1 mean tightly packed)
func Layout(format PixelFormat, width, height, rowAlignment int) ([]PlaneLayout, error) {
	if format.PlaneCount() == 0 {
		return nil, fmt.Errorf("%w: pixel format %s", ErrUnsupportedLayout, format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame %dx%d", ErrUnsupportedLayout, width, height)
	}
	layouts := make([]PlaneLayout, format.PlaneCount())
	for i := range layouts {
		w, h := format.PlaneSize(i, width, height)
		bpp := format.BytesPerPixel(i)
		layouts[i] = PlaneLayout{
			Width:         w,
			Height:        h,
			BytesPerRow:   alignUp(w*bpp, rowAlignment),
			BytesPerPixel: bpp,
		}
	}
	return layouts, nil
}

// NV12Layout computes plane layouts for an NV12 frame with rows padded to
// rowAlignment bytes (values <= 1 mean tightly packed)
func NV12Layout(width, height, rowAlignment int) ([]PlaneLayout, error) {
	return Layout(FormatNV12FullRange, width, height, rowAlignment)
}

func alignUp(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}
