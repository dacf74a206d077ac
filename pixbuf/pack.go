package pixbuf

import "fmt"

// PackedSize returns the bytes needed to hold planes with the given layouts
// back to back
func PackedSize(layouts []PlaneLayout) int {
	n := 0
	for _, l := range layouts {
		n += l.Size()
	}
	return n
}

// CopyOut writes b's planes into dst, laid out back to back using dstLayouts.
// dstLayouts must describe the same plane sizes as b.
func CopyOut(b *Buffer, dst []byte, dstLayouts []PlaneLayout) error {
	if len(dstLayouts) != b.PlaneCount() {
		return fmt.Errorf("%w: %d destination planes for %d source planes", ErrUnsupportedLayout, len(dstLayouts), b.PlaneCount())
	}
	if len(dst) < PackedSize(dstLayouts) {
		return fmt.Errorf("%w: destination holds %d bytes, need %d", ErrUnsupportedLayout, len(dst), PackedSize(dstLayouts))
	}
	return b.Read(func(planes []Plane) error {
		off := 0
		for i, p := range planes {
			dl := dstLayouts[i]
			if p.Width != dl.Width || p.Height != dl.Height || p.BytesPerPixel != dl.BytesPerPixel {
				return fmt.Errorf("%w: plane %d is %dx%d, destination %dx%d", ErrUnsupportedLayout, i, p.Width, p.Height, dl.Width, dl.Height)
			}
			for y := 0; y < p.Height; y++ {
				row := p.Row(y)
				if row == nil {
					return fmt.Errorf("%w: plane %d row %d not mapped", ErrUnsupportedLayout, i, y)
				}
				copy(dst[off+y*dl.BytesPerRow:], row)
			}
			off += dl.Size()
		}
		return nil
	})
}

// CopyIn fills the mutable buffer b from src, whose planes are laid out back
// to back using srcLayouts
func CopyIn(b *Buffer, src []byte, srcLayouts []PlaneLayout) error {
	if len(srcLayouts) != b.PlaneCount() {
		return fmt.Errorf("%w: %d source planes for %d destination planes", ErrUnsupportedLayout, len(srcLayouts), b.PlaneCount())
	}
	return b.Write(func(planes []Plane) error {
		off := 0
		for i, p := range planes {
			sl := srcLayouts[i]
			if p.Width != sl.Width || p.Height != sl.Height || p.BytesPerPixel != sl.BytesPerPixel {
				return fmt.Errorf("%w: plane %d is %dx%d, source %dx%d", ErrUnsupportedLayout, i, p.Width, p.Height, sl.Width, sl.Height)
			}
			rowBytes := sl.Width * sl.BytesPerPixel
			for y := 0; y < p.Height; y++ {
				start := off + y*sl.BytesPerRow
				if start+rowBytes > len(src) {
					return fmt.Errorf("%w: source truncated at plane %d row %d", ErrUnsupportedLayout, i, y)
				}
				row := p.Row(y)
				if row == nil {
					return fmt.Errorf("%w: plane %d row %d not mapped", ErrUnsupportedLayout, i, y)
				}
				copy(row, src[start:start+rowBytes])
			}
			off += sl.Size()
		}
		return nil
	})
}
