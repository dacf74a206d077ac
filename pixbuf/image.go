package pixbuf

import (
	"fmt"
	"image"
)

// ToYCbCr copies an NV12 buffer into a 4:2:0 image, de-interleaving chroma
func ToYCbCr(b *Buffer) (*image.YCbCr, error) {
	if b.Format() != FormatNV12FullRange {
		return nil, fmt.Errorf("%w: cannot convert %s", ErrUnsupportedLayout, b.Format())
	}
	img := image.NewYCbCr(image.Rect(0, 0, b.Width(), b.Height()), image.YCbCrSubsampleRatio420)

	err := b.Read(func(planes []Plane) error {
		luma, chroma := planes[0], planes[1]
		if luma.Bytes == nil || chroma.Bytes == nil {
			return fmt.Errorf("%w: plane not mapped", ErrUnsupportedLayout)
		}
		for y := 0; y < luma.Height && y < b.Height(); y++ {
			row := luma.Row(y)
			copy(img.Y[y*img.YStride:y*img.YStride+b.Width()], row)
		}
		cw := (b.Width() + 1) / 2
		for y := 0; y < chroma.Height; y++ {
			row := chroma.Row(y)
			if row == nil {
				continue
			}
			base := y * img.CStride
			for x := 0; x < cw && 2*x+1 < len(row); x++ {
				img.Cb[base+x] = row[2*x]
				img.Cr[base+x] = row[2*x+1]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Fill writes a flat colour into every pixel of a mutable NV12 buffer
func Fill(b *Buffer, y, cb, cr byte) error {
	return b.Write(func(planes []Plane) error {
		for row := 0; row < planes[0].Height; row++ {
			px := planes[0].Row(row)
			for i := range px {
				px[i] = y
			}
		}
		for row := 0; row < planes[1].Height; row++ {
			px := planes[1].Row(row)
			for i := 0; i+1 < len(px); i += 2 {
				px[i] = cb
				px[i+1] = cr
			}
		}
		return nil
	})
}
