package encoder

import (
	"context"

	"stereo-recorder/pixbuf"
)

// EncodingOptions tunes the video codec
type EncodingOptions struct {
	Encoder          string // element name, empty to probe
	Preset           string
	BitrateKbps      int
	KeyframeInterval int
}

// WriterConfig describes the container a Writer produces
type WriterConfig struct {
	OutputPath string
	Width      int
	Height     int
	FrameRate  int
	Format     pixbuf.PixelFormat
	Encoding   EncodingOptions
}

// Writer muxes frames into a container file. A Session calls Start once,
// WriteFrame from a single goroutine, then either Finish or Abort.
type Writer interface {
	Start() error
	WriteFrame(buf *pixbuf.Buffer, pts Time) error
	Finish(ctx context.Context) error
	Abort() error
}

// WriterFactory opens a Writer for cfg. Errors mean the destination or the
// track could not be set up.
type WriterFactory func(cfg WriterConfig) (Writer, error)
