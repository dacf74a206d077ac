package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"stereo-recorder/encoder"
	"stereo-recorder/pixbuf"
)

// appsrc expects tightly packed NV12 with rows aligned to four bytes
const gstRowAlignment = 4

// Writer muxes NV12 frames into an H.264 MP4 through an appsrc pipeline
type Writer struct {
	cfg         encoder.WriterConfig
	logger      *zap.Logger
	encoderName string

	pipeline *gst.Pipeline
	src      *app.Source

	layouts  []pixbuf.PlaneLayout
	scratch  []byte
	frameDur time.Duration
	frames   uint64
	started  bool
}

// NewWriterFactory returns a factory opening GStreamer writers
func NewWriterFactory(logger *zap.Logger) encoder.WriterFactory {
	return func(cfg encoder.WriterConfig) (encoder.Writer, error) {
		return NewWriter(cfg, logger)
	}
}

// NewWriter prepares the pipeline for cfg and creates the output file. An
// existing file at cfg.OutputPath is never overwritten.
func NewWriter(cfg encoder.WriterConfig, logger *zap.Logger) (*Writer, error) {
	ensureInit()
	logger = logger.With(zap.String("output", cfg.OutputPath))

	encoderName := cfg.Encoding.Encoder
	if encoderName == "" {
		encoderName = ProbeH264Encoder(logger)
		if encoderName == "" {
			logger.Warn("No supported H.264 encoder found, falling back to x264enc")
			encoderName = "x264enc"
		}
	}

	desc, err := encoder.MuxPipeline(cfg, encoderName)
	if err != nil {
		return nil, err
	}
	layouts, err := pixbuf.Layout(cfg.Format, cfg.Width, cfg.Height, gstRowAlignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrCannotCreateWriter, err)
	}

	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", encoder.ErrCannotCreateWriter, err)
	}
	f.Close()

	w := &Writer{
		cfg:         cfg,
		logger:      logger,
		encoderName: encoderName,
		layouts:     layouts,
		scratch:     make([]byte, pixbuf.PackedSize(layouts)),
		frameDur:    time.Second / time.Duration(max(cfg.FrameRate, 1)),
	}
	if err := w.build(desc); err != nil {
		os.Remove(cfg.OutputPath)
		return nil, fmt.Errorf("%w: %w", encoder.ErrCannotCreateWriter, err)
	}

	logger.Debug("Recording pipeline created", zap.String("pipeline", desc))
	return w, nil
}

func (w *Writer) build(desc string) error {
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sink, err := pipeline.GetElementByName(encoder.SinkElement)
	if err != nil {
		return fmt.Errorf("failed to find filesink: %w", err)
	}
	if err := sink.SetProperty("location", w.cfg.OutputPath); err != nil {
		return fmt.Errorf("failed to set output location: %w", err)
	}

	srcElem, err := pipeline.GetElementByName(encoder.SourceElement)
	if err != nil {
		return fmt.Errorf("failed to find appsrc: %w", err)
	}

	w.pipeline = pipeline
	w.src = app.SrcFromElement(srcElem)
	return nil
}

// Start sets the pipeline playing
func (w *Writer) Start() error {
	if err := w.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	w.started = true
	w.logger.Info("Recording pipeline started",
		zap.String("encoder", w.encoderName),
		zap.Int("width", w.cfg.Width),
		zap.Int("height", w.cfg.Height))
	return nil
}

// WriteFrame packs buf and pushes it with pts as its presentation time
func (w *Writer) WriteFrame(buf *pixbuf.Buffer, pts encoder.Time) error {
	if !w.started {
		return errors.New("pipeline not started")
	}
	if err := w.pollError(); err != nil {
		return err
	}
	if err := pixbuf.CopyOut(buf, w.scratch, w.layouts); err != nil {
		return fmt.Errorf("failed to pack frame: %w", err)
	}

	// NewBufferFromBytes copies, so scratch is free for the next frame
	gbuf := gst.NewBufferFromBytes(w.scratch)
	gbuf.SetPresentationTimestamp(pts.Duration())
	gbuf.SetDuration(w.frameDur)

	if ret := w.src.PushBuffer(gbuf); ret != gst.FlowOK {
		return fmt.Errorf("appsrc rejected frame %d: %v", w.frames, ret)
	}
	w.frames++
	return nil
}

// pollError drains pending bus messages and returns the first pipeline error
func (w *Writer) pollError() error {
	bus := w.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		if msg.Type() == gst.MessageError {
			return w.pipelineError(msg)
		}
	}
}

func (w *Writer) pipelineError(msg *gst.Message) error {
	gerr := msg.ParseError()
	w.logger.Error("Recording pipeline error",
		zap.String("error", gerr.Error()),
		zap.String("debug", gerr.DebugString()),
		zap.String("category", ClassifyError(gerr).String()))
	return fmt.Errorf("pipeline error [%s]: %s", ClassifyError(gerr), gerr.Error())
}

// Finish ends the stream and waits for mp4mux to write the trailer
func (w *Writer) Finish(ctx context.Context) error {
	defer w.pipeline.SetState(gst.StateNull)

	if ret := w.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("failed to end stream: %v", ret)
	}
	err := waitBus(ctx, w.pipeline, func(msg *gst.Message) bool {
		return msg.Type() == gst.MessageEOS
	})
	if err != nil {
		return fmt.Errorf("failed to finalize %s: %w", w.cfg.OutputPath, err)
	}

	w.logger.Info("Recording finalized", zap.Uint64("frames", w.frames))
	return nil
}

// Abort tears the pipeline down and removes the partial file
func (w *Writer) Abort() error {
	w.pipeline.SetState(gst.StateNull)
	if err := os.Remove(w.cfg.OutputPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial recording: %w", err)
	}
	w.logger.Info("Recording aborted", zap.Uint64("frames", w.frames))
	return nil
}
