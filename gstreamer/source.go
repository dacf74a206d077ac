package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"stereo-recorder/calibration"
	"stereo-recorder/camera"
	"stereo-recorder/config"
	"stereo-recorder/pixbuf"
)

// StereoSource captures both cameras through libcamerasrc and pairs their
// frames by presentation timestamp
type StereoSource struct {
	cfg    *config.Config
	logger *zap.Logger
	eyes   [2]calibration.Eye

	pools      [2]*pixbuf.Pool
	srcLayouts []pixbuf.PlaneLayout
	pairer     *camera.Pairer

	pipeline *gst.Pipeline
	frames   chan *camera.StereoFrame
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	err     error
	running atomic.Bool

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewStereoSource creates a libcamera stereo source. It matches camera.Factory.
func NewStereoSource(cfg *config.Config, snap calibration.Snapshot, logger *zap.Logger) (camera.Source, error) {
	ensureInit()

	layouts, err := pixbuf.Layout(pixbuf.FormatNV12FullRange, cfg.Camera.Width, cfg.Camera.Height, gstRowAlignment)
	if err != nil {
		return nil, fmt.Errorf("invalid camera geometry: %w", err)
	}

	s := &StereoSource{
		cfg:        cfg,
		logger:     logger.With(zap.String("source", config.SourceLibcamera)),
		eyes:       [2]calibration.Eye{snap.Left(), snap.Right()},
		srcLayouts: layouts,
		pairer:     camera.NewPairer(time.Second / time.Duration(2*max(cfg.Camera.FPS, 1))),
	}
	for i := range s.pools {
		pool, err := pixbuf.NewPool(pixbuf.FormatNV12FullRange, cfg.Camera.Width, cfg.Camera.Height, pixbuf.PoolOptions{
			MaxBuffers:   cfg.Buffers.FrameChannelSize + 4,
			RowAlignment: cfg.Pool.RowAlignment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s eye pool: %w", camera.Eye(i), err)
		}
		s.pools[i] = pool
	}
	return s, nil
}

// Start builds the capture pipeline and waits for it to reach PLAYING
func (s *StereoSource) Start(ctx context.Context) (<-chan *camera.StereoFrame, error) {
	if s.running.Load() {
		return nil, errors.New("source already running")
	}

	desc, err := camera.StereoPipeline(s.cfg.Camera)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Starting libcamera capture", zap.String("pipeline", desc))

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.frames = make(chan *camera.StereoFrame, s.cfg.Buffers.FrameChannelSize)
	s.stopping = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.done = nil
	s.err = nil

	for eye, name := range []string{camera.LeftSinkName, camera.RightSinkName} {
		elem, err := pipeline.GetElementByName(name)
		if err != nil {
			pipeline.SetState(gst.StateNull)
			return nil, fmt.Errorf("failed to find %s: %w", name, err)
		}
		sink := app.SinkFromElement(elem)
		sink.SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: s.onSample(camera.Eye(eye)),
		})
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start capture pipeline: %w", err)
	}
	if err := waitBus(ctx, pipeline, reachedState(pipeline, gst.StatePlaying)); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture pipeline did not reach PLAYING: %w", err)
	}

	s.done = make(chan struct{})
	s.running.Store(true)
	go s.monitor()

	s.logger.Info("libcamera capture started",
		zap.Int("width", s.cfg.Camera.Width),
		zap.Int("height", s.cfg.Camera.Height),
		zap.Int("fps", s.cfg.Camera.FPS))
	return s.frames, nil
}

// onSample copies an appsink sample into a pooled buffer and hands it to
// the pairer. It runs on a GStreamer streaming thread.
func (s *StereoSource) onSample(eye camera.Eye) func(sink *app.Sink) gst.FlowReturn {
	return func(sink *app.Sink) gst.FlowReturn {
		sample := sink.PullSample()
		if sample == nil {
			return gst.FlowOK
		}
		gbuf := sample.GetBuffer()
		if gbuf == nil {
			return gst.FlowOK
		}
		s.received.Add(1)

		b, err := s.pools[eye].Acquire()
		if err != nil {
			s.dropped.Add(1)
			return gst.FlowOK
		}

		mapInfo := gbuf.Map(gst.MapRead)
		err = pixbuf.CopyIn(b, mapInfo.Bytes(), s.srcLayouts)
		gbuf.Unmap()
		if err != nil {
			b.Release()
			s.dropped.Add(1)
			s.logger.Warn("Dropping malformed sample", zap.Stringer("eye", eye), zap.Error(err))
			return gst.FlowOK
		}
		b.Freeze()

		frame := s.pairer.Push(eye, &camera.EyeSample{
			Buffer:      b,
			Calibration: s.eyes[eye],
			Timestamp:   gbuf.PresentationTimestamp(),
		})
		if frame == nil {
			return gst.FlowOK
		}

		select {
		case s.frames <- frame:
			s.delivered.Add(1)
			return gst.FlowOK
		case <-s.stopping:
			frame.Release()
			return gst.FlowFlushing
		}
	}
}

// monitor watches the bus until the pipeline fails or the source is stopped
func (s *StereoSource) monitor() {
	defer s.teardown()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stopping:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Warn("Capture pipeline reached end of stream")
			s.setErr(fmt.Errorf("%w: end of stream", camera.ErrUpstreamSessionFailed))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr)
			s.logger.Error("Capture pipeline error",
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()),
				zap.String("category", category.String()),
				zap.Uint64("frames_delivered", s.delivered.Load()))
			s.setErr(fmt.Errorf("%w: [%s] %s", camera.ErrUpstreamSessionFailed, category, gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				s.logger.Debug("Capture pipeline state changed",
					zap.Any("from", old),
					zap.Any("to", new))
			}
		}
	}
}

// teardown stops the pipeline before closing the frame channel so no
// streaming thread can send on it afterwards
func (s *StereoSource) teardown() {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.pipeline.SetState(gst.StateNull)
	s.pairer.Flush()
	s.running.Store(false)
	close(s.frames)
	close(s.done)
	s.logger.Info("libcamera capture stopped",
		zap.Uint64("received", s.received.Load()),
		zap.Uint64("delivered", s.delivered.Load()),
		zap.Uint64("dropped", s.dropped.Load()))
}

func (s *StereoSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the failure that stopped the source, if any
func (s *StereoSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop halts capture and waits for the frame channel to close
func (s *StereoSource) Stop() error {
	if s.done == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopping) })
	<-s.done
	return nil
}

// Stats returns source counters
func (s *StereoSource) Stats() camera.SourceStats {
	st := camera.SourceStats{
		Running:  s.running.Load(),
		Frames:   s.delivered.Load(),
		Dropped:  s.dropped.Load(),
		Unpaired: s.pairer.Dropped(),
	}
	if err := s.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
