package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stereo-recorder/calibration"
	"stereo-recorder/pixbuf"
)

// SyntheticOptions configures a SyntheticSource
type SyntheticOptions struct {
	Width        int
	Height       int
	FPS          int
	RowAlignment int
	// Frames stops the source after this many frames; 0 runs until stopped
	Frames int
	// Realtime paces frames at FPS; otherwise frames are produced as fast as
	// the receiver takes them
	Realtime bool
	// Epoch is the capture timestamp of the first frame
	Epoch time.Duration
	// Calibration is attached to every frame unless CalibrationFor is set
	Calibration    calibration.Snapshot
	CalibrationFor func(seq uint64) calibration.Snapshot
	// MissingEye, when it returns true, leaves the right eye out of frame seq
	MissingEye func(seq uint64) bool
	// FailAfter ends the stream with ErrUpstreamSessionFailed after Frames
	FailAfter bool
}

// SyntheticSource generates moving test patterns for both eyes
type SyntheticSource struct {
	opts   SyntheticOptions
	logger *zap.Logger
	pools  [2]*pixbuf.Pool

	mu      sync.Mutex
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewSyntheticSource creates a synthetic stereo source
func NewSyntheticSource(opts SyntheticOptions, logger *zap.Logger) (*SyntheticSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}

	s := &SyntheticSource{opts: opts, logger: logger.With(zap.String("source", "synthetic"))}
	for i := range s.pools {
		pool, err := pixbuf.NewPool(pixbuf.FormatNV12FullRange, opts.Width, opts.Height, pixbuf.PoolOptions{
			MaxBuffers:   6,
			RowAlignment: opts.RowAlignment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s eye pool: %w", Eye(i), err)
		}
		s.pools[i] = pool
	}
	return s, nil
}

// Start begins producing frames
func (s *SyntheticSource) Start(ctx context.Context) (<-chan *StereoFrame, error) {
	if s.running.Load() {
		return nil, fmt.Errorf("source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *StereoFrame)

	s.mu.Lock()
	s.err = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.running.Store(true)

	s.logger.Info("Starting synthetic stereo source",
		zap.Int("width", s.opts.Width),
		zap.Int("height", s.opts.Height),
		zap.Int("fps", s.opts.FPS),
		zap.Int("frames", s.opts.Frames))

	go s.run(ctx, out)
	return out, nil
}

func (s *SyntheticSource) run(ctx context.Context, out chan<- *StereoFrame) {
	defer func() {
		s.running.Store(false)
		close(out)
		close(s.done)
	}()

	interval := time.Second / time.Duration(s.opts.FPS)
	var ticker *time.Ticker
	if s.opts.Realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	for seq := uint64(1); s.opts.Frames == 0 || seq <= uint64(s.opts.Frames); seq++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		frame, err := s.generate(seq, s.opts.Epoch+time.Duration(seq-1)*interval)
		if err != nil {
			// Pool pressure from a slow receiver; skip this frame
			s.dropped.Add(1)
			s.logger.Debug("Dropping synthetic frame", zap.Uint64("seq", seq), zap.Error(err))
			continue
		}

		select {
		case out <- frame:
			s.frames.Add(1)
		case <-ctx.Done():
			frame.Release()
			return
		}
	}

	if s.opts.FailAfter {
		s.setErr(fmt.Errorf("%w: synthetic stream ended", ErrUpstreamSessionFailed))
	}
}

func (s *SyntheticSource) generate(seq uint64, ts time.Duration) (*StereoFrame, error) {
	snap := s.opts.Calibration
	if s.opts.CalibrationFor != nil {
		snap = s.opts.CalibrationFor(seq)
	}

	frame := &StereoFrame{Seq: seq, Timestamp: ts}
	left, err := s.eye(EyeLeft, seq)
	if err != nil {
		return nil, err
	}
	frame.Left = &EyeSample{Buffer: left, Calibration: snap.Left(), Timestamp: ts}

	if s.opts.MissingEye != nil && s.opts.MissingEye(seq) {
		return frame, nil
	}
	right, err := s.eye(EyeRight, seq)
	if err != nil {
		frame.Release()
		return nil, err
	}
	frame.Right = &EyeSample{Buffer: right, Calibration: snap.Right(), Timestamp: ts}
	return frame, nil
}

// eye renders a diagonal luma ramp that scrolls with seq, with a flat
// chroma tint that tells the eyes apart
func (s *SyntheticSource) eye(e Eye, seq uint64) (*pixbuf.Buffer, error) {
	b, err := s.pools[e].Acquire()
	if err != nil {
		return nil, err
	}
	cb, cr := byte(160), byte(96)
	if e == EyeRight {
		cb, cr = 96, 160
	}
	err = pixbuf.Fill(b, 0, cb, cr)
	if err == nil {
		err = b.Write(func(planes []pixbuf.Plane) error {
			for y := 0; y < planes[0].Height; y++ {
				row := planes[0].Row(y)
				for x := range row {
					row[x] = byte(x + y + int(seq)*4)
				}
			}
			return nil
		})
	}
	if err != nil {
		b.Release()
		return nil, err
	}
	b.Freeze()
	return b, nil
}

func (s *SyntheticSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the failure that ended the stream, if any
func (s *SyntheticSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the stream and waits for the generator to exit
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Stats returns source counters
func (s *SyntheticSource) Stats() SourceStats {
	st := SourceStats{
		Running: s.running.Load(),
		Frames:  s.frames.Load(),
		Dropped: s.dropped.Load(),
	}
	if err := s.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
