// Package recorder runs the capture loop: it composites each stereo frame,
// keeps the live preview current and drives recording sessions from the
// requested recording state.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stereo-recorder/calibration"
	"stereo-recorder/camera"
	"stereo-recorder/config"
	"stereo-recorder/encoder"
	"stereo-recorder/notify"
	"stereo-recorder/pixbuf"
	"stereo-recorder/stereo"
)

// Options configures a Recorder
type Options struct {
	VideoDir         string
	DataDir          string
	FrameRate        int
	Timescale        int32
	QueueDepth       int
	FinalizeTimeout  time.Duration
	Encoding         encoder.EncodingOptions
	Pool             pixbuf.PoolOptions
	PreviewEnabled   bool
	FrameLogInterval int
}

// OptionsFromConfig derives recorder options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		VideoDir:        cfg.VideoDir(),
		DataDir:         cfg.DataDir(),
		FrameRate:       cfg.Recording.FrameRate,
		Timescale:       int32(cfg.Recording.Timescale),
		QueueDepth:      cfg.Recording.QueueDepth,
		FinalizeTimeout: time.Duration(cfg.Timeouts.FinalizeTimeout) * time.Second,
		Encoding: encoder.EncodingOptions{
			Encoder:          cfg.Encoding.Encoder,
			Preset:           cfg.Encoding.Preset,
			BitrateKbps:      cfg.Encoding.BitrateKbps,
			KeyframeInterval: cfg.Encoding.KeyframeInterval,
		},
		Pool: pixbuf.PoolOptions{
			MaxBuffers:   cfg.Pool.MaxBuffers,
			RowAlignment: cfg.Pool.RowAlignment,
			MaxBytes:     int64(cfg.Pool.MaxFrameMB) << 20,
		},
		PreviewEnabled:   cfg.Preview.Enabled,
		FrameLogInterval: cfg.Logging.FrameLogInterval,
	}
}

// Status is a snapshot of the recorder for the UI
type Status struct {
	State             string  `json:"state"`
	Requested         bool    `json:"requested"`
	RecordingID       string  `json:"recording_id,omitempty"`
	Elapsed           string  `json:"elapsed"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	VideoPath         string  `json:"video_path,omitempty"`
	DataPath          string  `json:"data_path,omitempty"`
	RecordedFrames    uint64  `json:"recorded_frames"`
	Frames            uint64  `json:"frames"`
	Skipped           uint64  `json:"skipped"`
	CompositeFailures uint64  `json:"composite_failures"`
	Saved             uint64  `json:"saved"`
	Finishing         int     `json:"finishing"`
	LastError         string  `json:"last_error,omitempty"`
	LastSaved         string  `json:"last_saved,omitempty"`
}

// completion reports a finished session back to the loop
type completion struct {
	id     string
	paths  Paths
	result encoder.Result
}

// Recorder owns everything the capture loop touches. Run is its only
// frame-processing goroutine; SetRecording, Status and Preview may be called
// from anywhere.
type Recorder struct {
	opts      Options
	logger    *zap.Logger
	newWriter encoder.WriterFactory
	notifier  notify.Notifier

	paths      *PathGenerator
	compositor *stereo.Compositor
	preview    *Preview

	requested   atomic.Bool
	completions chan completion

	// beforeFrame runs ahead of each frame; tests use it to toggle recording
	beforeFrame func(f *camera.StereoFrame)

	// saveCalibration persists the snapshot of each new recording
	saveCalibration func(path string, s calibration.Snapshot) error

	// Loop state; mu guards it for Status readers
	mu          sync.Mutex
	recording   bool
	session     *encoder.Session
	normalizer  *encoder.Normalizer
	current     Paths
	recordingID string
	finishing   int
	lastErr     string
	lastSaved   string

	frames            atomic.Uint64
	skipped           atomic.Uint64
	compositeFailures atomic.Uint64
	saved             atomic.Uint64
}

// New creates a recorder. newWriter opens the muxer for each recording.
func New(opts Options, newWriter encoder.WriterFactory, notifier notify.Notifier, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	if opts.Timescale <= 0 {
		opts.Timescale = encoder.DefaultTimescale
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	logger = logger.With(zap.String("component", "recorder"))

	// Queued frames hold pool buffers; the loop must block on Append rather
	// than find the pool empty
	if limit := opts.Pool.MaxBuffers - config.PoolHeadroom; opts.Pool.MaxBuffers > 0 && opts.QueueDepth > limit {
		depth := max(limit, 1)
		logger.Warn("Encoder queue deeper than the composite pool allows",
			zap.Int("queue_depth", opts.QueueDepth),
			zap.Int("max_buffers", opts.Pool.MaxBuffers),
			zap.Int("using", depth))
		opts.QueueDepth = depth
	}

	return &Recorder{
		opts:        opts,
		logger:      logger,
		newWriter:   newWriter,
		notifier:    notifier,
		paths:       NewPathGenerator(opts.VideoDir, opts.DataDir),
		compositor:  stereo.NewCompositor(opts.Pool, logger),
		preview:     &Preview{},
		completions: make(chan completion, 4),

		saveCalibration: calibration.Save,
	}
}

// SetRecording sets the requested recording state. The loop acts on the
// change at the next complete frame.
func (r *Recorder) SetRecording(on bool) {
	if r.requested.Swap(on) != on {
		r.logger.Info("Recording requested", zap.Bool("on", on))
	}
}

// Requested reports the requested recording state
func (r *Recorder) Requested() bool {
	return r.requested.Load()
}

// Preview returns the live preview holder
func (r *Recorder) Preview() *Preview {
	return r.preview
}

// Run consumes frames until the stream ends or ctx is cancelled. An active
// recording is finished and every pending finalize is awaited before Run
// returns. upstreamErr, when set, reports why the stream ended; a non-nil
// result ends Run with camera.ErrUpstreamSessionFailed.
func (r *Recorder) Run(ctx context.Context, frames <-chan *camera.StereoFrame, upstreamErr func() error) error {
	r.logger.Info("Capture loop started")

	var exitErr error
loop:
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Capture loop cancelled")
			break loop

		case c := <-r.completions:
			r.complete(c)

		case f, ok := <-frames:
			if !ok {
				if upstreamErr != nil {
					exitErr = upstreamErr()
				}
				break loop
			}
			r.handleFrame(f)
		}
	}

	if exitErr != nil {
		if !errors.Is(exitErr, camera.ErrUpstreamSessionFailed) {
			exitErr = fmt.Errorf("%w: %w", camera.ErrUpstreamSessionFailed, exitErr)
		}
		r.logger.Error("Camera session failed", zap.Error(exitErr))
		r.reportError(fmt.Sprintf("Camera session failed: %v", exitErr))
	}

	r.drain()
	r.preview.Clear()
	r.logger.Info("Capture loop stopped",
		zap.Uint64("frames", r.frames.Load()),
		zap.Uint64("saved", r.saved.Load()))
	return exitErr
}

// drain finishes the active recording and waits for every finalize
func (r *Recorder) drain() {
	if r.isRecording() {
		r.stopRecording()
	}
	for r.pendingFinishes() > 0 {
		r.complete(<-r.completions)
	}
}

func (r *Recorder) handleFrame(f *camera.StereoFrame) {
	defer f.Release()
	if r.beforeFrame != nil {
		r.beforeFrame(f)
	}

	n := r.frames.Add(1)
	if r.opts.FrameLogInterval > 0 && n%uint64(r.opts.FrameLogInterval) == 0 {
		r.logger.Info("Processing stereo frames",
			zap.Uint64("frames", n),
			zap.Uint64("skipped", r.skipped.Load()),
			zap.Bool("recording", r.isRecording()))
	}

	if !f.Complete() {
		// No frame available for one eye; the frame does not count for
		// recording transitions either
		r.skipped.Add(1)
		r.logger.Debug("Skipping incomplete stereo frame", zap.Uint64("seq", f.Seq))
		return
	}

	composite, err := r.compositor.Composite(f.Left.Buffer, f.Right.Buffer)
	if err != nil {
		r.compositeFailures.Add(1)
		r.logger.Debug("Composite failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		if r.opts.PreviewEnabled {
			r.preview.Clear()
		}
	} else {
		defer composite.Release()
		if r.opts.PreviewEnabled {
			r.preview.Set(composite, f.Seq)
		}
	}

	requested := r.requested.Load()
	recording := r.isRecording()
	switch {
	case requested && !recording:
		// Setup happens on the transition frame; appends start with the next
		r.startRecording(f)
	case requested && recording:
		if composite != nil {
			r.appendFrame(composite, f.Timestamp)
		}
	case !requested && recording:
		r.stopRecording()
	}
}

func (r *Recorder) startRecording(f *camera.StereoFrame) {
	width := f.Left.Buffer.Width() + f.Right.Buffer.Width()
	height := max(f.Left.Buffer.Height(), f.Right.Buffer.Height())

	paths, err := r.paths.Next()
	if err != nil {
		r.failStart(fmt.Errorf("%w: %w", encoder.ErrCannotCreateWriter, err), "Could not start video encoding")
		return
	}

	session, err := encoder.NewSession(encoder.SessionConfig{
		OutputPath:      paths.Video,
		Width:           width,
		Height:          height,
		FrameRate:       r.opts.FrameRate,
		QueueDepth:      r.opts.QueueDepth,
		FinalizeTimeout: r.opts.FinalizeTimeout,
		Encoding:        r.opts.Encoding,
	}, r.newWriter, r.logger)
	if err != nil {
		r.failStart(err, "Could not start video encoding")
		return
	}
	if err := session.Start(); err != nil {
		if aerr := session.Abort(); aerr != nil {
			r.logger.Warn("Failed to clean up session", zap.Error(aerr))
		}
		r.failStart(err, "Could not start video encoding")
		return
	}

	snap := f.Snapshot()
	if err := r.saveCalibration(paths.Data, snap); err != nil {
		if aerr := session.Abort(); aerr != nil {
			r.logger.Warn("Failed to clean up session", zap.Error(aerr))
		}
		r.failStart(err, "Could not save video data")
		return
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.recording = true
	r.session = session
	r.normalizer = encoder.NewNormalizer(r.opts.Timescale)
	r.current = paths
	r.recordingID = id
	r.mu.Unlock()

	r.logger.Info("Recording started",
		zap.String("recording_id", id),
		zap.String("video", paths.Video),
		zap.String("data", paths.Data),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Uint64("seq", f.Seq))
	r.notifier.RecordingState(notify.StateRecording, id)
}

// failStart reports a recording that never became active. The request is
// withdrawn so the next frame does not retry.
func (r *Recorder) failStart(err error, what string) {
	r.requested.Store(false)
	r.logger.Error("Failed to start recording", zap.Error(err))
	r.reportError(fmt.Sprintf("%s: %v", what, err))
	r.notifier.RecordingState(notify.StateIdle, "")
}

func (r *Recorder) appendFrame(composite *pixbuf.Buffer, ts time.Duration) {
	r.mu.Lock()
	session, normalizer := r.session, r.normalizer
	r.mu.Unlock()

	pts := normalizer.Normalize(ts)
	if err := session.Append(composite, pts); err != nil {
		r.abortRecording(err)
	}
}

// abortRecording tears down a recording that failed mid-stream
func (r *Recorder) abortRecording(cause error) {
	r.mu.Lock()
	session, id := r.session, r.recordingID
	r.recording = false
	r.session = nil
	r.normalizer = nil
	r.mu.Unlock()

	r.requested.Store(false)
	if err := session.Abort(); err != nil {
		r.logger.Warn("Failed to abort session", zap.Error(err))
	}
	r.logger.Error("Recording aborted", zap.String("recording_id", id), zap.Error(cause))
	r.reportError(fmt.Sprintf("Could not append to video file: %v", cause))
	r.notifier.RecordingState(notify.StateIdle, id)
}

// stopRecording finishes the active session; completion arrives on
// r.completions
func (r *Recorder) stopRecording() {
	r.mu.Lock()
	session, id, paths := r.session, r.recordingID, r.current
	r.recording = false
	r.session = nil
	r.normalizer = nil
	r.finishing++
	r.mu.Unlock()

	r.logger.Info("Stopping recording",
		zap.String("recording_id", id),
		zap.Uint64("frames", session.GetStats().Frames))
	r.notifier.RecordingState(notify.StateFinishing, id)

	done := session.Finish()
	go func() {
		r.completions <- completion{id: id, paths: paths, result: <-done}
	}()
}

func (r *Recorder) complete(c completion) {
	r.mu.Lock()
	r.finishing--
	recording := r.recording
	if c.result.Err == nil {
		r.lastSaved = c.paths.Video
	}
	r.mu.Unlock()

	if c.result.Err != nil {
		r.logger.Error("Recording failed to finalize",
			zap.String("recording_id", c.id),
			zap.Error(c.result.Err))
		r.reportError(fmt.Sprintf("Could not finalize video: %v", c.result.Err))
	} else {
		r.saved.Add(1)
		r.logger.Info("Video saved",
			zap.String("recording_id", c.id),
			zap.String("path", c.paths.Video),
			zap.Uint64("frames", c.result.Frames),
			zap.Duration("duration", c.result.Duration))
		r.notifier.VideoSaved(c.paths.Video)
	}

	if !recording {
		r.notifier.RecordingState(notify.StateIdle, c.id)
	}
}

func (r *Recorder) reportError(message string) {
	r.mu.Lock()
	r.lastErr = message
	r.mu.Unlock()
	r.notifier.Error(message)
}

func (r *Recorder) isRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) pendingFinishes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishing
}

// Status returns the current recorder state
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		State:             notify.StateIdle,
		Requested:         r.requested.Load(),
		Elapsed:           FormatElapsed(0),
		Frames:            r.frames.Load(),
		Skipped:           r.skipped.Load(),
		CompositeFailures: r.compositeFailures.Load(),
		Saved:             r.saved.Load(),
		Finishing:         r.finishing,
		LastError:         r.lastErr,
		LastSaved:         r.lastSaved,
	}
	if r.finishing > 0 {
		st.State = notify.StateFinishing
	}
	if r.recording {
		elapsed := r.session.Elapsed()
		st.State = notify.StateRecording
		st.RecordingID = r.recordingID
		st.Elapsed = FormatElapsed(elapsed)
		st.ElapsedSeconds = elapsed.Seconds()
		st.VideoPath = r.current.Video
		st.DataPath = r.current.Data
		st.RecordedFrames = r.session.GetStats().Frames
	}
	return st
}

// CompositorStats returns compositor and pool counters
func (r *Recorder) CompositorStats() (stereo.Stats, pixbuf.PoolStats) {
	return r.compositor.Stats(), r.compositor.PoolStats()
}

// Close releases the preview and the composite pool
func (r *Recorder) Close() {
	r.preview.Clear()
	r.compositor.Close()
}

// FormatElapsed renders d as mm:ss; minutes keep counting past an hour
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
