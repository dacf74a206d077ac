package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stereo-recorder/pixbuf"
)

var (
	// ErrCannotCreateWriter means the destination or track could not be set up
	ErrCannotCreateWriter = errors.New("cannot create writer")
	// ErrStartFailed means the writer could not begin a muxing session
	ErrStartFailed = errors.New("start failed")
	// ErrAppendFailed means a frame could not be handed to the writer
	ErrAppendFailed = errors.New("append failed")
	// ErrFinalizeFailed means the container could not be finalized
	ErrFinalizeFailed = errors.New("finalize failed")
	// ErrNotActive is wrapped by ErrAppendFailed when the session is not recording
	ErrNotActive = errors.New("session not active")

	errAborted = errors.New("session aborted")
)

// State is the lifecycle stage of a Session
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateFinishing
	StateClosed
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionConfig holds the parameters of one recording
type SessionConfig struct {
	OutputPath      string
	Width           int
	Height          int
	FrameRate       int
	QueueDepth      int
	FinalizeTimeout time.Duration
	Encoding        EncodingOptions
}

// Result is delivered once a session has been finalized
type Result struct {
	Path     string
	Frames   uint64
	Duration time.Duration
	Err      error
}

// SessionStats is a snapshot of session counters
type SessionStats struct {
	State   string  `json:"state"`
	Frames  uint64  `json:"frames"`
	Queued  int     `json:"queued"`
	LastPTS float64 `json:"last_pts_seconds"`
}

type queuedFrame struct {
	buf *pixbuf.Buffer
	pts Time
}

// Session records one video file. Frames appended while Active are queued to
// a writer goroutine; a full queue blocks Append until the writer catches up.
// Append and Finish must be called from a single goroutine.
type Session struct {
	cfg    SessionConfig
	writer Writer
	logger *zap.Logger

	mu        sync.RWMutex
	state     State
	queue     chan queuedFrame
	drained   chan struct{}
	finished  chan struct{}
	result    Result
	startedAt time.Time

	errOnce sync.Once
	failed  chan struct{}
	werr    error

	frames  atomic.Uint64
	lastPTS atomic.Int64
}

// NewSession opens a writer for cfg. The session is ready for Start.
func NewSession(cfg SessionConfig, newWriter WriterFactory, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrCannotCreateWriter, cfg.Width, cfg.Height)
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}

	s := &Session{
		cfg:      cfg,
		logger:   logger.With(zap.String("output", cfg.OutputPath)),
		state:    StateIdle,
		failed:   make(chan struct{}),
		finished: make(chan struct{}),
	}

	w, err := newWriter(WriterConfig{
		OutputPath: cfg.OutputPath,
		Width:      cfg.Width,
		Height:     cfg.Height,
		FrameRate:  cfg.FrameRate,
		Format:     pixbuf.FormatNV12FullRange,
		Encoding:   cfg.Encoding,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotCreateWriter, err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: factory returned no writer", ErrCannotCreateWriter)
	}
	s.writer = w
	s.state = StateStarting

	s.logger.Debug("Recording session created",
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("fps", cfg.FrameRate))
	return s, nil
}

// Path returns the output file path
func (s *Session) Path() string { return s.cfg.OutputPath }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start begins the muxing session at time zero
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStarting {
		return fmt.Errorf("%w: session is %s", ErrStartFailed, s.state)
	}
	if err := s.writer.Start(); err != nil {
		s.state = StateFailed
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	s.queue = make(chan queuedFrame, s.cfg.QueueDepth)
	s.drained = make(chan struct{})
	s.state = StateActive
	s.startedAt = time.Now()
	go s.writeLoop()

	s.logger.Info("Recording session started")
	return nil
}

// Append queues buf for encoding at pts. It retains buf until the writer is
// done with it and blocks while the queue is full. A writer failure from an
// earlier frame is reported here.
func (s *Session) Append(buf *pixbuf.Buffer, pts Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateActive {
		return fmt.Errorf("%w: %w (%s)", ErrAppendFailed, ErrNotActive, s.state)
	}
	if err := s.writeErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}

	buf.Retain()
	select {
	case s.queue <- queuedFrame{buf: buf, pts: pts}:
		return nil
	case <-s.failed:
		buf.Release()
		return fmt.Errorf("%w: %w", ErrAppendFailed, s.writeErr())
	}
}

func (s *Session) writeLoop() {
	defer close(s.drained)

	for f := range s.queue {
		if s.writeErr() == nil {
			if err := s.writer.WriteFrame(f.buf, f.pts); err != nil {
				s.fail(err)
				s.logger.Error("Failed to write frame", zap.Error(err), zap.Stringer("pts", f.pts))
			} else {
				s.frames.Add(1)
				s.lastPTS.Store(int64(f.pts.Duration()))
			}
		}
		f.buf.Release()
	}
}

// fail records the first writer error. werr is only read after failed is
// closed, so the close publishes it.
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.werr = err
		close(s.failed)
	})
}

func (s *Session) writeErr() error {
	select {
	case <-s.failed:
		return s.werr
	default:
		return nil
	}
}

// Finish closes the input and finalizes the container in the background.
// The returned channel receives the outcome once. Later calls return a
// channel that receives the same outcome.
func (s *Session) Finish() <-chan Result {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateActive:
		s.state = StateFinishing
		close(s.queue)
		go s.finalize()
	case StateFinishing, StateClosed:
	default:
		// Nothing was recorded, so there is nothing to finalize
		s.state = StateClosed
		s.result = Result{
			Path: s.cfg.OutputPath,
			Err:  fmt.Errorf("%w: session is %s", ErrFinalizeFailed, prev),
		}
		close(s.finished)
	}
	s.mu.Unlock()

	if prev == StateStarting || prev == StateFailed {
		if err := s.writer.Abort(); err != nil {
			s.logger.Warn("Failed to clean up unstarted writer", zap.Error(err))
		}
	}

	ch := make(chan Result, 1)
	go func() {
		<-s.finished
		ch <- s.Result()
	}()
	return ch
}

func (s *Session) finalize() {
	<-s.drained

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	var err error
	if werr := s.writeErr(); werr != nil {
		if aerr := s.writer.Abort(); aerr != nil {
			s.logger.Warn("Failed to clean up after write error", zap.Error(aerr))
		}
		err = fmt.Errorf("%w: %w", ErrFinalizeFailed, werr)
	} else if ferr := s.writer.Finish(ctx); ferr != nil {
		err = fmt.Errorf("%w: %w", ErrFinalizeFailed, ferr)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.result = Result{
		Path:     s.cfg.OutputPath,
		Frames:   s.frames.Load(),
		Duration: time.Since(s.startedAt),
		Err:      err,
	}
	s.mu.Unlock()
	close(s.finished)

	if err != nil {
		s.logger.Error("Recording session finalize failed", zap.Error(err))
	} else {
		s.logger.Info("Recording session finalized",
			zap.Uint64("frames", s.result.Frames),
			zap.Duration("duration", s.result.Duration))
	}
}

// Done is closed once the session has been finalized or closed
func (s *Session) Done() <-chan struct{} { return s.finished }

// Result returns the outcome after Done is closed
func (s *Session) Result() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Abort tears the session down without finalizing and removes partial
// output. It is a no-op once the session is closed.
func (s *Session) Abort() error {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateFinishing:
		s.mu.Unlock()
		return fmt.Errorf("cannot abort: session is %s", prev)
	case StateActive:
		s.fail(errAborted)
		close(s.queue)
	}
	s.state = StateClosed
	s.result = Result{Path: s.cfg.OutputPath, Err: errAborted}
	s.mu.Unlock()

	if prev == StateActive {
		<-s.drained
	}
	close(s.finished)

	if err := s.writer.Abort(); err != nil {
		return fmt.Errorf("failed to abort writer: %w", err)
	}
	s.logger.Info("Recording session aborted", zap.Stringer("from", prev))
	return nil
}

// Elapsed returns the time since Start, or zero before it
func (s *Session) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if s.state == StateClosed {
		return s.result.Duration
	}
	return time.Since(s.startedAt)
}

// GetStats returns session counters
func (s *Session) GetStats() SessionStats {
	s.mu.RLock()
	state := s.state
	queued := 0
	if s.queue != nil && state == StateActive {
		queued = len(s.queue)
	}
	s.mu.RUnlock()

	return SessionStats{
		State:   state.String(),
		Frames:  s.frames.Load(),
		Queued:  queued,
		LastPTS: time.Duration(s.lastPTS.Load()).Seconds(),
	}
}
