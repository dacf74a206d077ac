package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stereo-recorder/calibration"
	"stereo-recorder/config"
)

// Factory opens a stereo source for the configured camera kind
type Factory func(cfg *config.Config, snap calibration.Snapshot, logger *zap.Logger) (Source, error)

// Manager handles source selection and lifecycle
type Manager struct {
	config *config.Config
	logger *zap.Logger

	factories map[string]Factory

	mu        sync.Mutex
	source    Source
	kind      string
	startedAt time.Time
	isRunning bool
}

// NewManager creates a new camera manager with the synthetic source registered
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		config:    cfg,
		logger:    logger,
		factories: make(map[string]Factory),
	}
	m.Register(config.SourceSynthetic, newSyntheticFromConfig)
	return m
}

// Register makes a source kind available to StartCamera
func (m *Manager) Register(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

// Kinds lists the registered source kinds
func (m *Manager) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.factories))
	for k := range m.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// StartCamera opens the configured source and starts it. The source must
// come up within the configured camera start timeout.
func (m *Manager) StartCamera(ctx context.Context) (<-chan *StereoFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil, fmt.Errorf("camera source %s is already running", m.kind)
	}

	kind := m.config.Camera.Source
	factory, ok := m.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no camera source %q available", ErrUpstreamSessionFailed, kind)
	}

	snap, err := SnapshotFromConfig(m.config.Calibration)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration: %w", err)
	}

	m.logger.Info("Starting camera source",
		zap.String("source", kind),
		zap.Int("width", m.config.Camera.Width),
		zap.Int("height", m.config.Camera.Height),
		zap.Int("fps", m.config.Camera.FPS))

	source, err := factory(m.config, snap, m.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamSessionFailed, err)
	}

	timeout := time.Duration(m.config.Timeouts.CameraStartTimeout) * time.Second
	startCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	frames, err := startSource(startCtx, ctx, source)
	if err != nil {
		source.Stop()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamSessionFailed, err)
	}

	m.source = source
	m.kind = kind
	m.startedAt = time.Now()
	m.isRunning = true

	m.logger.Info("Camera source started", zap.String("source", kind))
	return frames, nil
}

// startSource bounds Start by startCtx while the running source lives on runCtx
func startSource(startCtx, runCtx context.Context, source Source) (<-chan *StereoFrame, error) {
	type result struct {
		frames <-chan *StereoFrame
		err    error
	}
	done := make(chan result, 1)
	go func() {
		frames, err := source.Start(runCtx)
		done <- result{frames, err}
	}()

	select {
	case r := <-done:
		return r.frames, r.err
	case <-startCtx.Done():
		return nil, fmt.Errorf("camera did not start: %w", startCtx.Err())
	}
}

// Source returns the running source, or nil
func (m *Manager) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// StopCamera stops the running source
func (m *Manager) StopCamera() error {
	m.mu.Lock()
	source := m.source
	m.source = nil
	m.isRunning = false
	m.mu.Unlock()

	if source == nil {
		return nil // Already stopped
	}

	m.logger.Info("Stopping camera source", zap.String("source", m.kind))
	if err := source.Stop(); err != nil {
		return fmt.Errorf("failed to stop camera source: %w", err)
	}
	m.logger.Info("Camera source stopped")
	return nil
}

// Close cleanly shuts down the manager
func (m *Manager) Close() error {
	m.logger.Info("Shutting down camera manager")
	return m.StopCamera()
}

// IsRunning checks if a source is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// GetStatus returns status information for the camera source
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := map[string]interface{}{
		"source":  m.config.Camera.Source,
		"running": m.isRunning,
		"width":   m.config.Camera.Width,
		"height":  m.config.Camera.Height,
		"fps":     m.config.Camera.FPS,
		"left":    m.config.Camera.Left.Device,
		"right":   m.config.Camera.Right.Device,
	}
	if m.isRunning && m.source != nil {
		status["uptime_seconds"] = int(time.Since(m.startedAt).Seconds())
		status["stats"] = m.source.Stats()
	}
	return status
}

// SnapshotFromConfig builds the calibration attached to every captured frame
func SnapshotFromConfig(cfg config.CalibrationConfig) (calibration.Snapshot, error) {
	var left, right calibration.Eye
	var err error

	if left.Intrinsics, err = calibration.Matrix3x3FromRows(cfg.LeftIntrinsics); err != nil {
		return calibration.Snapshot{}, fmt.Errorf("left intrinsics: %w", err)
	}
	if left.Extrinsics, err = calibration.Matrix4x4FromRows(cfg.LeftExtrinsics); err != nil {
		return calibration.Snapshot{}, fmt.Errorf("left extrinsics: %w", err)
	}
	if right.Intrinsics, err = calibration.Matrix3x3FromRows(cfg.RightIntrinsics); err != nil {
		return calibration.Snapshot{}, fmt.Errorf("right intrinsics: %w", err)
	}
	if right.Extrinsics, err = calibration.Matrix4x4FromRows(cfg.RightExtrinsics); err != nil {
		return calibration.Snapshot{}, fmt.Errorf("right extrinsics: %w", err)
	}
	return calibration.NewSnapshot(left, right), nil
}

func newSyntheticFromConfig(cfg *config.Config, snap calibration.Snapshot, logger *zap.Logger) (Source, error) {
	return NewSyntheticSource(SyntheticOptions{
		Width:        cfg.Camera.Width,
		Height:       cfg.Camera.Height,
		FPS:          cfg.Camera.FPS,
		RowAlignment: cfg.Pool.RowAlignment,
		Realtime:     true,
		Calibration:  snap,
	}, logger)
}
