package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stereo-recorder/camera"
	"stereo-recorder/config"
	"stereo-recorder/encoder"
	"stereo-recorder/gstreamer"
	"stereo-recorder/notify"
	"stereo-recorder/recorder"
	"stereo-recorder/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Stereo Recorder"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	cameraManager *camera.Manager
	recorder      *recorder.Recorder
	hub           *web.Hub
	mqtt          *notify.MQTTEmitter
	notifier      notify.Notifier
	webServer     *web.Server
	newWriter     encoder.WriterFactory

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr chan error
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (TOML or YAML)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Records side-by-side stereo video with per-recording calibration data")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  STEREO_OUTPUT_DIR - Override the recording output directory")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	if dir := os.Getenv("STEREO_OUTPUT_DIR"); dir != "" {
		cfg.Recording.OutputDir = dir
		logger.Info("Output directory overridden from environment", zap.String("dir", dir))
	}

	logger.Info("Configuration loaded",
		zap.String("source", cfg.Camera.Source),
		zap.Int("width", cfg.Camera.Width),
		zap.Int("height", cfg.Camera.Height),
		zap.Int("fps", cfg.Camera.FPS),
		zap.String("output_dir", cfg.Recording.OutputDir),
		zap.Int("web_port", cfg.Server.WebPort))

	app := NewApplication(cfg, gstreamer.NewWriterFactory(logger), logger)
	app.RegisterSource(config.SourceLibcamera, gstreamer.NewStereoSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		exitCode = 1
	} else {
		select {
		case sig := <-signalCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case err := <-app.Done():
			if err != nil {
				logger.Error("Capture loop stopped", zap.Error(err))
				exitCode = 1
			}
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		exitCode = 1
	}

	logger.Info("Shutdown complete")
	logger.Sync()
	os.Exit(exitCode)
}

// NewApplication creates a new application instance. newWriter opens the
// muxer for each recording.
func NewApplication(cfg *config.Config, newWriter encoder.WriterFactory, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config:        cfg,
		logger:        logger,
		cameraManager: camera.NewManager(cfg, logger),
		newWriter:     newWriter,
		ctx:           ctx,
		cancel:        cancel,
		runErr:        make(chan error, 1),
	}
}

// RegisterSource makes a camera source kind available
func (a *Application) RegisterSource(kind string, f camera.Factory) {
	a.cameraManager.Register(kind, f)
}

// Done receives the capture loop's exit error
func (a *Application) Done() <-chan error {
	return a.runErr
}

// Start starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	a.notifier = a.initializeNotifiers(ctx)

	a.recorder = recorder.New(recorder.OptionsFromConfig(a.config), a.newWriter, a.notifier, a.logger)
	a.hub.SetControl(a.recorder, func() interface{} { return a.recorder.Status() })

	if err := a.initializeWebServer(); err != nil {
		return fmt.Errorf("failed to initialize web server: %w", err)
	}

	if err := a.startCapture(); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	if interval := a.config.Logging.StatsLogInterval; interval > 0 {
		a.wg.Add(1)
		go a.logStats(time.Duration(interval) * time.Second)
	}

	a.logger.Info("Application started successfully",
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.AdvertiseIP, a.config.Server.WebPort)),
		zap.String("video_dir", a.config.VideoDir()),
		zap.String("data_dir", a.config.DataDir()))

	return nil
}

// initializeNotifiers fans recording events out to the log, the websocket
// hub and, when enabled, MQTT
func (a *Application) initializeNotifiers(ctx context.Context) notify.Notifier {
	a.hub = web.NewHub(a.config.Server.AllowedOrigins, a.config.Buffers.ClientSendBuffer, a.logger)
	multi := notify.NewMulti(notify.NewLogNotifier(a.logger), a.hub)

	if a.config.MQTT.Enabled {
		emitter := notify.NewMQTTEmitter(a.config.MQTT, a.config.Buffers.EventChannelSize, a.logger)
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := emitter.Connect(connectCtx); err != nil {
			a.logger.Warn("MQTT unavailable, continuing without it", zap.Error(err))
		} else {
			a.mqtt = emitter
			multi.Add(emitter)
		}
	}
	return multi
}

// initializeWebServer creates and starts the web server
func (a *Application) initializeWebServer() error {
	a.webServer = web.NewServer(a.config, a.logger)
	a.webServer.SetRecorder(a.recorder)
	a.webServer.SetCameras(a.cameraManager)
	a.webServer.SetHub(a.hub)
	return a.webServer.Start()
}

// startCapture starts the camera and the capture loop. A camera that does
// not come up is reported to the UI as well as returned.
func (a *Application) startCapture() error {
	frames, err := a.cameraManager.StartCamera(a.ctx)
	if err != nil {
		a.notifier.Error(fmt.Sprintf("Could not start camera session: %v", err))
		return err
	}
	source := a.cameraManager.Source()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.recorder.Run(a.ctx, frames, source.Err)
		if errors.Is(err, camera.ErrUpstreamSessionFailed) {
			a.logger.Error("Camera session ended", zap.Error(err))
		}
		a.runErr <- err
	}()
	return nil
}

// logStats periodically logs pipeline statistics
func (a *Application) logStats(interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			status := a.recorder.Status()
			compositor, pool := a.recorder.CompositorStats()
			fields := []zap.Field{
				zap.String("state", status.State),
				zap.String("elapsed", status.Elapsed),
				zap.Uint64("frames", status.Frames),
				zap.Uint64("skipped", status.Skipped),
				zap.Uint64("recorded_frames", status.RecordedFrames),
				zap.Any("compositor", compositor),
				zap.Any("pool", pool),
				zap.Int("ws_clients", a.hub.ClientCount()),
			}
			if src := a.cameraManager.Source(); src != nil {
				fields = append(fields, zap.Any("camera", src.Stats()))
			}
			if a.mqtt != nil {
				fields = append(fields, zap.Any("mqtt", a.mqtt.Stats()))
			}
			a.logger.Info("Pipeline stats", fields...)
		}
	}
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	// Cancelling ends the capture loop, which finishes an active recording
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var timedOut bool
	select {
	case <-done:
		a.logger.Info("Capture loop stopped")
	case <-ctx.Done():
		timedOut = true
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}

	if err := a.cameraManager.Close(); err != nil {
		a.logger.Error("Error stopping camera manager", zap.Error(err))
	}
	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.recorder != nil && !timedOut {
		a.recorder.Close()
	}

	if timedOut {
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
	return nil
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file under cfg.Dir
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("stereo-recorder-%s.log", ts))

	keep := cfg.MaxLogFiles
	if keep <= 0 {
		keep = 20
	}
	files, _ := filepath.Glob(filepath.Join(logDir, "stereo-recorder-*.log"))
	if len(files) >= keep {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-keep+1] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
