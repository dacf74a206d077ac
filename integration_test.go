//go:build integration

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"stereo-recorder/calibration"
	"stereo-recorder/camera"
	"stereo-recorder/config"
	"stereo-recorder/encoder"
	"stereo-recorder/pixbuf"
	"stereo-recorder/recorder"
)

// countingWriter writes a marker file on Finish instead of encoding
type countingWriter struct {
	mu     sync.Mutex
	path   string
	frames int
}

func (w *countingWriter) Start() error { return nil }

func (w *countingWriter) WriteFrame(buf *pixbuf.Buffer, pts encoder.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	return nil
}

func (w *countingWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return os.WriteFile(w.path, []byte("frames"), 0644)
}

func (w *countingWriter) Abort() error {
	return os.Remove(w.path)
}

func testAppConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Camera.Source = config.SourceSynthetic
	cfg.Camera.Width = 64
	cfg.Camera.Height = 32
	cfg.Camera.FPS = 60
	cfg.Recording.OutputDir = t.TempDir()
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.WebPort = 0
	cfg.Server.AdvertiseIP = "127.0.0.1"
	cfg.Logging.StatsLogInterval = 1
	cfg.Timeouts.ShutdownTimeout = 10
	return cfg
}

func getStatus(t *testing.T, base string) recorder.Status {
	t.Helper()
	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Recording recorder.Status `json:"recording"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	return body.Recording
}

func post(t *testing.T, url string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d", url, resp.StatusCode)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestApplicationLifecycle records one clip through the HTTP API with the
// synthetic camera and shuts down cleanly
func TestApplicationLifecycle(t *testing.T) {
	cfg := testAppConfig(t)
	logger := zaptest.NewLogger(t)

	var mu sync.Mutex
	var writers []*countingWriter
	factory := func(wc encoder.WriterConfig) (encoder.Writer, error) {
		mu.Lock()
		defer mu.Unlock()
		w := &countingWriter{path: wc.OutputPath}
		writers = append(writers, w)
		return w, nil
	}

	app := NewApplication(cfg, factory, logger)
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	base := "http://" + app.webServer.Addr()

	post(t, base+"/api/recording/start")
	waitUntil(t, "frames to be recorded", func() bool {
		return getStatus(t, base).RecordedFrames >= 10
	})

	st := getStatus(t, base)
	if st.State != "recording" || st.VideoPath == "" {
		t.Fatalf("status while recording = %+v", st)
	}
	if _, err := os.Stat(st.DataPath); err != nil {
		t.Errorf("calibration file missing: %v", err)
	}

	post(t, base+"/api/recording/stop")
	waitUntil(t, "the video to be saved", func() bool {
		return getStatus(t, base).LastSaved != ""
	})

	st = getStatus(t, base)
	if filepath.Dir(st.LastSaved) != cfg.VideoDir() {
		t.Errorf("video saved to %s, want under %s", st.LastSaved, cfg.VideoDir())
	}
	if _, err := os.Stat(st.LastSaved); err != nil {
		t.Errorf("video file missing: %v", err)
	}

	resp, err := http.Get(base + "/api/preview")
	if err != nil {
		t.Fatalf("GET /api/preview failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/webp" {
		t.Errorf("preview status = %d type = %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(writers) != 1 {
		t.Errorf("opened %d writers, want 1", len(writers))
	}
}

// TestApplicationCameraStartFailure tests that a camera that never comes up
// is reported through the notifiers and still shuts down cleanly
func TestApplicationCameraStartFailure(t *testing.T) {
	cfg := testAppConfig(t)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	app := NewApplication(cfg, func(encoder.WriterConfig) (encoder.Writer, error) {
		return nil, errors.New("not used")
	}, logger)
	app.RegisterSource(config.SourceSynthetic, func(*config.Config, calibration.Snapshot, *zap.Logger) (camera.Source, error) {
		return nil, errors.New("sensor not detected")
	})

	err := app.Start(context.Background())
	if !errors.Is(err, camera.ErrUpstreamSessionFailed) {
		t.Fatalf("Start() error = %v, want ErrUpstreamSessionFailed", err)
	}

	reported := logs.FilterMessage("Recording error").All()
	if len(reported) != 1 {
		t.Fatalf("got %d error notifications, want 1", len(reported))
	}
	msg, _ := reported[0].ContextMap()["message"].(string)
	if !strings.HasPrefix(msg, "Could not start camera session") || !strings.Contains(msg, "sensor not detected") {
		t.Errorf("notification = %q", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("Stop() after failed start = %v", err)
	}
}
