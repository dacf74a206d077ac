package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 1280 {
		t.Errorf("Default Camera.Width = %d, want 1280", cfg.Camera.Width)
	}

	if cfg.Camera.Height != 720 {
		t.Errorf("Default Camera.Height = %d, want 720", cfg.Camera.Height)
	}

	if cfg.Recording.FrameRate != 30 {
		t.Errorf("Default Recording.FrameRate = %d, want 30", cfg.Recording.FrameRate)
	}

	if cfg.Recording.Timescale != 600 {
		t.Errorf("Default Recording.Timescale = %d, want 600", cfg.Recording.Timescale)
	}

	if cfg.Recording.VideoDir != "Video Captures" || cfg.Recording.DataDir != "Video Data" {
		t.Errorf("Default dirs = %q, %q", cfg.Recording.VideoDir, cfg.Recording.DataDir)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}

	if cfg.Server.AdvertiseIP == "" {
		t.Error("AdvertiseIP should be filled in")
	}

	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
[camera]
source = "synthetic"
width = 640
height = 480
fps = 15

[camera.left]
device = "left-cam"
flip_method = "rotate-180"

[recording]
output_dir = "/data/captures"
frame_rate = 24

[server]
web_port = 9090
advertise_ip = "10.0.0.5"
allowed_origins = ["http://10.0.0.5:9090"]

[mqtt]
enabled = true
broker = "broker.local:1883"
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Source != SourceSynthetic {
		t.Errorf("Camera.Source = %s, want synthetic", cfg.Camera.Source)
	}

	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("Camera size = %dx%d, want 640x480", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Camera.Left.Device != "left-cam" || cfg.Camera.Left.FlipMethod != "rotate-180" {
		t.Errorf("Camera.Left = %+v", cfg.Camera.Left)
	}

	if cfg.Recording.FrameRate != 24 {
		t.Errorf("Recording.FrameRate = %d, want 24", cfg.Recording.FrameRate)
	}

	// Unset keys keep their defaults
	if cfg.Recording.Timescale != 600 {
		t.Errorf("Recording.Timescale = %d, want 600", cfg.Recording.Timescale)
	}

	if got := cfg.VideoDir(); got != filepath.Join("/data/captures", "Video Captures") {
		t.Errorf("VideoDir() = %s", got)
	}

	if cfg.Server.WebPort != 9090 || cfg.Server.AdvertiseIP != "10.0.0.5" {
		t.Errorf("Server = %+v", cfg.Server)
	}

	if len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v, want one entry", cfg.Server.AllowedOrigins)
	}

	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker.local:1883" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
}

// TestLoadConfigFromYAML tests loading config from a YAML file
func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
camera:
  source: synthetic
  width: 320
  height: 240
pool:
  max_buffers: 12
calibration:
  left_intrinsics: [500, 0, 160, 0, 500, 120, 0, 0, 1]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Camera.Width != 320 || cfg.Camera.Height != 240 {
		t.Errorf("Camera size = %dx%d, want 320x240", cfg.Camera.Width, cfg.Camera.Height)
	}

	if cfg.Pool.MaxBuffers != 12 {
		t.Errorf("Pool.MaxBuffers = %d, want 12", cfg.Pool.MaxBuffers)
	}

	if cfg.Calibration.LeftIntrinsics[0] != 500 {
		t.Errorf("LeftIntrinsics[0] = %v, want 500", cfg.Calibration.LeftIntrinsics[0])
	}
}

// TestValidate tests rejection of unusable settings
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown source", func(c *Config) { c.Camera.Source = "usb" }, "camera.source"},
		{"odd width", func(c *Config) { c.Camera.Width = 641 }, "even"},
		{"zero fps", func(c *Config) { c.Camera.FPS = 0 }, "camera.fps"},
		{"short intrinsics", func(c *Config) { c.Calibration.LeftIntrinsics = []float32{1} }, "intrinsics"},
		{"short extrinsics", func(c *Config) { c.Calibration.RightExtrinsics = nil }, "extrinsics"},
		{"zero timescale", func(c *Config) { c.Recording.Timescale = 0 }, "timescale"},
		{"zero queue", func(c *Config) { c.Recording.QueueDepth = 0 }, "queue_depth"},
		{"pool smaller than queue", func(c *Config) { c.Pool.MaxBuffers, c.Recording.QueueDepth = 3, 4 }, "max_buffers"},
		{"pool without headroom", func(c *Config) { c.Pool.MaxBuffers, c.Recording.QueueDepth = 6, 4 }, "max_buffers"},
		{"bad port", func(c *Config) { c.Server.WebPort = 70000 }, "web_port"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	unbounded := Default()
	unbounded.Pool.MaxBuffers = 0
	if err := unbounded.Validate(); err != nil {
		t.Errorf("unbounded pool rejected: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

// TestSaveConfig tests configuration saving
func TestSaveConfig(t *testing.T) {
	cfg := Default()
	cfg.Camera.Source = SourceSynthetic
	cfg.Server.WebPort = 8181
	cfg.Server.AdvertiseIP = "127.0.0.1"

	path := filepath.Join(t.TempDir(), "saved.toml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Camera.Source != SourceSynthetic {
		t.Errorf("Camera.Source = %s, want synthetic", loaded.Camera.Source)
	}

	if loaded.Server.WebPort != 8181 {
		t.Errorf("Server.WebPort = %d, want 8181", loaded.Server.WebPort)
	}

	if len(loaded.Calibration.LeftExtrinsics) != 16 {
		t.Errorf("LeftExtrinsics has %d values, want 16", len(loaded.Calibration.LeftExtrinsics))
	}
}
