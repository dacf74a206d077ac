package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Camera source kinds
const (
	SourceLibcamera = "libcamera"
	SourceSynthetic = "synthetic"
)

// PoolHeadroom is how many composite buffers can be held outside the encoder
// queue: one in the writer, one being composited and one pinned by a preview
// reader. A smaller pool runs dry while the queue is full.
const PoolHeadroom = 3

// Config represents the application configuration
type Config struct {
	Camera      CameraConfig      `toml:"camera" json:"camera" yaml:"camera"`
	Calibration CalibrationConfig `toml:"calibration" json:"calibration" yaml:"calibration"`
	Recording   RecordingConfig   `toml:"recording" json:"recording" yaml:"recording"`
	Encoding    EncodingConfig    `toml:"encoding" json:"encoding" yaml:"encoding"`
	Pool        PoolConfig        `toml:"pool" json:"pool" yaml:"pool"`
	Server      ServerConfig      `toml:"server" json:"server" yaml:"server"`
	Preview     PreviewConfig     `toml:"preview" json:"preview" yaml:"preview"`
	Buffers     BufferConfig      `toml:"buffers" json:"buffers" yaml:"buffers"`
	Timeouts    TimeoutConfig     `toml:"timeouts" json:"timeouts" yaml:"timeouts"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	MQTT        MQTTConfig        `toml:"mqtt" json:"mqtt" yaml:"mqtt"`
}

// CameraConfig holds stereo camera settings
type CameraConfig struct {
	Source string    `toml:"source" json:"source" yaml:"source"`
	Width  int       `toml:"width" json:"width" yaml:"width"`
	Height int       `toml:"height" json:"height" yaml:"height"`
	FPS    int       `toml:"fps" json:"fps" yaml:"fps"`
	Left   EyeConfig `toml:"left" json:"left" yaml:"left"`
	Right  EyeConfig `toml:"right" json:"right" yaml:"right"`
}

// EyeConfig holds per-camera device settings
type EyeConfig struct {
	Device     string `toml:"device" json:"device" yaml:"device"`
	FlipMethod string `toml:"flip_method" json:"flip_method" yaml:"flip_method"`
}

// CalibrationConfig holds camera matrices in row-major order
type CalibrationConfig struct {
	LeftIntrinsics  []float32 `toml:"left_intrinsics" json:"left_intrinsics" yaml:"left_intrinsics"`
	LeftExtrinsics  []float32 `toml:"left_extrinsics" json:"left_extrinsics" yaml:"left_extrinsics"`
	RightIntrinsics []float32 `toml:"right_intrinsics" json:"right_intrinsics" yaml:"right_intrinsics"`
	RightExtrinsics []float32 `toml:"right_extrinsics" json:"right_extrinsics" yaml:"right_extrinsics"`
}

// RecordingConfig holds output and timing settings
type RecordingConfig struct {
	OutputDir  string `toml:"output_dir" json:"output_dir" yaml:"output_dir"`
	VideoDir   string `toml:"video_dir" json:"video_dir" yaml:"video_dir"`
	DataDir    string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
	FrameRate  int    `toml:"frame_rate" json:"frame_rate" yaml:"frame_rate"`
	Timescale  int    `toml:"timescale" json:"timescale" yaml:"timescale"`
	QueueDepth int    `toml:"queue_depth" json:"queue_depth" yaml:"queue_depth"`
}

// EncodingConfig holds video encoding settings
type EncodingConfig struct {
	Encoder          string `toml:"encoder" json:"encoder" yaml:"encoder"` // empty to probe
	Preset           string `toml:"preset" json:"preset" yaml:"preset"`
	BitrateKbps      int    `toml:"bitrate_kbps" json:"bitrate_kbps" yaml:"bitrate_kbps"`
	KeyframeInterval int    `toml:"keyframe_interval" json:"keyframe_interval" yaml:"keyframe_interval"`
}

// PoolConfig holds composite buffer pool settings
type PoolConfig struct {
	MaxBuffers   int `toml:"max_buffers" json:"max_buffers" yaml:"max_buffers"`
	RowAlignment int `toml:"row_alignment" json:"row_alignment" yaml:"row_alignment"`
	MaxFrameMB   int `toml:"max_frame_mb" json:"max_frame_mb" yaml:"max_frame_mb"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort        int      `toml:"web_port" json:"web_port" yaml:"web_port"`
	BindIP         string   `toml:"bind_ip" json:"bind_ip" yaml:"bind_ip"`
	AdvertiseIP    string   `toml:"advertise_ip" json:"advertise_ip" yaml:"advertise_ip"` // Auto-detected if empty
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`
}

// PreviewConfig holds live preview settings
type PreviewConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	Width   int  `toml:"width" json:"width" yaml:"width"`
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	FrameChannelSize int `toml:"frame_channel_size" json:"frame_channel_size" yaml:"frame_channel_size"`
	EventChannelSize int `toml:"event_channel_size" json:"event_channel_size" yaml:"event_channel_size"`
	ClientSendBuffer int `toml:"client_send_buffer" json:"client_send_buffer" yaml:"client_send_buffer"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	CameraStartTimeout  int `toml:"camera_start_timeout_seconds" json:"camera_start_timeout_seconds" yaml:"camera_start_timeout_seconds"`
	FinalizeTimeout     int `toml:"finalize_timeout_seconds" json:"finalize_timeout_seconds" yaml:"finalize_timeout_seconds"`
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" json:"level" yaml:"level"`
	Dir              string `toml:"dir" json:"dir" yaml:"dir"`
	MaxLogFiles      int    `toml:"max_log_files" json:"max_log_files" yaml:"max_log_files"`
	FrameLogInterval int    `toml:"frame_log_interval" json:"frame_log_interval" yaml:"frame_log_interval"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds"`
}

// MQTTConfig holds event publishing settings
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Broker      string `toml:"broker" json:"broker" yaml:"broker"`
	ClientID    string `toml:"client_id" json:"client_id" yaml:"client_id"`
	TopicPrefix string `toml:"topic_prefix" json:"topic_prefix" yaml:"topic_prefix"`
	QoS         int    `toml:"qos" json:"qos" yaml:"qos"`
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Source: SourceLibcamera,
			Width:  1280,
			Height: 720,
			FPS:    30,
			Left: EyeConfig{
				Device: "/base/axi/pcie@1000120000/rp1/i2c@88000/imx219@10",
			},
			Right: EyeConfig{
				Device: "/base/axi/pcie@1000120000/rp1/i2c@80000/imx219@10",
			},
		},
		Calibration: CalibrationConfig{
			LeftIntrinsics:  []float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
			LeftExtrinsics:  []float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
			RightIntrinsics: []float32{1, 0, 0, 0, 1, 0, 0, 0, 1},
			RightExtrinsics: []float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		},
		Recording: RecordingConfig{
			OutputDir:  "recordings",
			VideoDir:   "Video Captures",
			DataDir:    "Video Data",
			FrameRate:  30,
			Timescale:  600,
			QueueDepth: 4,
		},
		Encoding: EncodingConfig{
			Preset:           "ultrafast",
			BitrateKbps:      8000,
			KeyframeInterval: 30,
		},
		Pool: PoolConfig{
			MaxBuffers:   8,
			RowAlignment: 64,
			MaxFrameMB:   64,
		},
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Preview: PreviewConfig{
			Enabled: true,
			Width:   640,
		},
		Buffers: BufferConfig{
			FrameChannelSize: 4,
			EventChannelSize: 16,
			ClientSendBuffer: 16,
		},
		Timeouts: TimeoutConfig{
			CameraStartTimeout:  10,
			FinalizeTimeout:     30,
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			MaxLogFiles:      20,
			FrameLogInterval: 300,
			StatsLogInterval: 60,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost:1883",
			ClientID:    "stereo-recorder",
			TopicPrefix: "stereo-recorder",
			QoS:         1,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file, falling back to
// defaults when the file does not exist
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if err := decodeFile(configPath, config); err != nil {
			return nil, err
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	// Auto-detect advertised IP if not set
	if config.Server.AdvertiseIP == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.AdvertiseIP = ip
			logger.Info("Auto-detected local IP", zap.String("ip", ip))
		} else {
			config.Server.AdvertiseIP = "localhost"
			logger.Warn("Could not detect local IP, using localhost")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func decodeFile(configPath string, config *Config) error {
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.Camera.Source {
	case SourceLibcamera, SourceSynthetic:
	default:
		errs = append(errs, fmt.Errorf("camera.source %q must be %q or %q", c.Camera.Source, SourceLibcamera, SourceSynthetic))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.Width%2 != 0 || c.Camera.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("camera size %dx%d must be even for 4:2:0 chroma", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("camera.fps must be positive"))
	}
	if len(c.Calibration.LeftIntrinsics) != 9 || len(c.Calibration.RightIntrinsics) != 9 {
		errs = append(errs, fmt.Errorf("calibration intrinsics need 9 values"))
	}
	if len(c.Calibration.LeftExtrinsics) != 16 || len(c.Calibration.RightExtrinsics) != 16 {
		errs = append(errs, fmt.Errorf("calibration extrinsics need 16 values"))
	}
	if c.Recording.OutputDir == "" {
		errs = append(errs, fmt.Errorf("recording.output_dir must be set"))
	}
	if c.Recording.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("recording.frame_rate must be positive"))
	}
	if c.Recording.Timescale <= 0 || c.Recording.Timescale > 1<<30 {
		errs = append(errs, fmt.Errorf("recording.timescale %d out of range", c.Recording.Timescale))
	}
	if c.Recording.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("recording.queue_depth must be positive"))
	}
	if c.Pool.MaxBuffers < 0 {
		errs = append(errs, fmt.Errorf("pool.max_buffers must not be negative"))
	} else if c.Pool.MaxBuffers > 0 && c.Recording.QueueDepth > 0 && c.Pool.MaxBuffers < c.Recording.QueueDepth+PoolHeadroom {
		errs = append(errs, fmt.Errorf("pool.max_buffers %d must be 0 or at least recording.queue_depth+%d (%d)",
			c.Pool.MaxBuffers, PoolHeadroom, c.Recording.QueueDepth+PoolHeadroom))
	}
	if c.Server.WebPort <= 0 || c.Server.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("server.web_port %d out of range", c.Server.WebPort))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// VideoDir returns the directory recordings are written to
func (c *Config) VideoDir() string {
	return filepath.Join(c.Recording.OutputDir, c.Recording.VideoDir)
}

// DataDir returns the directory calibration files are written to
func (c *Config) DataDir() string {
	return filepath.Join(c.Recording.OutputDir, c.Recording.DataDir)
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a TOML file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
