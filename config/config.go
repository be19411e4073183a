package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Session  SessionConfig `toml:"session" yaml:"session" json:"session"`
	Camera   CameraConfig  `toml:"camera" yaml:"camera" json:"camera"`
	Encoder  EncoderConfig `toml:"encoder" yaml:"encoder" json:"encoder"`
	Monitor  MonitorConfig `toml:"monitor" yaml:"monitor" json:"monitor"`
	Timeouts TimeoutConfig `toml:"timeouts" yaml:"timeouts" json:"timeouts"`
	Logging  LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
	Limits   LimitConfig   `toml:"limits" yaml:"limits" json:"limits"`
}

// SessionConfig holds the parameters of one recording session.
// They are fixed once acquisition starts.
type SessionConfig struct {
	RecordTime      float64 `toml:"record_time_seconds" yaml:"record_time_seconds" json:"record_time_seconds"`
	FrameRate       float64 `toml:"frame_rate" yaml:"frame_rate" json:"frame_rate"`
	ExposureTime    float64 `toml:"exposure_time_us" yaml:"exposure_time_us" json:"exposure_time_us"`
	Gain            float64 `toml:"gain" yaml:"gain" json:"gain"`
	OutputName      string  `toml:"output_name" yaml:"output_name" json:"output_name"`
	OutputDir       string  `toml:"output_dir" yaml:"output_dir" json:"output_dir"`
	OutputExtension string  `toml:"output_extension" yaml:"output_extension" json:"output_extension"`
}

// CameraConfig selects and configures the frame source
type CameraConfig struct {
	Source string `toml:"source" yaml:"source" json:"source"` // "gstreamer" or "simulated"
	Device string `toml:"device" yaml:"device" json:"device"`
	Width  int    `toml:"width" yaml:"width" json:"width"`
	Height int    `toml:"height" yaml:"height" json:"height"`

	// Output pulse line, emitted by the camera on every exposure
	LineSelector        string  `toml:"line_selector" yaml:"line_selector" json:"line_selector"`
	LineMode            string  `toml:"line_mode" yaml:"line_mode" json:"line_mode"`
	LineSource          string  `toml:"line_source" yaml:"line_source" json:"line_source"`
	LineMinPulseWidthUs float64 `toml:"line_min_pulse_width_us" yaml:"line_min_pulse_width_us" json:"line_min_pulse_width_us"`

	// Simulated source only
	SimulatedPattern   string `toml:"simulated_pattern" yaml:"simulated_pattern" json:"simulated_pattern"` // "zero", "ramp" or "sequence"
	SimulatedRealtime  bool   `toml:"simulated_realtime" yaml:"simulated_realtime" json:"simulated_realtime"`
	SimulatedFailEvery int    `toml:"simulated_fail_every" yaml:"simulated_fail_every" json:"simulated_fail_every"`
}

// EncoderConfig holds the streaming encoder process settings
type EncoderConfig struct {
	Command     string   `toml:"command" yaml:"command" json:"command"`
	Codec       string   `toml:"codec" yaml:"codec" json:"codec"`
	CRF         int      `toml:"crf" yaml:"crf" json:"crf"`
	PixelFormat string   `toml:"pixel_format" yaml:"pixel_format" json:"pixel_format"`
	LogLevel    string   `toml:"log_level" yaml:"log_level" json:"log_level"`
	ExtraArgs   []string `toml:"extra_args" yaml:"extra_args" json:"extra_args"`
}

// MonitorConfig holds the optional status server settings
type MonitorConfig struct {
	Enabled             bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	BindIP              string   `toml:"bind_ip" yaml:"bind_ip" json:"bind_ip"`
	Port                int      `toml:"port" yaml:"port" json:"port"`
	BroadcastIntervalMs int      `toml:"broadcast_interval_ms" yaml:"broadcast_interval_ms" json:"broadcast_interval_ms"`
	SendBufferSize      int      `toml:"send_buffer_size" yaml:"send_buffer_size" json:"send_buffer_size"`
	AllowedOrigins      []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	PollIntervalUs      int `toml:"poll_interval_us" yaml:"poll_interval_us" json:"poll_interval_us"`
	EncoderExitTimeout  int `toml:"encoder_exit_timeout_seconds" yaml:"encoder_exit_timeout_seconds" json:"encoder_exit_timeout_seconds"`
	DeviceStopTimeout   int `toml:"device_stop_timeout_seconds" yaml:"device_stop_timeout_seconds" json:"device_stop_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" yaml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level            string `toml:"level" yaml:"level" json:"level"`
	Dir              string `toml:"dir" yaml:"dir" json:"dir"`
	FrameLogInterval int    `toml:"frame_log_interval" yaml:"frame_log_interval" json:"frame_log_interval"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" yaml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// LimitConfig holds resource limit settings
type LimitConfig struct {
	QueueHighWaterMark int `toml:"queue_high_water_mark" yaml:"queue_high_water_mark" json:"queue_high_water_mark"`
	MaxLogFiles        int `toml:"max_log_files" yaml:"max_log_files" json:"max_log_files"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			RecordTime:      600,
			FrameRate:       120,
			ExposureTime:    8000,
			Gain:            5,
			OutputName:      "basler_video",
			OutputDir:       ".",
			OutputExtension: ".avi",
		},
		Camera: CameraConfig{
			Source:              "gstreamer",
			Device:              "/dev/video0",
			Width:               640,
			Height:              480,
			LineSelector:        "Line2",
			LineMode:            "Output",
			LineSource:          "ExposureActive",
			LineMinPulseWidthUs: 100,
			SimulatedPattern:    "zero",
		},
		Encoder: EncoderConfig{
			Command:     "ffmpeg",
			Codec:       "libx264",
			CRF:         0,
			PixelFormat: "gray8",
			LogLevel:    "error",
		},
		Monitor: MonitorConfig{
			Enabled:             false,
			BindIP:              "0.0.0.0",
			Port:                8090,
			BroadcastIntervalMs: 500,
			SendBufferSize:      16,
			AllowedOrigins:      []string{"*"},
		},
		Timeouts: TimeoutConfig{
			PollIntervalUs:      500,
			EncoderExitTimeout:  60,
			DeviceStopTimeout:   5,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			FrameLogInterval: 1200,
			StatsLogInterval: 10,
		},
		Limits: LimitConfig{
			QueueHighWaterMark: 2400,
			MaxLogFiles:        20,
		},
	}
}

// LoadConfig loads configuration from a TOML or YAML file, falling back to
// defaults when the file does not exist
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		if isYAML(configPath) {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		} else if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	return config, nil
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if isYAML(configPath) {
		encoder := yaml.NewEncoder(file)
		defer encoder.Close()
		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return nil
	}

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate checks the values a session cannot start without
func (c *Config) Validate() error {
	var err error

	if !(c.Session.RecordTime > 0) {
		err = multierr.Append(err, fmt.Errorf("session.record_time_seconds must be > 0, got %g", c.Session.RecordTime))
	}
	if !(c.Session.FrameRate > 0) {
		err = multierr.Append(err, fmt.Errorf("session.frame_rate must be > 0, got %g", c.Session.FrameRate))
	}
	if c.Session.RecordTime > 0 && c.Session.FrameRate > 0 && c.Session.NumImages() < 1 {
		err = multierr.Append(err, fmt.Errorf("session of %gs at %g fps requests no frames", c.Session.RecordTime, c.Session.FrameRate))
	}
	if c.Session.OutputName == "" {
		err = multierr.Append(err, errors.New("session.output_name is empty"))
	}
	switch c.Camera.Source {
	case "gstreamer", "simulated":
	default:
		err = multierr.Append(err, fmt.Errorf("camera.source %q is not supported", c.Camera.Source))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		err = multierr.Append(err, fmt.Errorf("camera geometry %dx%d is invalid", c.Camera.Width, c.Camera.Height))
	}
	if c.Encoder.Command == "" {
		err = multierr.Append(err, errors.New("encoder.command is empty"))
	}

	return err
}

// NumImages is the number of frames requested from the camera,
// round(frame_rate * record_time)
func (s SessionConfig) NumImages() int {
	return int(math.Round(s.FrameRate * s.RecordTime))
}

// OutputPath returns the path of the encoded video file
func (s SessionConfig) OutputPath() string {
	return filepath.Join(s.OutputDir, s.OutputName+s.OutputExtension)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
