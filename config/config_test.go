package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Session.RecordTime != 600 {
		t.Errorf("Default Session.RecordTime = %g, want 600", cfg.Session.RecordTime)
	}

	if cfg.Session.FrameRate != 120 {
		t.Errorf("Default Session.FrameRate = %g, want 120", cfg.Session.FrameRate)
	}

	if cfg.Session.ExposureTime != 8000 {
		t.Errorf("Default Session.ExposureTime = %g, want 8000", cfg.Session.ExposureTime)
	}

	if cfg.Session.Gain != 5 {
		t.Errorf("Default Session.Gain = %g, want 5", cfg.Session.Gain)
	}

	if cfg.Session.OutputPath() != filepath.Join(".", "basler_video.avi") {
		t.Errorf("Default OutputPath = %s, want basler_video.avi", cfg.Session.OutputPath())
	}

	if cfg.Encoder.PixelFormat != "gray8" {
		t.Errorf("Default Encoder.PixelFormat = %s, want gray8", cfg.Encoder.PixelFormat)
	}

	if cfg.Encoder.CRF != 0 {
		t.Errorf("Default Encoder.CRF = %d, want 0", cfg.Encoder.CRF)
	}

	if cfg.Monitor.Enabled {
		t.Error("Monitor should be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

// TestNumImages tests the frame budget computation
func TestNumImages(t *testing.T) {
	tests := []struct {
		name       string
		recordTime float64
		frameRate  float64
		want       int
	}{
		{"defaults", 600, 120, 72000},
		{"one second at ten fps", 1.0, 10, 10},
		{"fractional rate rounds half up", 2.5, 3, 8},
		{"fractional rate rounds to nearest", 1.0, 29.97, 30},
		{"tiny product", 0.01, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SessionConfig{RecordTime: tt.recordTime, FrameRate: tt.frameRate}
			if got := s.NumImages(); got != tt.want {
				t.Errorf("NumImages() = %d, want %d", got, tt.want)
			}
		})
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
[session]
record_time_seconds = 30.0
frame_rate = 60.0
output_name = "run42"

[camera]
source = "simulated"
width = 1920
height = 1080

[monitor]
enabled = true
port = 9191
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Session.RecordTime != 30 {
		t.Errorf("Session.RecordTime = %g, want 30", cfg.Session.RecordTime)
	}

	if cfg.Session.NumImages() != 1800 {
		t.Errorf("NumImages = %d, want 1800", cfg.Session.NumImages())
	}

	if cfg.Session.OutputName != "run42" {
		t.Errorf("Session.OutputName = %s, want run42", cfg.Session.OutputName)
	}

	if cfg.Camera.Source != "simulated" {
		t.Errorf("Camera.Source = %s, want simulated", cfg.Camera.Source)
	}

	if cfg.Camera.Width != 1920 || cfg.Camera.Height != 1080 {
		t.Errorf("Camera geometry = %dx%d, want 1920x1080", cfg.Camera.Width, cfg.Camera.Height)
	}

	if !cfg.Monitor.Enabled || cfg.Monitor.Port != 9191 {
		t.Errorf("Monitor = %+v, want enabled on 9191", cfg.Monitor)
	}

	// Values not present in the file keep their defaults
	if cfg.Session.Gain != 5 {
		t.Errorf("Session.Gain = %g, want default 5", cfg.Session.Gain)
	}
}

// TestLoadConfigFromYAML tests loading config from a YAML file
func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yaml")

	configContent := `
session:
  record_time_seconds: 5
  frame_rate: 200
encoder:
  codec: libx265
  extra_args: ["-preset", "veryslow"]
`
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Session.NumImages() != 1000 {
		t.Errorf("NumImages = %d, want 1000", cfg.Session.NumImages())
	}

	if cfg.Encoder.Codec != "libx265" {
		t.Errorf("Encoder.Codec = %s, want libx265", cfg.Encoder.Codec)
	}

	if len(cfg.Encoder.ExtraArgs) != 2 || cfg.Encoder.ExtraArgs[1] != "veryslow" {
		t.Errorf("Encoder.ExtraArgs = %v", cfg.Encoder.ExtraArgs)
	}

	if cfg.Encoder.Command != "ffmpeg" {
		t.Errorf("Encoder.Command = %s, want default ffmpeg", cfg.Encoder.Command)
	}
}

// TestSaveAndLoadConfig tests saving and loading config in both formats
func TestSaveAndLoadConfig(t *testing.T) {
	for _, name := range []string{"saved.toml", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.RecordTime = 12.5
			cfg.Session.OutputName = "saved_run"
			cfg.Camera.Source = "simulated"
			cfg.Monitor.AllowedOrigins = []string{"http://localhost:3000"}

			path := filepath.Join(t.TempDir(), name)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}

			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}

			if loaded.Session.RecordTime != 12.5 {
				t.Errorf("Saved/loaded RecordTime mismatch: %g", loaded.Session.RecordTime)
			}

			if loaded.Session.OutputName != "saved_run" {
				t.Errorf("Saved/loaded OutputName mismatch: %s", loaded.Session.OutputName)
			}

			if loaded.Camera.Source != "simulated" {
				t.Errorf("Saved/loaded Camera.Source mismatch: %s", loaded.Camera.Source)
			}

			if len(loaded.Monitor.AllowedOrigins) != 1 || loaded.Monitor.AllowedOrigins[0] != "http://localhost:3000" {
				t.Errorf("Saved/loaded AllowedOrigins mismatch: %v", loaded.Monitor.AllowedOrigins)
			}
		})
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-invalid-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	invalidConfig := `
[session
record_time_seconds = "not a number"
`

	if _, err := tmpFile.WriteString(invalidConfig); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	if err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestValidate tests rejection of unusable session parameters
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero record time", func(c *Config) { c.Session.RecordTime = 0 }, true},
		{"negative frame rate", func(c *Config) { c.Session.FrameRate = -1 }, true},
		{"rounds to no frames", func(c *Config) { c.Session.RecordTime, c.Session.FrameRate = 0.01, 10 }, true},
		{"rounds up to one frame", func(c *Config) { c.Session.RecordTime, c.Session.FrameRate = 0.05, 10 }, false},
		{"empty output name", func(c *Config) { c.Session.OutputName = "" }, true},
		{"unknown source", func(c *Config) { c.Camera.Source = "pylon" }, true},
		{"zero geometry", func(c *Config) { c.Camera.Width = 0 }, true},
		{"empty encoder", func(c *Config) { c.Encoder.Command = "" }, true},
		{"simulated source", func(c *Config) { c.Camera.Source = "simulated" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
