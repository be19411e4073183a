package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"frame-recorder/camera"
	"frame-recorder/config"
	"frame-recorder/queue"

	"go.uber.org/zap"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    config.SessionConfig
		wantErr bool
	}{
		{
			name: "no arguments keeps defaults",
			args: nil,
			want: config.Default().Session,
		},
		{
			name: "record time",
			args: []string{"1.5"},
			want: func() config.SessionConfig {
				s := config.Default().Session
				s.RecordTime = 1.5
				return s
			}(),
		},
		{
			name: "all three",
			args: []string{"10", "run42", "60"},
			want: func() config.SessionConfig {
				s := config.Default().Session
				s.RecordTime = 10
				s.OutputName = "run42"
				s.FrameRate = 60
				return s
			}(),
		},
		{name: "negative record time", args: []string{"-1"}, wantErr: true},
		{name: "non numeric record time", args: []string{"ten"}, wantErr: true},
		{name: "empty output name", args: []string{"10", ""}, wantErr: true},
		{name: "zero frame rate", args: []string{"10", "run", "0"}, wantErr: true},
		{name: "too many", args: []string{"10", "run", "60", "extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := config.Default().Session
			err := parseArgs(tt.args, &session)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseArgs(%q) expected error", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs(%q) failed: %v", tt.args, err)
			}
			if session != tt.want {
				t.Errorf("parseArgs(%q) = %+v, want %+v", tt.args, session, tt.want)
			}
		})
	}
}

func TestCreateLoggerPrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, fmt.Sprintf("frame-recorder-20200101-00000%d.log", i))
		if err := os.WriteFile(name, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	logger, err := createLogger("debug", dir, 3)
	if err != nil {
		t.Fatalf("createLogger failed: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	files, _ := filepath.Glob(filepath.Join(dir, "frame-recorder-*.log"))
	if len(files) != 3 {
		t.Errorf("expected 3 log files after pruning, got %d: %v", len(files), files)
	}
	if _, err := os.Stat(filepath.Join(dir, "frame-recorder-20200101-000000.log")); !os.IsNotExist(err) {
		t.Error("oldest log file should have been removed")
	}
}

func TestCreateLoggerKeepsEveryGrabFailure(t *testing.T) {
	dir := t.TempDir()
	logger, err := createLogger("info", dir, 0)
	if err != nil {
		t.Fatalf("createLogger failed: %v", err)
	}

	const failures = 300
	h := camera.NewQueueHandler(queue.New[*camera.Frame](0), logger)
	for i := 1; i <= failures; i++ {
		h.OnImageGrabbed(camera.GrabResult{ImageNumber: uint64(i), ErrorCode: 0x0e1000, ErrorDescription: "timeout"})
	}
	_ = logger.Sync()

	if got := h.Stats().Failed; got != failures {
		t.Fatalf("handler counted %d failures, want %d", got, failures)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "frame-recorder-*.log"))
	if len(files) != 1 {
		t.Fatalf("expected one log file, got %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "Grab failed"); got != failures {
		t.Errorf("log file has %d grab failure lines, want %d", got, failures)
	}
}

func TestApplicationRunFailsWithoutEncoder(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Source = "simulated"
	cfg.Camera.Width = 8
	cfg.Camera.Height = 8
	cfg.Session.OutputDir = t.TempDir()
	cfg.Encoder.Command = "definitely-not-an-encoder"

	app := NewApplication(cfg, zap.NewNop())
	if err := app.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail when the encoder cannot start")
	}
	if got := app.recorder.State().String(); got != "closed" {
		t.Errorf("recorder state = %s, want closed", got)
	}
}

func TestApplicationRunRejectsUnknownCamera(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Source = "pylon"

	app := NewApplication(cfg, zap.NewNop())
	if err := app.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail for an unknown camera source")
	}
}
