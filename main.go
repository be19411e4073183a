package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"syscall"
	"time"

	"frame-recorder/camera"
	"frame-recorder/config"
	"frame-recorder/encoder"
	"frame-recorder/recorder"
	"frame-recorder/web"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultConfigPath = "recorder.toml"
	AppName           = "Frame Recorder"
	AppVersion        = "1.0.0"
)

// Application wires one recording session together
type Application struct {
	config *config.Config
	logger *zap.Logger

	recorder *recorder.Recorder
	monitor  *web.Server
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (.toml, .yaml or .yml)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		usage()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := parseArgs(flag.Args(), &cfg.Session); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		usage()
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger, err := createLogger(cfg.Logging.Level, cfg.Logging.Dir, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		zap.String("camera_source", cfg.Camera.Source),
		zap.String("device", cfg.Camera.Device),
		zap.Float64("record_time_seconds", cfg.Session.RecordTime),
		zap.Float64("frame_rate", cfg.Session.FrameRate),
		zap.String("output", cfg.Session.OutputPath()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			logger.Info("Received shutdown signal, stopping acquisition", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	app := NewApplication(cfg, logger)
	if err := app.Run(ctx); err != nil {
		logger.Error("Recording failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Recording complete", zap.String("output", cfg.Session.OutputPath()))
}

func usage() {
	fmt.Fprintf(os.Stderr, "%s v%s\n\n", AppName, AppVersion)
	fmt.Fprintln(os.Stderr, "Records a fixed-length camera session to a lossless video file")
	fmt.Fprintln(os.Stderr, "\nUsage:")
	fmt.Fprintf(os.Stderr, "  %s [flags] [record_time [output_name [frame_rate]]]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

// parseArgs applies the positional arguments record_time, output_name and
// frame_rate, in that order, to session
func parseArgs(args []string, session *config.SessionConfig) error {
	if len(args) > 3 {
		return fmt.Errorf("too many arguments: got %d, want at most 3", len(args))
	}

	if len(args) > 0 {
		recordTime, err := strconv.ParseFloat(args[0], 64)
		if err != nil || !(recordTime > 0) {
			return fmt.Errorf("invalid record_time %q: must be a positive number of seconds", args[0])
		}
		session.RecordTime = recordTime
	}
	if len(args) > 1 {
		if args[1] == "" {
			return fmt.Errorf("output_name must not be empty")
		}
		session.OutputName = args[1]
	}
	if len(args) > 2 {
		frameRate, err := strconv.ParseFloat(args[2], 64)
		if err != nil || !(frameRate > 0) {
			return fmt.Errorf("invalid frame_rate %q: must be a positive number", args[2])
		}
		session.FrameRate = frameRate
	}
	return nil
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Run records one session. Cancelling ctx ends acquisition early; frames
// already captured are still written.
func (a *Application) Run(ctx context.Context) error {
	stopTimeout := time.Duration(a.config.Timeouts.DeviceStopTimeout) * time.Second
	device, err := camera.New(a.config.Camera, stopTimeout, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create camera: %w", err)
	}

	a.recorder = recorder.New(a.config, device, a.newSinkFactory(), a.logger)

	if a.config.Monitor.Enabled {
		a.monitor = web.NewServer(a.config, a.recorder, a.logger)
		if err := a.monitor.Start(); err != nil {
			a.logger.Warn("Monitor server unavailable, recording without it", zap.Error(err))
			a.monitor = nil
		} else {
			defer func() {
				if err := a.monitor.Stop(); err != nil {
					a.logger.Error("Error stopping monitor server", zap.Error(err))
				}
			}()
		}
	}

	if err := a.recorder.Initialize(); err != nil {
		return err
	}
	if err := a.recorder.Acquire(ctx); err != nil {
		return err
	}

	stats := a.recorder.Stats()
	a.logger.Info("Session summary",
		zap.String("session", stats.SessionID),
		zap.Int("num_images", stats.NumImages),
		zap.Uint64("written", stats.Written),
		zap.Uint64("failed_grabs", stats.Failed),
		zap.Int("drained_after_grab", stats.DrainedAfterGrab),
		zap.Float64("elapsed_seconds", stats.ElapsedSeconds))
	return nil
}

// newSinkFactory returns the factory creating the ffmpeg video writer
func (a *Application) newSinkFactory() recorder.SinkFactory {
	exitTimeout := time.Duration(a.config.Timeouts.EncoderExitTimeout) * time.Second
	return func(path string, fps float64, width, height int) (recorder.FrameWriter, error) {
		w, err := encoder.NewVideoWriter(path, fps, width, height, a.config.Encoder, exitTimeout, a.logger.With(zap.String("component", "encoder")))
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// createLogger creates a structured logger writing to stdout and to a new
// file under dir, keeping at most maxFiles log files
func createLogger(level, dir string, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
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

	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(dir, fmt.Sprintf("frame-recorder-%s.log", ts))

	// Keep room for the file about to be created
	if maxFiles > 0 {
		files, _ := filepath.Glob(filepath.Join(dir, "frame-recorder-*.log"))
		if len(files) >= maxFiles {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-maxFiles+1] {
				_ = os.Remove(f)
			}
		}
	}

	// No sampling: every failed grab and encoder line must reach the file
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
