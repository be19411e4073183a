package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"frame-recorder/camera"
	"frame-recorder/config"

	"go.uber.org/zap"
)

var (
	// ErrReleased is returned by Write once the writer has been released
	ErrReleased = errors.New("video writer released")
	// ErrFrameGeometry is returned for frames that do not match the writer
	ErrFrameGeometry = errors.New("frame geometry does not match video writer")
)

// Stats holds writer counters
type Stats struct {
	Frames   uint64 `json:"frames"`
	Bytes    uint64 `json:"bytes"`
	Released bool   `json:"released"`
}

// VideoWriter pipes raw frames into an ffmpeg process that encodes them to a
// single output file
type VideoWriter struct {
	width, height int
	fps           float64
	exitTimeout   time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdin    io.WriteCloser
	stderrWg sync.WaitGroup
	released bool
	frames   uint64
	bytes    uint64
}

// NewVideoWriter starts ffmpeg for a width x height gray8 stream at fps,
// encoding to path
func NewVideoWriter(path string, fps float64, width, height int, cfg config.EncoderConfig, exitTimeout time.Duration, logger *zap.Logger) (*VideoWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameGeometry, width, height)
	}
	if !(fps > 0) {
		return nil, fmt.Errorf("invalid frame rate %g", fps)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	return newVideoWriter(path, fps, width, height, cfg.Command, buildArgs(path, fps, width, height, cfg), exitTimeout, logger)
}

func newVideoWriter(path string, fps float64, width, height int, name string, args []string, exitTimeout time.Duration, logger *zap.Logger) (*VideoWriter, error) {
	if exitTimeout <= 0 {
		exitTimeout = 60 * time.Second
	}

	w := &VideoWriter{
		width:       width,
		height:      height,
		fps:         fps,
		exitTimeout: exitTimeout,
		logger:      logger.With(zap.String("output", path)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdin pipe for encoder: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stderr pipe from encoder: %w", err)
	}

	w.logger.Info("Starting encoder", zap.String("command", name), zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	w.cmd = cmd
	w.cancel = cancel
	w.stdin = stdin

	w.stderrWg.Add(1)
	go func() {
		defer w.stderrWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			w.logger.Warn("ffmpeg_stderr", zap.String("line", scanner.Text()))
		}
	}()

	return w, nil
}

// Write sends one frame to the encoder. Frames are encoded in call order.
func (w *VideoWriter) Write(frame *camera.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.released {
		return ErrReleased
	}
	if frame == nil || frame.Width != w.width || frame.Height != w.height || len(frame.Data) != w.width*w.height {
		return ErrFrameGeometry
	}

	n, err := w.stdin.Write(frame.Data)
	w.bytes += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write frame %d to encoder: %w", frame.Sequence, err)
	}
	w.frames++
	return nil
}

// Release closes the encoder input and waits for it to finish the file.
// Only the first call does anything.
func (w *VideoWriter) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.released {
		return nil
	}
	w.released = true

	w.logger.Info("Releasing encoder",
		zap.Uint64("frames", w.frames),
		zap.Uint64("bytes", w.bytes))

	if err := w.stdin.Close(); err != nil {
		w.logger.Debug("Error closing encoder stdin", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.cmd.Wait()
	}()

	var err error
	select {
	case err = <-errChan:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				err = fmt.Errorf("encoder exited with code %d: %w", exitErr.ExitCode(), err)
			} else {
				err = fmt.Errorf("error waiting for encoder: %w", err)
			}
		} else {
			w.logger.Info("Encoder finished successfully")
		}
	case <-time.After(w.exitTimeout):
		w.logger.Warn("Encoder did not exit within timeout, killing",
			zap.Duration("timeout", w.exitTimeout))
		w.cancel()
		<-errChan
		err = fmt.Errorf("encoder did not exit within %s", w.exitTimeout)
	}
	w.stderrWg.Wait()
	w.cancel()

	return err
}

// Stats returns the writer counters
func (w *VideoWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Frames:   w.frames,
		Bytes:    w.bytes,
		Released: w.released,
	}
}

// buildArgs returns the ffmpeg arguments for a raw gray8 stdin stream
func buildArgs(path string, fps float64, width, height int, cfg config.EncoderConfig) []string {
	args := []string{"-hide_banner"}
	if cfg.LogLevel != "" {
		args = append(args, "-loglevel", cfg.LogLevel)
	}

	pixFmt := cfg.PixelFormat
	if pixFmt == "" {
		pixFmt = "gray8"
	}
	codec := cfg.Codec
	if codec == "" {
		codec = "libx264"
	}

	args = append(args,
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-pix_fmt", pixFmt,
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-vcodec", codec,
		"-crf", strconv.Itoa(cfg.CRF),
	)
	args = append(args, cfg.ExtraArgs...)
	return append(args, path)
}
