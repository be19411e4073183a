package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"frame-recorder/config"

	"go.uber.org/zap"
)

const gstLaunch = "gst-launch-1.0"

// GStreamerDevice captures raw GRAY8 frames from a gst-launch-1.0 pipeline.
// The pipeline writes frames back to back on stdout; the grab goroutine reads
// exactly width*height bytes per frame.
type GStreamerDevice struct {
	grabber

	config config.CameraConfig

	stateMu  sync.Mutex
	open     bool
	gain     float64
	exposure float64
	fps      float64
	line     LineConfig

	// GStreamer process of the current grab sequence
	gstCmd    *exec.Cmd
	gstStdout io.ReadCloser
	gstCancel context.CancelFunc
	stderrWg  sync.WaitGroup

	lookPath func(file string) (string, error)
}

// NewGStreamerDevice creates a GStreamer-backed camera
func NewGStreamerDevice(cfg config.CameraConfig, logger *zap.Logger) *GStreamerDevice {
	logger = logger.With(zap.String("device", cfg.Device))
	return &GStreamerDevice{
		grabber:  grabber{logger: logger, stopTimeout: 10 * time.Second},
		config:   cfg,
		lookPath: exec.LookPath,
	}
}

// Open checks that the pipeline can be launched
func (d *GStreamerDevice) Open() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.config.Width <= 0 || d.config.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, d.config.Width, d.config.Height)
	}
	if _, err := d.lookPath(gstLaunch); err != nil {
		return fmt.Errorf("failed to find %s: %w", gstLaunch, err)
	}

	d.open = true
	d.logger.Info("GStreamer camera opened",
		zap.String("source", strings.Join(d.sourceElement(), " ")),
		zap.Int("width", d.config.Width),
		zap.Int("height", d.config.Height))
	return nil
}

// Close stops any grab in progress and closes the device
func (d *GStreamerDevice) Close() error {
	err := d.StopGrabbing()

	d.stateMu.Lock()
	d.open = false
	d.stateMu.Unlock()

	d.logger.Info("GStreamer camera closed")
	return err
}

// IsOpen reports whether the device is open
func (d *GStreamerDevice) IsOpen() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.open
}

// SetGain sets the analogue gain passed to libcamerasrc
func (d *GStreamerDevice) SetGain(gain float64) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	d.gain = gain
	return nil
}

// SetExposureTime sets the exposure time in microseconds passed to
// libcamerasrc
func (d *GStreamerDevice) SetExposureTime(us float64) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	d.exposure = us
	return nil
}

// SetFrameRate sets the framerate caps of the pipeline
func (d *GStreamerDevice) SetFrameRate(fps float64) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	if !(fps > 0) {
		return fmt.Errorf("invalid frame rate %g", fps)
	}
	d.fps = fps
	return nil
}

// ConfigureOutputLine is recorded only; GStreamer sources have no output line
func (d *GStreamerDevice) ConfigureOutputLine(line LineConfig) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if !d.open {
		return ErrNotOpen
	}
	d.line = line
	d.logger.Debug("Output line configuration not supported by GStreamer source, ignoring",
		zap.String("selector", line.Selector),
		zap.String("source", line.Source))
	return nil
}

// Geometry returns the configured frame size
func (d *GStreamerDevice) Geometry() (int, int, error) {
	if !d.IsOpen() {
		return 0, 0, ErrNotOpen
	}
	return d.config.Width, d.config.Height, nil
}

// RegisterImageHandler installs h, replacing any previous handler
func (d *GStreamerDevice) RegisterImageHandler(h ImageHandler) error {
	d.register(h)
	return nil
}

// DeregisterImageHandler removes h if it is the registered handler
func (d *GStreamerDevice) DeregisterImageHandler(h ImageHandler) error {
	d.deregister(h)
	return nil
}

// StartGrabbing launches the pipeline limited to maxImages buffers
func (d *GStreamerDevice) StartGrabbing(maxImages int) error {
	if !d.IsOpen() {
		return ErrNotOpen
	}
	if d.isGrabbing() {
		return ErrAlreadyGrabbing
	}

	pipeline := d.buildPipeline(maxImages)
	args := append([]string{"-q"}, pipeline...)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, gstLaunch, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stdout pipe from GStreamer: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stderr pipe from GStreamer: %w", err)
	}

	d.logger.Info("Starting GStreamer capture", zap.String("pipeline", strings.Join(pipeline, " ")))

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start GStreamer: %w", err)
	}

	d.stateMu.Lock()
	d.gstCmd = cmd
	d.gstStdout = stdout
	d.gstCancel = cancel
	d.stateMu.Unlock()

	d.stderrWg.Add(1)
	go func() {
		defer d.stderrWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Warn("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	width, height := d.config.Width, d.config.Height
	reader := bufio.NewReaderSize(stdout, width*height)
	buf := make([]byte, width*height)

	next := func(ctx context.Context, n int) (GrabResult, bool) {
		result := GrabResult{
			Width:       width,
			Height:      height,
			ImageNumber: uint64(n + 1),
		}

		_, err := io.ReadFull(reader, buf)
		result.Timestamp = time.Now()
		switch {
		case err == nil:
			result.Succeeded = true
			result.Buffer = buf
			return result, true
		case errors.Is(err, io.EOF):
			d.logger.Info("GStreamer stdout reached EOF, stopping grab loop",
				zap.Int("frames", n))
			return result, false
		case ctx.Err() != nil:
			return result, false
		default:
			// A truncated frame is reported once; the stream cannot be
			// resynchronised after it.
			result.ErrorCode = 1
			result.ErrorDescription = err.Error()
			d.cancelPipeline()
			return result, true
		}
	}

	if err := d.start(maxImages, next, d.reapPipeline); err != nil {
		d.cancelPipeline()
		d.reapPipeline()
		return err
	}
	return nil
}

// IsGrabbing reports whether the grab sequence is still running
func (d *GStreamerDevice) IsGrabbing() bool {
	return d.isGrabbing()
}

// StopGrabbing interrupts the pipeline and waits for the grab loop to exit
func (d *GStreamerDevice) StopGrabbing() error {
	if d.isGrabbing() {
		d.logger.Info("Stopping GStreamer capture")
		// Cancel first so the read error caused by closing stdout is not
		// reported as a failed grab
		d.signalStop()
		d.interruptPipeline()
	}
	return d.stop()
}

// interruptPipeline asks gst-launch to stop, then closes stdout so a blocked
// read returns
func (d *GStreamerDevice) interruptPipeline() {
	d.stateMu.Lock()
	cmd, stdout := d.gstCmd, d.gstStdout
	d.stateMu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGINT)
	}
	if stdout != nil {
		_ = stdout.Close()
	}
}

func (d *GStreamerDevice) cancelPipeline() {
	d.stateMu.Lock()
	cancel := d.gstCancel
	d.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// reapPipeline waits for gst-launch to exit. It runs on the grab goroutine
// after the last frame, so IsGrabbing stays true until the process is gone.
func (d *GStreamerDevice) reapPipeline() {
	d.stateMu.Lock()
	cmd, cancel := d.gstCmd, d.gstCancel
	d.gstCmd, d.gstStdout, d.gstCancel = nil, nil, nil
	d.stateMu.Unlock()

	if cmd == nil {
		return
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- cmd.Wait()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				d.logger.Debug("GStreamer process exited with error",
					zap.Error(err),
					zap.Int("exit_code", exitErr.ExitCode()))
			} else {
				d.logger.Error("Error waiting for GStreamer process", zap.Error(err))
			}
		} else {
			d.logger.Info("GStreamer process finished successfully")
		}
	case <-time.After(5 * time.Second):
		d.logger.Warn("GStreamer process did not exit within timeout, killing")
		if err := cmd.Process.Kill(); err != nil {
			d.logger.Error("Failed to kill GStreamer process", zap.Error(err))
		}
		<-errChan
	}
	d.stderrWg.Wait()

	if cancel != nil {
		cancel()
	}
}

// buildPipeline constructs the gst-launch arguments, one pipeline token
// per element so property values may contain spaces
func (d *GStreamerDevice) buildPipeline(maxImages int) []string {
	d.stateMu.Lock()
	gain, exposure, fps := d.gain, d.exposure, d.fps
	d.stateMu.Unlock()

	// 1. Source, bounded to the requested number of buffers
	pipeline := d.sourceElement()
	if maxImages > 0 {
		pipeline = append(pipeline, fmt.Sprintf("num-buffers=%d", maxImages))
	}
	if d.isLibcamera() {
		if exposure > 0 {
			pipeline = append(pipeline, fmt.Sprintf("exposure-time=%d", int(math.Round(exposure))))
		}
		if gain > 0 {
			pipeline = append(pipeline, fmt.Sprintf("analogue-gain=%g", gain))
		}
	}

	// 2. Convert whatever the sensor produces to 8-bit luma at the session
	//    geometry and rate
	pipeline = append(pipeline, "!", "videoconvert", "!", "videoscale", "!")
	caps := fmt.Sprintf("video/x-raw,format=GRAY8,width=%d,height=%d", d.config.Width, d.config.Height)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%s", framerateFraction(fps))
	}
	pipeline = append(pipeline, caps)

	// 3. Raw frames to stdout, no clock sync so the pipe never throttles
	pipeline = append(pipeline, "!", "fdsink", "fd=1", "sync=false")

	return pipeline
}

func (d *GStreamerDevice) sourceElement() []string {
	switch {
	case d.config.Device == "" || d.config.Device == "test":
		return []string{"videotestsrc", "is-live=true"}
	case strings.HasPrefix(d.config.Device, "/dev/video"):
		return []string{"v4l2src", "device=" + d.config.Device}
	default:
		return []string{"libcamerasrc", fmt.Sprintf("camera-name=%q", d.config.Device)}
	}
}

func (d *GStreamerDevice) isLibcamera() bool {
	return d.sourceElement()[0] == "libcamerasrc"
}

// framerateFraction renders fps as a GStreamer fraction, keeping three
// decimals for rates such as 29.97
func framerateFraction(fps float64) string {
	if fps == math.Trunc(fps) {
		return fmt.Sprintf("%d/1", int(fps))
	}
	return fmt.Sprintf("%d/1000", int(math.Round(fps*1000)))
}
