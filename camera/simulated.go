package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pattern fills buf with the pixels of grab event n
type Pattern func(n int, buf []byte)

// ZeroPattern produces all-black frames
func ZeroPattern(n int, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// RampPattern produces a horizontal ramp shifted by one sample per frame
func RampPattern(n int, buf []byte) {
	for i := range buf {
		buf[i] = byte(i + n)
	}
}

// SequencePattern fills every sample with the low byte of n, so frames can
// be told apart after encoding
func SequencePattern(n int, buf []byte) {
	v := byte(n)
	for i := range buf {
		buf[i] = v
	}
}

// SimulatedOptions configures a SimulatedDevice
type SimulatedOptions struct {
	Width   int
	Height  int
	Pattern Pattern

	// Realtime paces grab events at the configured frame rate
	Realtime bool

	// FailEvery makes every n-th grab event fail; FailAt lists 1-based image
	// numbers that fail
	FailEvery int
	FailAt    []uint64

	// Injected errors for Open and the parameter setters
	OpenError      error
	ConfigureError error
}

// SimulatedSettings is the parameter state recorded by a SimulatedDevice
type SimulatedSettings struct {
	Gain         float64
	ExposureTime float64
	FrameRate    float64
	Line         LineConfig
}

// SimulatedDevice generates frames in software. It behaves like a hardware
// camera from the caller's point of view: events are delivered from a
// separate goroutine and the frame buffer is reused between events.
type SimulatedDevice struct {
	grabber

	opts SimulatedOptions

	stateMu  sync.Mutex
	open     bool
	settings SimulatedSettings
}

// NewSimulatedDevice creates a simulated camera
func NewSimulatedDevice(opts SimulatedOptions, logger *zap.Logger) *SimulatedDevice {
	if opts.Pattern == nil {
		opts.Pattern = ZeroPattern
	}
	logger = logger.With(zap.String("device", "simulated"))
	return &SimulatedDevice{
		grabber: grabber{logger: logger},
		opts:    opts,
	}
}

// Open opens the device
func (d *SimulatedDevice) Open() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.opts.OpenError != nil {
		return fmt.Errorf("failed to open simulated camera: %w", d.opts.OpenError)
	}
	if d.opts.Width <= 0 || d.opts.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, d.opts.Width, d.opts.Height)
	}

	d.open = true
	d.logger.Info("Simulated camera opened",
		zap.Int("width", d.opts.Width),
		zap.Int("height", d.opts.Height))
	return nil
}

// Close stops any grab in progress and closes the device
func (d *SimulatedDevice) Close() error {
	if err := d.stop(); err != nil {
		return err
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.open = false
	return nil
}

// IsOpen reports whether the device is open
func (d *SimulatedDevice) IsOpen() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.open
}

func (d *SimulatedDevice) set(apply func(s *SimulatedSettings)) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if !d.open {
		return ErrNotOpen
	}
	if d.opts.ConfigureError != nil {
		return d.opts.ConfigureError
	}
	apply(&d.settings)
	return nil
}

// SetGain records the gain
func (d *SimulatedDevice) SetGain(gain float64) error {
	return d.set(func(s *SimulatedSettings) { s.Gain = gain })
}

// SetExposureTime records the exposure time in microseconds
func (d *SimulatedDevice) SetExposureTime(us float64) error {
	return d.set(func(s *SimulatedSettings) { s.ExposureTime = us })
}

// SetFrameRate sets the rate used when Realtime pacing is enabled
func (d *SimulatedDevice) SetFrameRate(fps float64) error {
	return d.set(func(s *SimulatedSettings) { s.FrameRate = fps })
}

// ConfigureOutputLine records the output line configuration
func (d *SimulatedDevice) ConfigureOutputLine(line LineConfig) error {
	return d.set(func(s *SimulatedSettings) { s.Line = line })
}

// Settings returns the parameters applied so far
func (d *SimulatedDevice) Settings() SimulatedSettings {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.settings
}

// Geometry returns the configured frame size
func (d *SimulatedDevice) Geometry() (int, int, error) {
	if !d.IsOpen() {
		return 0, 0, ErrNotOpen
	}
	return d.opts.Width, d.opts.Height, nil
}

// RegisterImageHandler installs h, replacing any previous handler
func (d *SimulatedDevice) RegisterImageHandler(h ImageHandler) error {
	d.register(h)
	return nil
}

// DeregisterImageHandler removes h if it is the registered handler
func (d *SimulatedDevice) DeregisterImageHandler(h ImageHandler) error {
	d.deregister(h)
	return nil
}

// StartGrabbing starts delivering maxImages grab events
func (d *SimulatedDevice) StartGrabbing(maxImages int) error {
	if !d.IsOpen() {
		return ErrNotOpen
	}

	width, height := d.opts.Width, d.opts.Height
	buf := make([]byte, width*height)

	var interval time.Duration
	if fps := d.Settings().FrameRate; d.opts.Realtime && fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	start := time.Now()

	next := func(ctx context.Context, n int) (GrabResult, bool) {
		if interval > 0 {
			due := start.Add(time.Duration(n) * interval)
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return GrabResult{}, false
				case <-timer.C:
				}
			}
		}

		result := GrabResult{
			Width:       width,
			Height:      height,
			ImageNumber: uint64(n + 1),
			Timestamp:   time.Now(),
		}
		if d.shouldFail(result.ImageNumber) {
			result.ErrorCode = 0xE1000014
			result.ErrorDescription = "simulated grab failure"
			return result, true
		}

		d.opts.Pattern(n, buf)
		result.Succeeded = true
		result.Buffer = buf
		return result, true
	}

	if err := d.start(maxImages, next, nil); err != nil {
		return err
	}

	d.logger.Info("Simulated grabbing started",
		zap.Int("max_images", maxImages),
		zap.Duration("interval", interval))
	return nil
}

// IsGrabbing reports whether the grab sequence is still running
func (d *SimulatedDevice) IsGrabbing() bool {
	return d.isGrabbing()
}

// StopGrabbing ends the grab sequence
func (d *SimulatedDevice) StopGrabbing() error {
	return d.stop()
}

func (d *SimulatedDevice) shouldFail(imageNumber uint64) bool {
	if d.opts.FailEvery > 0 && imageNumber%uint64(d.opts.FailEvery) == 0 {
		return true
	}
	for _, n := range d.opts.FailAt {
		if n == imageNumber {
			return true
		}
	}
	return false
}
