package camera

import (
	"errors"
	"fmt"
	"time"

	"frame-recorder/config"

	"go.uber.org/zap"
)

var (
	// ErrNotOpen is returned when an operation needs an open device
	ErrNotOpen = errors.New("camera: device not open")

	// ErrAlreadyGrabbing is returned by StartGrabbing while a grab sequence
	// is still running
	ErrAlreadyGrabbing = errors.New("camera: already grabbing")

	// ErrNoHandler is returned by StartGrabbing when no image handler is
	// registered
	ErrNoHandler = errors.New("camera: no image handler registered")

	// ErrInvalidGeometry is returned for a buffer that does not match the
	// frame dimensions
	ErrInvalidGeometry = errors.New("camera: invalid frame geometry")
)

// GrabResult describes one grab event, successful or not
type GrabResult struct {
	Succeeded        bool
	Buffer           []byte // only valid for the duration of the handler call
	Width            int
	Height           int
	ImageNumber      uint64 // 1-based position in the grab sequence
	ErrorCode        int
	ErrorDescription string
	Timestamp        time.Time
}

// ImageHandler receives grab events. OnImageGrabbed runs on the device's
// grab goroutine; it must return quickly and must not call back into the
// device.
type ImageHandler interface {
	OnImageGrabbed(result GrabResult)
}

// ImageHandlerFunc adapts a function to ImageHandler
type ImageHandlerFunc func(result GrabResult)

// OnImageGrabbed calls f(result)
func (f ImageHandlerFunc) OnImageGrabbed(result GrabResult) {
	f(result)
}

// LineConfig configures the camera's output pulse line
type LineConfig struct {
	Selector        string
	Mode            string
	Source          string
	MinPulseWidthUs float64
}

// Device is the frame source boundary. A device delivers every grab event to
// the registered ImageHandler from its own goroutine, and reports
// IsGrabbing() == false only after the last handler call has returned.
type Device interface {
	Open() error
	Close() error
	IsOpen() bool

	SetGain(gain float64) error
	SetExposureTime(us float64) error
	SetFrameRate(fps float64) error
	ConfigureOutputLine(line LineConfig) error

	// Geometry returns the frame size the device will deliver
	Geometry() (width, height int, err error)

	// RegisterImageHandler replaces any previously registered handler
	RegisterImageHandler(h ImageHandler) error
	DeregisterImageHandler(h ImageHandler) error

	// StartGrabbing requests exactly maxImages grab events
	StartGrabbing(maxImages int) error
	IsGrabbing() bool
	// StopGrabbing ends the grab sequence and waits for the grab goroutine
	// to exit. It is safe to call more than once.
	StopGrabbing() error
}

// New creates the device selected by cfg.Source
func New(cfg config.CameraConfig, stopTimeout time.Duration, logger *zap.Logger) (Device, error) {
	switch cfg.Source {
	case "gstreamer":
		d := NewGStreamerDevice(cfg, logger)
		if stopTimeout > 0 {
			d.stopTimeout = stopTimeout
		}
		return d, nil
	case "simulated":
		opts := SimulatedOptions{
			Width:     cfg.Width,
			Height:    cfg.Height,
			Realtime:  cfg.SimulatedRealtime,
			FailEvery: cfg.SimulatedFailEvery,
		}
		switch cfg.SimulatedPattern {
		case "", "zero":
		case "ramp":
			opts.Pattern = RampPattern
		case "sequence":
			opts.Pattern = SequencePattern
		default:
			return nil, fmt.Errorf("unknown simulated pattern %q", cfg.SimulatedPattern)
		}
		d := NewSimulatedDevice(opts, logger)
		d.stopTimeout = stopTimeout
		return d, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
