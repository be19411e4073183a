package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"frame-recorder/camera"
	"frame-recorder/config"
	"frame-recorder/queue"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrInvalidState is returned when an operation is called out of order
var ErrInvalidState = errors.New("recorder: invalid state")

// State is the acquisition state of a Recorder. States only move forward.
type State int32

const (
	Unconfigured State = iota
	Configured
	Grabbing
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Grabbing:
		return "grabbing"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameWriter is the streaming sink frames are written to
type FrameWriter interface {
	Write(frame *camera.Frame) error
	Release() error
}

// SinkFactory creates the sink once the device geometry is known
type SinkFactory func(path string, fps float64, width, height int) (FrameWriter, error)

// Stats holds session counters
type Stats struct {
	SessionID        string    `json:"session_id"`
	State            string    `json:"state"`
	NumImages        int       `json:"num_images"`
	Grabbed          uint64    `json:"grabbed"`
	Failed           uint64    `json:"failed"`
	Rejected         uint64    `json:"rejected"`
	Written          uint64    `json:"written"`
	WriteErrors      uint64    `json:"write_errors"`
	QueueDepth       int       `json:"queue_depth"`
	QueuePeak        int       `json:"queue_peak"`
	DrainedAfterGrab int       `json:"drained_after_grab"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
}

// Status describes the session for the monitor
type Status struct {
	Output  string               `json:"output"`
	Width   int                  `json:"width"`
	Height  int                  `json:"height"`
	Session config.SessionConfig `json:"session"`
	Stats   Stats                `json:"stats"`
}

// Recorder drives one acquisition session: it configures the device, moves
// frames from the grab goroutine through the queue into the sink and tears
// everything down exactly once.
type Recorder struct {
	cfg     *config.Config
	device  camera.Device
	newSink SinkFactory
	logger  *zap.Logger

	sessionID string
	queue     *queue.Queue[*camera.Frame]
	handler   *camera.QueueHandler

	mu               sync.Mutex
	state            State
	deviceOpened     bool
	sink             FrameWriter
	width, height    int
	numImages        int
	startedAt        time.Time
	finishedAt       time.Time
	drainedAfterGrab int

	written     atomic.Uint64
	writeErrors atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New creates a recorder for one session. Session parameters are read from
// cfg and must not change afterwards.
func New(cfg *config.Config, device camera.Device, newSink SinkFactory, logger *zap.Logger) *Recorder {
	sessionID := uuid.New().String()
	logger = logger.With(zap.String("session", sessionID))

	q := queue.New[*camera.Frame](0)
	return &Recorder{
		cfg:       cfg,
		device:    device,
		newSink:   newSink,
		logger:    logger,
		sessionID: sessionID,
		queue:     q,
		handler:   camera.NewQueueHandler(q, logger.With(zap.String("component", "handler"))),
	}
}

// SessionID returns the unique ID of this session
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// State returns the current acquisition state
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("State changed", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// Initialize opens and configures the device and creates the sink. On
// failure everything opened so far is closed and the recorder is Closed.
func (r *Recorder) Initialize() error {
	if s := r.State(); s != Unconfigured {
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, s)
	}

	if err := r.configure(); err != nil {
		r.logger.Error("Failed to initialize recorder", zap.Error(err))
		if closeErr := r.Close(); closeErr != nil {
			r.logger.Warn("Error closing recorder after failed initialize", zap.Error(closeErr))
		}
		return err
	}

	r.setState(Configured)
	return nil
}

func (r *Recorder) configure() error {
	session := r.cfg.Session

	if err := r.device.Open(); err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	r.mu.Lock()
	r.deviceOpened = true
	r.mu.Unlock()

	if err := r.device.SetGain(session.Gain); err != nil {
		return fmt.Errorf("failed to set gain: %w", err)
	}
	if err := r.device.SetExposureTime(session.ExposureTime); err != nil {
		return fmt.Errorf("failed to set exposure time: %w", err)
	}
	if err := r.device.SetFrameRate(session.FrameRate); err != nil {
		return fmt.Errorf("failed to set frame rate: %w", err)
	}
	line := camera.LineConfig{
		Selector:        r.cfg.Camera.LineSelector,
		Mode:            r.cfg.Camera.LineMode,
		Source:          r.cfg.Camera.LineSource,
		MinPulseWidthUs: r.cfg.Camera.LineMinPulseWidthUs,
	}
	if err := r.device.ConfigureOutputLine(line); err != nil {
		return fmt.Errorf("failed to configure output line: %w", err)
	}

	width, height, err := r.device.Geometry()
	if err != nil {
		return fmt.Errorf("failed to read frame geometry: %w", err)
	}

	sink, err := r.newSink(session.OutputPath(), session.FrameRate, width, height)
	if err != nil {
		return fmt.Errorf("failed to create video sink: %w", err)
	}

	r.mu.Lock()
	r.sink = sink
	r.width, r.height = width, height
	r.mu.Unlock()

	r.logger.Info("Recorder initialized",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Float64("frame_rate", session.FrameRate),
		zap.Float64("exposure_time_us", session.ExposureTime),
		zap.Float64("gain", session.Gain),
		zap.String("output", session.OutputPath()))
	return nil
}

// Acquire runs the session to completion: it starts the bounded grab
// sequence, writes frames as they arrive, drains the queue once grabbing has
// ended and closes the recorder. Cancelling ctx stops grabbing early; frames
// already queued are still written.
func (r *Recorder) Acquire(ctx context.Context) error {
	if s := r.State(); s != Configured {
		return fmt.Errorf("%w: acquire in state %s", ErrInvalidState, s)
	}

	numImages := r.cfg.Session.NumImages()
	r.mu.Lock()
	r.numImages = numImages
	r.mu.Unlock()

	if err := r.device.RegisterImageHandler(r.handler); err != nil {
		return multierr.Append(fmt.Errorf("failed to register image handler: %w", err), r.Close())
	}
	if err := r.device.StartGrabbing(numImages); err != nil {
		return multierr.Append(fmt.Errorf("failed to start grabbing: %w", err), r.Close())
	}

	r.mu.Lock()
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.setState(Grabbing)

	r.logger.Info("Acquisition started",
		zap.Int("num_images", numImages),
		zap.Float64("record_time_seconds", r.cfg.Session.RecordTime))

	r.grabLoop(ctx)

	r.setState(Draining)
	remaining := r.queue.Len()
	r.mu.Lock()
	r.drainedAfterGrab = remaining
	r.mu.Unlock()
	r.logger.Info("Grab sequence finished, draining queue", zap.Int("queued", remaining))

	for {
		frame, ok := r.queue.Dequeue()
		if !ok {
			break
		}
		r.writeFrame(frame)
	}

	r.mu.Lock()
	r.finishedAt = time.Now()
	r.mu.Unlock()

	stats := r.Stats()
	r.logger.Info("Acquisition complete",
		zap.Uint64("written", stats.Written),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("write_errors", stats.WriteErrors),
		zap.Int("queue_peak", stats.QueuePeak),
		zap.Float64("elapsed_seconds", stats.ElapsedSeconds))

	err := r.Close()
	if n := r.writeErrors.Load(); n > 0 {
		err = multierr.Append(err, fmt.Errorf("%d frames could not be written", n))
	}
	return err
}

// grabLoop writes frames while the device is grabbing. It returns once the
// grab sequence has ended or ctx has been cancelled and grabbing stopped.
func (r *Recorder) grabLoop(ctx context.Context) {
	poll := time.Duration(r.cfg.Timeouts.PollIntervalUs) * time.Microsecond
	if poll <= 0 {
		poll = 500 * time.Microsecond
	}
	statsInterval := time.Duration(r.cfg.Logging.StatsLogInterval) * time.Second
	highWater := r.cfg.Limits.QueueHighWaterMark

	lastStats := time.Now()
	aboveHighWater := false

	for r.device.IsGrabbing() {
		if ctx.Err() != nil {
			r.logger.Info("Acquisition cancelled, stopping grab", zap.Error(ctx.Err()))
			if err := r.device.StopGrabbing(); err != nil {
				r.logger.Warn("Error stopping grab", zap.Error(err))
			}
			return
		}

		if highWater > 0 {
			depth := r.queue.Len()
			if depth > highWater && !aboveHighWater {
				aboveHighWater = true
				r.logger.Warn("Frame queue above high-water mark, sink is falling behind",
					zap.Int("depth", depth),
					zap.Int("high_water_mark", highWater))
			} else if depth < highWater/2 {
				aboveHighWater = false
			}
		}

		if statsInterval > 0 && time.Since(lastStats) >= statsInterval {
			lastStats = time.Now()
			r.logStats()
		}

		if frame, ok := r.queue.Dequeue(); ok {
			r.writeFrame(frame)
			continue
		}
		time.Sleep(poll)
	}
}

func (r *Recorder) writeFrame(frame *camera.Frame) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()

	if err := sink.Write(frame); err != nil {
		if n := r.writeErrors.Add(1); n == 1 {
			r.logger.Error("Failed to write frame", zap.Uint64("sequence", frame.Sequence), zap.Error(err))
		} else {
			r.logger.Debug("Failed to write frame", zap.Uint64("sequence", frame.Sequence), zap.Error(err))
		}
		return
	}

	written := r.written.Add(1)
	if interval := r.cfg.Logging.FrameLogInterval; interval > 0 && written%uint64(interval) == 0 {
		r.logger.Info("Frames written",
			zap.Uint64("written", written),
			zap.Int("queued", r.queue.Len()))
	}
}

func (r *Recorder) logStats() {
	stats := r.Stats()
	r.logger.Info("Acquisition progress",
		zap.Uint64("grabbed", stats.Grabbed),
		zap.Uint64("written", stats.Written),
		zap.Uint64("failed", stats.Failed),
		zap.Int("queued", stats.QueueDepth),
		zap.Int("num_images", stats.NumImages))
}

// Close stops grabbing, closes the device and releases the sink. It may be
// called in any state; only the first call does any work.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.teardown()
	})
	return r.closeErr
}

func (r *Recorder) teardown() error {
	r.mu.Lock()
	opened, sink := r.deviceOpened, r.sink
	r.mu.Unlock()

	var err error
	if opened {
		if stopErr := r.device.StopGrabbing(); stopErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to stop grabbing: %w", stopErr))
		}
		if deregErr := r.device.DeregisterImageHandler(r.handler); deregErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to deregister image handler: %w", deregErr))
		}
		if closeErr := r.device.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close camera: %w", closeErr))
		}
	}

	if n := r.queue.Len(); n > 0 {
		r.logger.Warn("Discarding queued frames", zap.Int("frames", n))
	}
	r.queue.Clear()

	if sink != nil {
		if releaseErr := sink.Release(); releaseErr != nil {
			r.logger.Warn("Video sink did not finish cleanly", zap.Error(releaseErr))
			err = multierr.Append(err, fmt.Errorf("failed to release video sink: %w", releaseErr))
		}
	}

	r.setState(Closed)
	r.logger.Info("Recorder closed")
	return err
}

// Stats returns a snapshot of the session counters
func (r *Recorder) Stats() Stats {
	hs := r.handler.Stats()

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		SessionID:        r.sessionID,
		State:            r.state.String(),
		NumImages:        r.numImages,
		Grabbed:          hs.Grabbed,
		Failed:           hs.Failed,
		Rejected:         hs.Rejected,
		Written:          r.written.Load(),
		WriteErrors:      r.writeErrors.Load(),
		QueueDepth:       r.queue.Len(),
		QueuePeak:        r.queue.Peak(),
		DrainedAfterGrab: r.drainedAfterGrab,
		StartedAt:        r.startedAt,
		FinishedAt:       r.finishedAt,
	}
	switch {
	case r.startedAt.IsZero():
	case r.finishedAt.IsZero():
		stats.ElapsedSeconds = time.Since(r.startedAt).Seconds()
	default:
		stats.ElapsedSeconds = r.finishedAt.Sub(r.startedAt).Seconds()
	}
	return stats
}

// Status returns the session description served by the monitor
func (r *Recorder) Status() Status {
	stats := r.Stats()

	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Output:  r.cfg.Session.OutputPath(),
		Width:   r.width,
		Height:  r.height,
		Session: r.cfg.Session,
		Stats:   stats,
	}
}
