package camera

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// FrameEnqueuer is the only capability QueueHandler needs from the queue.
// Enqueue must not block.
type FrameEnqueuer interface {
	Enqueue(frame *Frame)
}

// HandlerStats counts the grab events seen by a QueueHandler
type HandlerStats struct {
	Grabbed  uint64 `json:"grabbed"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// QueueHandler turns grab events into queue entries. It runs on the device's
// grab goroutine: every failure is logged here and nothing is returned or
// re-panicked to the caller.
type QueueHandler struct {
	queue  FrameEnqueuer
	logger *zap.Logger

	grabbed  atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// NewQueueHandler creates a handler feeding q
func NewQueueHandler(q FrameEnqueuer, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  q,
		logger: logger,
	}
}

// OnImageGrabbed enqueues a copy of a successful grab and logs a failed one
func (h *QueueHandler) OnImageGrabbed(result GrabResult) {
	defer func() {
		if r := recover(); r != nil {
			h.rejected.Add(1)
			h.logger.Error("Recovered from panic while handling grab result",
				zap.Uint64("image_number", result.ImageNumber),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()

	if !result.Succeeded {
		h.failed.Add(1)
		h.logger.Warn("Grab failed",
			zap.Uint64("image_number", result.ImageNumber),
			zap.Int("error_code", result.ErrorCode),
			zap.String("error", result.ErrorDescription))
		return
	}

	frame, err := NewFrame(result.Buffer, result.Width, result.Height, result.ImageNumber, result.Timestamp)
	if err != nil {
		h.rejected.Add(1)
		h.logger.Error("Dropping grab result with unusable buffer",
			zap.Uint64("image_number", result.ImageNumber),
			zap.Error(err))
		return
	}

	h.queue.Enqueue(frame)
	h.grabbed.Add(1)
}

// Stats returns the event counters
func (h *QueueHandler) Stats() HandlerStats {
	return HandlerStats{
		Grabbed:  h.grabbed.Load(),
		Failed:   h.failed.Load(),
		Rejected: h.rejected.Load(),
	}
}
