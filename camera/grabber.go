package camera

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// grabFunc produces grab event n (0-based). It returns false once the source
// has nothing more to deliver.
type grabFunc func(ctx context.Context, n int) (GrabResult, bool)

// grabber runs a bounded grab sequence on its own goroutine and delivers each
// event to the registered handler. Both device implementations embed it.
type grabber struct {
	logger *zap.Logger

	mu      sync.Mutex
	handler ImageHandler
	cancel  context.CancelFunc
	done    chan struct{}

	grabbing    atomic.Bool
	delivered   atomic.Uint64
	stopTimeout time.Duration
}

func (g *grabber) register(h ImageHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *grabber) deregister(h ImageHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sameHandler(g.handler, h) {
		g.handler = nil
	}
}

// sameHandler compares handlers by identity. Function handlers are not
// comparable, so they only match by type.
func sameHandler(a, b ImageHandler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

func (g *grabber) currentHandler() ImageHandler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler
}

// start launches the grab goroutine. onExit runs on that goroutine after the
// last delivery and before IsGrabbing turns false.
func (g *grabber) start(maxImages int, next grabFunc, onExit func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.grabbing.Load() {
		return ErrAlreadyGrabbing
	}
	if g.handler == nil {
		return ErrNoHandler
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	g.delivered.Store(0)
	g.grabbing.Store(true)

	go g.loop(ctx, maxImages, next, onExit, done)
	return nil
}

func (g *grabber) loop(ctx context.Context, maxImages int, next grabFunc, onExit func(), done chan struct{}) {
	defer close(done)
	defer g.grabbing.Store(false)
	if onExit != nil {
		defer onExit()
	}

	g.logger.Debug("Grab loop started", zap.Int("max_images", maxImages))

	for n := 0; n < maxImages; n++ {
		if ctx.Err() != nil {
			break
		}
		result, more := next(ctx, n)
		if !more {
			break
		}
		g.deliver(result)
	}

	g.logger.Debug("Grab loop finished", zap.Uint64("delivered", g.delivered.Load()))
}

// deliver hands one event to the handler. A panicking handler is logged and
// the grab loop keeps going.
func (g *grabber) deliver(result GrabResult) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Image handler panicked",
				zap.Any("panic", r),
				zap.Uint64("image_number", result.ImageNumber))
		}
	}()

	g.delivered.Add(1)
	if h := g.currentHandler(); h != nil {
		h.OnImageGrabbed(result)
	}
}

func (g *grabber) isGrabbing() bool {
	return g.grabbing.Load()
}

// signalStop cancels the grab goroutine without waiting
func (g *grabber) signalStop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// stop cancels the grab goroutine and waits for it to exit
func (g *grabber) stop() error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timeout := g.stopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("grab loop did not exit within %s", timeout)
	}
}
