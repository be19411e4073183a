package camera

import (
	"fmt"
	"time"
)

// Frame is a single 8-bit grayscale image. Data holds exactly Width*Height
// samples, row-major, and must not be modified once the frame is queued.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Sequence  uint64
	Timestamp time.Time
}

// NewFrame copies buf into a new frame after checking it matches the
// geometry
func NewFrame(buf []byte, width, height int, sequence uint64, ts time.Time) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	if len(buf) != width*height {
		return nil, fmt.Errorf("%w: got %d bytes for %dx%d", ErrInvalidGeometry, len(buf), width, height)
	}

	data := make([]byte, len(buf))
	copy(data, buf)

	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Sequence:  sequence,
		Timestamp: ts,
	}, nil
}

// Size returns the number of bytes in the frame
func (f *Frame) Size() int {
	return len(f.Data)
}
