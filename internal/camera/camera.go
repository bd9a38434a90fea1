// Package camera abstracts the device frame source. The driver contract is
// open -> handle, read-frame -> frame | io.EOF, close; open and read failures
// surface as HardwareError.
package camera

import (
	"context"
	"time"
)

// Frame is one captured image. Data is an encoded JPEG. Data must not be
// modified after the frame is offered to the pipeline.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Seq        uint64
	SessionID  string
	CapturedAt time.Time
}

// Handle is an open frame source. ReadFrame blocks until the next frame is
// available, the stream ends (io.EOF) or the context is cancelled.
type Handle interface {
	ReadFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// Camera acquires a Handle. Open may fail with a HardwareError, which aborts
// the session start that requested it.
type Camera interface {
	Open(ctx context.Context) (Handle, error)
}
