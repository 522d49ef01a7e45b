package handlers

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/alarm"
	"github.com/gin-contrib/sse"
	"github.com/pkg/errors"
)

var errStreamClosed = errors.New("stream closed")

// sseConnection writes alarm frames as server-sent events. Writes are
// serialized and each one is bounded by writeTimeout. Close never waits for
// a write in progress; Wait does.
type sseConnection struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	flusher      http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newSSEConnection(w http.ResponseWriter, writeTimeout time.Duration) (*sseConnection, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseConnection{
		w:            w,
		flusher:      flusher,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}, true
}

func (c *sseConnection) Send(frame alarm.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errStreamClosed
	}

	if err := c.setWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	defer c.setWriteDeadline(time.Time{})

	err := sse.Encode(c.w, sse.Event{
		Id:    frame.ID,
		Event: frame.Event,
		Data:  frame.Data,
	})
	if err != nil {
		return errors.Wrap(err, "write event")
	}
	c.flusher.Flush()
	return nil
}

// setWriteDeadline ignores writers without deadline support, such as test
// recorders.
func (c *sseConnection) setWriteDeadline(deadline time.Time) error {
	if c.writeTimeout <= 0 {
		return nil
	}
	if err := c.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return errors.Wrap(err, "set write deadline")
	}
	return nil
}

func (c *sseConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Done is closed once the connection has been closed, typically by the
// registry after a failed push.
func (c *sseConnection) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until a write in progress has returned. After Close and Wait
// the response writer is no longer touched.
func (c *sseConnection) Wait() {
	c.mu.Lock()
	c.mu.Unlock()
}
