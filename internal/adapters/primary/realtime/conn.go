package realtime

import (
	"errors"
	"sync"
)

var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow client's queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrHubClosed is returned when registering after Shutdown.
	ErrHubClosed = errors.New("hub is shut down")
)

// CloseCause records why a connection was closed. Transports that can tell
// the peer (WebSocket close codes) pick their code from it.
type CloseCause int

const (
	// CauseGone means the transport itself ended: the peer left or the
	// request finished.
	CauseGone CloseCause = iota
	// CauseShutdown means the server is going away.
	CauseShutdown
	// CauseInactive means no inbound traffic arrived within the timeout.
	CauseInactive
	// CauseEvicted means a write failed or the send buffer was full.
	CauseEvicted
)

func (c CloseCause) String() string {
	switch c {
	case CauseShutdown:
		return "shutdown"
	case CauseInactive:
		return "inactive"
	case CauseEvicted:
		return "evicted"
	default:
		return "gone"
	}
}

// Conn is the transport handle the Hub writes frames to. Send must not
// block: transports queue frames and drain them on their own goroutine.
type Conn interface {
	Send(frame []byte) error
	IsOpen() bool
	CloseWith(cause CloseCause) error
}

// Queue is a bounded, non-blocking outbound frame queue shared by the SSE
// and WebSocket transports. The consumer drains Frames until Done closes.
type Queue struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cause     CloseCause
}

// NewQueue creates a queue holding at most size frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

// Send enqueues frame or fails immediately.
func (q *Queue) Send(frame []byte) error {
	select {
	case <-q.done:
		return ErrConnClosed
	default:
	}

	select {
	case q.frames <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// IsOpen reports whether Close has not been called yet.
func (q *Queue) IsOpen() bool {
	select {
	case <-q.done:
		return false
	default:
		return true
	}
}

// Close marks the queue closed by its own transport. It is safe to call
// repeatedly.
func (q *Queue) Close() error {
	return q.CloseWith(CauseGone)
}

// CloseWith marks the queue closed for cause. The first call wins.
func (q *Queue) CloseWith(cause CloseCause) error {
	q.closeOnce.Do(func() {
		q.cause = cause
		close(q.done)
	})
	return nil
}

// Cause reports why the queue was closed. It is only meaningful once Done
// is closed.
func (q *Queue) Cause() CloseCause {
	select {
	case <-q.done:
		return q.cause
	default:
		return CauseGone
	}
}

// Frames is the channel the transport writer drains.
func (q *Queue) Frames() <-chan []byte { return q.frames }

// Done is closed once the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

var _ Conn = (*Queue)(nil)
