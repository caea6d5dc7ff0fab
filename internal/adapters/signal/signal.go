package signal

import (
	"net"
	"sync"
	"time"

	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/core"
)

const (
	DefaultReadLimit = 1 << 20
	DefaultSendQueue = 64

	DefaultRegisterTimeout = 30 * time.Second
)

// Controller serves the control channel over any transport that can carry
// whole envelopes: length-prefixed TCP or WebSocket text messages.
type Controller struct {
	Orch    *orch.Orchestrator
	limiter *RateLimiter

	readLimit       int
	sendQueue       int
	registerTimeout time.Duration
}

type Option func(*Controller)

func WithReadLimit(n int) Option {
	return func(ctl *Controller) {
		if n > 0 {
			ctl.readLimit = n
		}
	}
}

func WithSendQueue(n int) Option {
	return func(ctl *Controller) {
		if n > 0 {
			ctl.sendQueue = n
		}
	}
}

// WithRegisterTimeout bounds how long a connection may stay open without
// registering. Zero disables the bound.
func WithRegisterTimeout(d time.Duration) Option {
	return func(ctl *Controller) {
		if d >= 0 {
			ctl.registerTimeout = d
		}
	}
}

func WithRateLimiter(l *RateLimiter) Option {
	return func(ctl *Controller) { ctl.limiter = l }
}

func NewController(o *orch.Orchestrator, opts ...Option) *Controller {
	ctl := &Controller{
		Orch:      o,
		readLimit:       DefaultReadLimit,
		sendQueue:       DefaultSendQueue,
		registerTimeout: DefaultRegisterTimeout,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// wire moves whole envelopes over one transport connection.
type wire interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	SetReadDeadline(time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// signalConn is the core.SignalConnection of one control connection. Close
// only stops the queue: writePump flushes what is queued, then closes the wire.
type signalConn struct {
	wire wire
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newSignalConn(w wire, queue int) *signalConn {
	return &signalConn{
		wire: w,
		send: make(chan core.Frame, queue),
	}
}

func (c *signalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *signalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
