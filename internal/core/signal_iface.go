package core

import "errors"

// Frame is one encoded control envelope.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts the control transport of one client.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: it returns ErrBackpressure when the outbound queue is full
// and ErrConnClosed once the connection is gone.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
