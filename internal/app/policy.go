package app

import (
	"errors"

	"github.com/dkeye/voicerelay/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a client whose push could not be queued.
type Policy interface {
	OnBackPressure(session *core.ClientSession, err error) BackpressureAction
}

// SimplePolicy disconnects clients that stopped draining their queue.
// Connections that are already closed are left to their own read loop.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *core.ClientSession, err error) BackpressureAction {
	if errors.Is(err, core.ErrBackpressure) {
		return KickMember
	}
	return NoAction
}
