package app

import (
	"sync"

	"github.com/dkeye/voicerelay/internal/domain"
)

// CallHistory keeps the most recent terminal calls, read-only, for the
// lifetime of the process. When full, the oldest call is overwritten.
type CallHistory struct {
	mu    sync.RWMutex
	buf   []domain.Call
	head  int
	count int
}

func NewCallHistory(capacity int) *CallHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &CallHistory{buf: make([]domain.Call, capacity)}
}

func (h *CallHistory) Push(c domain.Call) {
	h.mu.Lock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = c
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
	h.mu.Unlock()
}

// Snapshot returns the archived calls oldest first.
func (h *CallHistory) Snapshot() []domain.Call {
	h.mu.RLock()
	out := make([]domain.Call, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	h.mu.RUnlock()
	return out
}

func (h *CallHistory) Find(id domain.CallID) (domain.Call, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := h.count - 1; i >= 0; i-- {
		c := h.buf[(h.head+i)%len(h.buf)]
		if c.ID == id {
			return c, true
		}
	}
	return domain.Call{}, false
}

func (h *CallHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
