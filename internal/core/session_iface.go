package core

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicerelay/internal/domain"
)

// ClientSession binds a registered client's identity to its control transport,
// its learned media endpoint and its liveness clock.
// Identity fields are immutable; status is guarded by mu; the media endpoint and
// the activity clock are atomics so the media path never takes a lock.
type ClientSession struct {
	id           domain.ClientID
	name         string
	signal       SignalConnection
	registeredAt time.Time

	mu     sync.RWMutex
	status domain.ClientStatus

	lastActivity atomic.Int64
	media        atomic.Pointer[netip.AddrPort]
}

func NewClientSession(id domain.ClientID, name string, signal SignalConnection, now time.Time) *ClientSession {
	s := &ClientSession{
		id:           id,
		name:         name,
		signal:       signal,
		registeredAt: now,
		status:       domain.StatusOnline,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *ClientSession) ID() domain.ClientID      { return s.id }
func (s *ClientSession) Name() string             { return s.name }
func (s *ClientSession) Signal() SignalConnection { return s.signal }
func (s *ClientSession) RegisteredAt() time.Time  { return s.registeredAt }

func (s *ClientSession) Status() domain.ClientStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus stores status and reports whether it changed.
func (s *ClientSession) SetStatus(status domain.ClientStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == status {
		return false
	}
	s.status = status
	return true
}

func (s *ClientSession) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *ClientSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SetMediaEndpoint records the address media from this client was last observed from.
func (s *ClientSession) SetMediaEndpoint(ap netip.AddrPort) {
	cur := s.media.Load()
	if cur != nil && *cur == ap {
		return
	}
	s.media.Store(&ap)
}

// MediaEndpoint returns the learned media address; false until the first frame arrives.
func (s *ClientSession) MediaEndpoint() (netip.AddrPort, bool) {
	ap := s.media.Load()
	if ap == nil {
		return netip.AddrPort{}, false
	}
	return *ap, true
}

// Snapshot returns a read-only view for APIs.
func (s *ClientSession) Snapshot() domain.Client {
	c := domain.Client{
		ID:           s.id,
		Name:         s.name,
		Status:       s.Status(),
		RegisteredAt: s.registeredAt,
		LastActivity: s.LastActivity(),
	}
	if ap, ok := s.MediaEndpoint(); ok {
		c.MediaEndpoint = ap.String()
	}
	return c
}
