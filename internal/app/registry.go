package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

// Undelivered is one recipient a push could not reach.
type Undelivered struct {
	Session *core.ClientSession
	Err     error
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []Undelivered
}

// Registry owns every ClientSession. The map lock is held only for map
// access and snapshot copies; pushes happen after it is released.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ClientID]*core.ClientSession
	departed map[domain.ClientID]time.Time

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ClientID]*core.ClientSession),
		departed: make(map[domain.ClientID]time.Time),
		now:      time.Now,
	}
}

// Register creates an online session under a fresh id and announces it to
// every other client.
func (r *Registry) Register(name string, signal core.SignalConnection) (*core.ClientSession, error) {
	name, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	sess := core.NewClientSession(domain.NewClientID(), name, signal, r.now())

	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("client_id", string(sess.ID())).Str("name", name).Msg("registered")
	r.publishPresence(sess, protocol.PresenceJoined)
	return sess, nil
}

// Unregister removes the session and announces the departure. It reports
// false when id was not registered, so repeated disconnects are harmless.
// Terminating the client's calls is the caller's job and comes right after,
// so no new call can be placed against a half-gone client.
func (r *Registry) Unregister(id domain.ClientID) (*core.ClientSession, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.departed[id] = r.now()
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	sess.SetStatus(domain.StatusOffline)
	log.Info().Str("module", "app.registry").Str("client_id", string(id)).Msg("unregistered")
	r.publishPresence(sess, protocol.PresenceLeft)
	return sess, true
}

func (r *Registry) Get(id domain.ClientID) (*core.ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Departed reports whether id belonged to a client that has since left.
func (r *Registry) Departed(id domain.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.departed[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a point-in-time snapshot ordered by registration time.
func (r *Registry) List() []domain.Client {
	sessions := r.snapshot()
	out := make([]domain.Client, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Touch refreshes the liveness clock of id.
func (r *Registry) Touch(id domain.ClientID) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	sess.Touch(r.now())
	return true
}

// SetStatus updates the status of id and publishes the change to everyone else.
func (r *Registry) SetStatus(id domain.ClientID, status domain.ClientStatus) bool {
	sess, ok := r.Get(id)
	if !ok {
		return false
	}
	if sess.SetStatus(status) {
		log.Debug().Str("module", "app.registry").Str("client_id", string(id)).Str("status", string(status)).Msg("status changed")
		r.publishPresence(sess, protocol.PresenceStatus)
	}
	return true
}

// Sweep marks every client silent for longer than timeout as offline and
// returns their ids for eviction. Departed ids older than retain are forgotten.
func (r *Registry) Sweep(timeout, retain time.Duration) []domain.ClientID {
	now := r.now()
	var stale []domain.ClientID
	for _, s := range r.snapshot() {
		if now.Sub(s.LastActivity()) > timeout {
			s.SetStatus(domain.StatusOffline)
			stale = append(stale, s.ID())
		}
	}

	r.mu.Lock()
	for id, at := range r.departed {
		if now.Sub(at) > retain {
			delete(r.departed, id)
		}
	}
	r.mu.Unlock()
	return stale
}

// StartJanitor runs Sweep every interval until ctx is done, handing stale ids to evict.
func (r *Registry) StartJanitor(ctx context.Context, interval, timeout time.Duration, evict func(domain.ClientID)) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	retain := 10 * timeout
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range r.Sweep(timeout, retain) {
					log.Info().Str("module", "app.registry").Str("client_id", string(id)).Msg("evicting inactive client")
					evict(id)
				}
			}
		}
	}()
}

// Publish sends env to every session except `except` that passes filter
// (nil filter = everyone). A failed push never stops delivery to the rest.
func (r *Registry) Publish(except domain.ClientID, env protocol.Envelope, filter func(*core.ClientSession) bool) PublishResult {
	res := PublishResult{}
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("type", env.Type).Msg("publish encode")
		return res
	}
	for _, s := range r.snapshot() {
		if s.ID() == except {
			continue
		}
		if filter != nil && !filter(s) {
			continue
		}
		if err := s.Signal().TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, Undelivered{Session: s, Err: err})
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.registry").Str("type", env.Type).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("publish result")
	return res
}

// Send pushes env to a single session.
func (r *Registry) Send(sess *core.ClientSession, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return sess.Signal().TrySend(frame)
}

func (r *Registry) publishPresence(sess *core.ClientSession, event string) {
	snap := sess.Snapshot()
	r.Publish(sess.ID(), protocol.Envelope{
		Type:   protocol.TypePresence,
		Event:  event,
		Client: &snap,
	}, nil)
}

func (r *Registry) snapshot() []*core.ClientSession {
	r.mu.RLock()
	out := make([]*core.ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *core.ClientSession) int {
		if c := a.RegisteredAt().Compare(b.RegisteredAt()); c != 0 {
			return c
		}
		if a.ID() < b.ID() {
			return -1
		}
		if a.ID() > b.ID() {
			return 1
		}
		return 0
	})
	return out
}
