package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

// MediaRoutes is the call->endpoint index consulted by the media relay.
// Install and Remove must be visible to the relay before they return.
type MediaRoutes interface {
	Install(id domain.CallID, caller, callee *core.ClientSession)
	Remove(id domain.CallID)
}

type callEntry struct {
	mu    sync.Mutex
	call  domain.Call
	timer *time.Timer

	// announced is set once the callee was told about the call; the ring
	// timer starts then. Until then an ending is reported only through the
	// request's own error.
	announced bool
}

func (e *callEntry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// verdict picks the target of a command issued by `by`; ok=false rejects it.
type verdict func(c domain.Call, by domain.ClientID) (to domain.CallState, reason domain.EndReason, ok bool)

// CallManager is the call state machine. Every transition of a call runs under
// that call's own lock, so a ring timeout racing an accept has exactly one
// winner. The manager lock only guards the call table and the engagement index.
type CallManager struct {
	reg         *Registry
	routes      MediaRoutes
	history     *CallHistory
	ringTimeout time.Duration

	mu      sync.Mutex
	calls   map[domain.CallID]*callEntry
	engaged map[domain.ClientID]domain.CallID

	now          func() time.Time
	onTransition func(domain.Call)
}

type CallOption func(*CallManager)

func WithMediaRoutes(routes MediaRoutes) CallOption {
	return func(m *CallManager) { m.routes = routes }
}

func WithCallHistory(h *CallHistory) CallOption {
	return func(m *CallManager) { m.history = h }
}

// WithTransitionHook registers fn to observe every successful transition.
func WithTransitionHook(fn func(domain.Call)) CallOption {
	return func(m *CallManager) { m.onTransition = fn }
}

func NewCallManager(reg *Registry, ringTimeout time.Duration, opts ...CallOption) *CallManager {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	m := &CallManager{
		reg:         reg,
		ringTimeout: ringTimeout,
		calls:       make(map[domain.CallID]*callEntry),
		engaged:     make(map[domain.ClientID]domain.CallID),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.history == nil {
		m.history = NewCallHistory(256)
	}
	return m
}

// Request starts ringing calleeID on behalf of callerID.
func (m *CallManager) Request(callerID, calleeID domain.ClientID) (domain.Call, error) {
	caller, ok := m.reg.Get(callerID)
	if !ok {
		return domain.Call{}, domain.ErrNotRegistered
	}
	if callerID == calleeID {
		return domain.Call{}, domain.ErrSelfCall
	}
	callee, ok := m.reg.Get(calleeID)
	if !ok {
		if m.reg.Departed(calleeID) {
			return domain.Call{}, domain.ErrCalleeOffline
		}
		return domain.Call{}, domain.ErrCalleeNotFound
	}
	if callee.Status() == domain.StatusOffline {
		return domain.Call{}, domain.ErrCalleeOffline
	}

	e := &callEntry{call: domain.Call{
		ID:        domain.NewCallID(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     domain.CallRinging,
		CreatedAt: m.now(),
	}}
	id := e.call.ID

	e.mu.Lock()
	m.mu.Lock()
	if _, busy := m.engaged[callerID]; busy {
		m.mu.Unlock()
		e.mu.Unlock()
		return domain.Call{}, domain.ErrCallerBusy
	}
	if _, busy := m.engaged[calleeID]; busy {
		m.mu.Unlock()
		e.mu.Unlock()
		return domain.Call{}, domain.ErrCalleeBusy
	}
	m.calls[id] = e
	m.engaged[callerID] = id
	m.engaged[calleeID] = id
	m.mu.Unlock()

	m.reg.SetStatus(callerID, domain.StatusRingingOut)
	m.reg.SetStatus(calleeID, domain.StatusRingingIn)
	m.observe(e.call)
	e.mu.Unlock()

	log.Info().Str("module", "app.calls").Str("call_id", string(id)).Str("caller_id", string(callerID)).Str("callee_id", string(calleeID)).Msg("ringing")

	// A party that disconnected while the call was being created is
	// already unregistered; its disconnect may have missed this call.
	for _, party := range []domain.ClientID{callerID, calleeID} {
		if _, ok := m.reg.Get(party); !ok {
			m.step(id, party, failVerdict)
			return domain.Call{}, requestError(callerID, party)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.State != domain.CallRinging {
		// ended before anyone heard of it
		if e.call.EndReason == domain.ReasonPeerLost {
			return domain.Call{}, requestError(callerID, e.call.EndedBy)
		}
		return domain.Call{}, domain.ErrInvalidCallState
	}
	e.announced = true
	e.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(id) })
	m.notify(e.call, calleeID, protocol.TypeCallState, caller.Name())
	return e.call, nil
}

func requestError(callerID, gone domain.ClientID) error {
	if gone == callerID {
		return domain.ErrNotRegistered
	}
	return domain.ErrCalleeOffline
}

func failVerdict(c domain.Call, by domain.ClientID) (domain.CallState, domain.EndReason, bool) {
	return domain.CallFailed, domain.ReasonPeerLost, !c.State.Terminal() && c.Involves(by)
}

// Accept moves a ringing call to active. Only the callee may accept.
func (m *CallManager) Accept(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	call, err := m.transition(id, by, func(c domain.Call, by domain.ClientID) (domain.CallState, domain.EndReason, bool) {
		return domain.CallActive, domain.ReasonNone, c.State == domain.CallRinging && by == c.CalleeID
	})
	if err != nil {
		return call, err
	}
	m.notifyPeer(call, by, protocol.TypeCallState)
	return call, nil
}

// Reject declines a ringing call. Only the callee may reject.
func (m *CallManager) Reject(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	call, err := m.transition(id, by, func(c domain.Call, by domain.ClientID) (domain.CallState, domain.EndReason, bool) {
		return domain.CallRejected, domain.ReasonRejected, c.State == domain.CallRinging && by == c.CalleeID
	})
	if err != nil {
		return call, err
	}
	m.notifyPeer(call, by, protocol.TypeCallState)
	return call, nil
}

// Cancel withdraws a ringing call. Only the caller may cancel.
func (m *CallManager) Cancel(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	call, err := m.transition(id, by, func(c domain.Call, by domain.ClientID) (domain.CallState, domain.EndReason, bool) {
		return domain.CallCancelled, domain.ReasonCancelled, c.State == domain.CallRinging && by == c.CallerID
	})
	if err != nil {
		return call, err
	}
	m.notifyPeer(call, by, protocol.TypeCallState)
	return call, nil
}

// Hangup ends an active call from either side. On a ringing call it acts as
// cancel for the caller and reject for the callee.
func (m *CallManager) Hangup(id domain.CallID, by domain.ClientID) (domain.Call, error) {
	call, err := m.transition(id, by, func(c domain.Call, by domain.ClientID) (domain.CallState, domain.EndReason, bool) {
		switch {
		case c.State == domain.CallActive && c.Involves(by):
			return domain.CallEnded, domain.ReasonHangup, true
		case c.State == domain.CallRinging && by == c.CallerID:
			return domain.CallCancelled, domain.ReasonCancelled, true
		case c.State == domain.CallRinging && by == c.CalleeID:
			return domain.CallRejected, domain.ReasonRejected, true
		}
		return "", domain.ReasonNone, false
	})
	if err != nil {
		return call, err
	}
	m.notifyPeer(call, by, protocol.TypeCallState)
	return call, nil
}

// Fail force-terminates the ringing or active call of a client whose
// connection vanished, and tells the surviving party its peer was lost.
func (m *CallManager) Fail(clientID domain.ClientID) (domain.Call, bool) {
	m.mu.Lock()
	id, ok := m.engaged[clientID]
	m.mu.Unlock()
	if !ok {
		return domain.Call{}, false
	}
	call, announced, err := m.step(id, clientID, failVerdict)
	if err != nil {
		return call, false
	}
	if announced {
		m.notifyPeer(call, clientID, protocol.TypePeerLost)
	}
	return call, true
}

func (m *CallManager) expire(id domain.CallID) {
	call, err := m.transition(id, "", func(c domain.Call, _ domain.ClientID) (domain.CallState, domain.EndReason, bool) {
		return domain.CallTimedOut, domain.ReasonRingTimeout, c.State == domain.CallRinging
	})
	if err != nil {
		return
	}
	log.Info().Str("module", "app.calls").Str("call_id", string(id)).Msg("ring timeout")
	m.notify(call, call.CallerID, protocol.TypeCallState, m.nameOf(call.CalleeID))
	m.notify(call, call.CalleeID, protocol.TypeCallState, m.nameOf(call.CallerID))
}

func (m *CallManager) transition(id domain.CallID, by domain.ClientID, decide verdict) (domain.Call, error) {
	call, _, err := m.step(id, by, decide)
	return call, err
}

// step applies one transition and reports whether the callee had been told
// about the call before it.
func (m *CallManager) step(id domain.CallID, by domain.ClientID, decide verdict) (domain.Call, bool, error) {
	m.mu.Lock()
	e, ok := m.calls[id]
	m.mu.Unlock()
	if !ok {
		if c, archived := m.history.Find(id); archived {
			return c, true, domain.ErrInvalidCallState
		}
		return domain.Call{}, false, domain.ErrCallNotFound
	}

	e.mu.Lock()
	to, reason, allowed := decide(e.call, by)
	if !allowed || !e.call.State.CanTransition(to) {
		call, announced := e.call, e.announced
		e.mu.Unlock()
		return call, announced, domain.ErrInvalidCallState
	}

	from := e.call.State
	now := m.now()
	e.call.State = to
	e.stopTimer()
	if to == domain.CallActive {
		e.call.AnsweredAt = now
		m.reg.SetStatus(e.call.CallerID, domain.StatusInCall)
		m.reg.SetStatus(e.call.CalleeID, domain.StatusInCall)
		if m.routes != nil {
			caller, _ := m.reg.Get(e.call.CallerID)
			callee, _ := m.reg.Get(e.call.CalleeID)
			m.routes.Install(id, caller, callee)
		}
	} else {
		e.call.EndedAt = now
		e.call.EndReason = reason
		e.call.EndedBy = by
		// statuses are restored before the engagement is released so a new
		// call on either party can not be overwritten by this one
		m.reg.SetStatus(e.call.CallerID, domain.StatusOnline)
		m.reg.SetStatus(e.call.CalleeID, domain.StatusOnline)
		if from == domain.CallActive && m.routes != nil {
			m.routes.Remove(id)
		}
		m.release(e.call)
	}
	m.observe(e.call)
	call, announced := e.call, e.announced
	e.mu.Unlock()

	log.Info().
		Str("module", "app.calls").
		Str("call_id", string(id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("by", string(by)).
		Msg("call transition")
	return call, announced, nil
}

func (m *CallManager) release(c domain.Call) {
	m.mu.Lock()
	delete(m.calls, c.ID)
	for _, party := range []domain.ClientID{c.CallerID, c.CalleeID} {
		if m.engaged[party] == c.ID {
			delete(m.engaged, party)
		}
	}
	m.mu.Unlock()
	m.history.Push(c)
}

func (m *CallManager) observe(c domain.Call) {
	if m.onTransition != nil {
		m.onTransition(c)
	}
}

func (m *CallManager) nameOf(id domain.ClientID) string {
	if sess, ok := m.reg.Get(id); ok {
		return sess.Name()
	}
	return ""
}

func (m *CallManager) notifyPeer(c domain.Call, by domain.ClientID, typ string) {
	peer, ok := c.Peer(by)
	if !ok {
		return
	}
	m.notify(c, peer, typ, m.nameOf(by))
}

func (m *CallManager) notify(c domain.Call, to domain.ClientID, typ, peerName string) {
	sess, ok := m.reg.Get(to)
	if !ok {
		return
	}
	env := protocol.CallEnvelope(typ, c)
	env.PeerName = peerName
	if err := m.reg.Send(sess, env); err != nil {
		log.Warn().Err(err).Str("module", "app.calls").Str("call_id", string(c.ID)).Str("client_id", string(to)).Msg("call notify failed")
	}
}

// Get returns a live call, or an archived one once it has ended.
func (m *CallManager) Get(id domain.CallID) (domain.Call, bool) {
	m.mu.Lock()
	e, ok := m.calls[id]
	m.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.call, true
	}
	return m.history.Find(id)
}

// CallOf returns the ringing or active call of a client.
func (m *CallManager) CallOf(id domain.ClientID) (domain.Call, bool) {
	m.mu.Lock()
	callID, ok := m.engaged[id]
	m.mu.Unlock()
	if !ok {
		return domain.Call{}, false
	}
	return m.Get(callID)
}

// Live returns a snapshot of every ringing or active call.
func (m *CallManager) Live() []domain.Call {
	m.mu.Lock()
	entries := make([]*callEntry, 0, len(m.calls))
	for _, e := range m.calls {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]domain.Call, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.call.State.Terminal() {
			out = append(out, e.call)
		}
		e.mu.Unlock()
	}
	return out
}

func (m *CallManager) History() []domain.Call {
	return m.history.Snapshot()
}
