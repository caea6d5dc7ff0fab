package media

import (
	"maps"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
)

// route pairs the two sessions of an active call.
type route struct {
	caller *core.ClientSession
	callee *core.ClientSession
}

// sides returns the sending session and its peer when sender is a party.
func (r route) sides(sender domain.ClientID) (from, to *core.ClientSession, ok bool) {
	switch {
	case r.caller != nil && r.caller.ID() == sender:
		return r.caller, r.callee, true
	case r.callee != nil && r.callee.ID() == sender:
		return r.callee, r.caller, true
	}
	return nil, nil, false
}

// Routes is the published call->endpoint index. Writers copy the table under
// mu and swap the pointer; the relay loop reads the current table without
// locking.
type Routes struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[domain.CallID]route]
}

func NewRoutes() *Routes {
	t := &Routes{}
	empty := make(map[domain.CallID]route)
	t.snap.Store(&empty)
	return t
}

func (t *Routes) Install(id domain.CallID, caller, callee *core.ClientSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := maps.Clone(*t.snap.Load())
	next[id] = route{caller: caller, callee: callee}
	t.snap.Store(&next)
	log.Debug().Str("module", "media").Str("call_id", string(id)).Msg("route installed")
}

func (t *Routes) Remove(id domain.CallID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := *t.snap.Load()
	if _, ok := cur[id]; !ok {
		return
	}
	next := maps.Clone(cur)
	delete(next, id)
	t.snap.Store(&next)
	log.Debug().Str("module", "media").Str("call_id", string(id)).Msg("route removed")
}

func (t *Routes) Len() int {
	return len(*t.snap.Load())
}

func (t *Routes) lookup(id domain.CallID) (route, bool) {
	r, ok := (*t.snap.Load())[id]
	return r, ok
}
