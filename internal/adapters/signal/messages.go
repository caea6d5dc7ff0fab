package signal

import (
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

func (ctl *Controller) handleBroadcast(p *peer, env protocol.Envelope) {
	if !ctl.limiter.Allow(p.sess.ID()) {
		ctl.replyError(p, protocol.TypeBroadcast, domain.ErrRateLimited)
		return
	}
	d, err := ctl.Orch.Broadcast(p.sess.ID(), env.Body)
	if err != nil {
		ctl.replyError(p, protocol.TypeBroadcast, err)
		return
	}
	resp := ack(protocol.TypeBroadcast)
	resp.Delivered = &d.Delivered
	resp.Failed = &d.Failed
	ctl.sendJSON(p, resp)
}

func (ctl *Controller) handlePrivate(p *peer, env protocol.Envelope) {
	if env.RecipientID == "" {
		ctl.replyError(p, protocol.TypePrivate, domain.ErrBadPayload)
		return
	}
	if !ctl.limiter.Allow(p.sess.ID()) {
		ctl.replyError(p, protocol.TypePrivate, domain.ErrRateLimited)
		return
	}
	if err := ctl.Orch.Private(p.sess.ID(), env.RecipientID, env.Body); err != nil {
		ctl.replyError(p, protocol.TypePrivate, err)
		return
	}
	resp := ack(protocol.TypePrivate)
	resp.RecipientID = env.RecipientID
	ctl.sendJSON(p, resp)
}
