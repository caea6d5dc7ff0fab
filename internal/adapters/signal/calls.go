package signal

import (
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

func callAck(request string, c domain.Call) protocol.Envelope {
	resp := protocol.CallEnvelope(protocol.TypeAck, c)
	resp.Request = request
	return resp
}

func (ctl *Controller) handleCallRequest(p *peer, env protocol.Envelope) {
	if env.CalleeID == "" {
		ctl.replyError(p, env.Type, domain.ErrBadPayload)
		return
	}
	call, err := ctl.Orch.RequestCall(p.sess.ID(), env.CalleeID)
	if err != nil {
		ctl.replyError(p, env.Type, err)
		return
	}
	ctl.sendJSON(p, callAck(env.Type, call))
}

func (ctl *Controller) handleCallCommand(p *peer, env protocol.Envelope) {
	if env.CallID == "" {
		ctl.replyError(p, env.Type, domain.ErrBadPayload)
		return
	}
	var op func(domain.CallID, domain.ClientID) (domain.Call, error)
	switch env.Type {
	case protocol.TypeCallAccept:
		op = ctl.Orch.AcceptCall
	case protocol.TypeCallReject:
		op = ctl.Orch.RejectCall
	case protocol.TypeCallCancel:
		op = ctl.Orch.CancelCall
	default:
		op = ctl.Orch.Hangup
	}
	call, err := op(env.CallID, p.sess.ID())
	if err != nil {
		ctl.replyError(p, env.Type, err)
		return
	}
	ctl.sendJSON(p, callAck(env.Type, call))
}

func (ctl *Controller) handleCallAnswer(p *peer, env protocol.Envelope) {
	if env.CallID == "" || env.Accepted == nil {
		ctl.replyError(p, env.Type, domain.ErrBadPayload)
		return
	}
	call, err := ctl.Orch.AnswerCall(env.CallID, p.sess.ID(), *env.Accepted)
	if err != nil {
		ctl.replyError(p, env.Type, err)
		return
	}
	ctl.sendJSON(p, callAck(env.Type, call))
}
