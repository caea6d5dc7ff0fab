package signal

import (
	"time"

	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

func (ctl *Controller) handleRegister(p *peer, env protocol.Envelope) {
	if p.sess != nil {
		ctl.replyError(p, protocol.TypeRegister, domain.ErrAlreadyRegistered)
		return
	}
	sess, err := ctl.Orch.Register(env.Name, p.conn)
	if err != nil {
		ctl.replyError(p, protocol.TypeRegister, err)
		return
	}
	p.sess = sess
	ctl.sendJSON(p, protocol.Envelope{
		Type:       protocol.TypeRegisterResponse,
		ClientID:   sess.ID(),
		Name:       sess.Name(),
		ServerTime: protocol.Timestamp(time.Now()),
	})
}

func (ctl *Controller) handlePing(p *peer) {
	ctl.sendJSON(p, protocol.Envelope{Type: protocol.TypePong})
}

func (ctl *Controller) handleWhoAmI(p *peer) {
	ctl.sendJSON(p, protocol.Envelope{
		Type:     protocol.TypeWhoAmI,
		ClientID: p.sess.ID(),
		Name:     p.sess.Name(),
		Status:   p.sess.Status(),
	})
}

func (ctl *Controller) handleGetClients(p *peer) {
	ctl.sendJSON(p, protocol.Envelope{
		Type:    protocol.TypeClientList,
		Clients: ctl.Orch.Registry.List(),
	})
}

// handleSignOff acknowledges; readPump then runs the regular disconnect.
func (ctl *Controller) handleSignOff(p *peer) {
	ctl.sendJSON(p, ack(protocol.TypeSignOff))
}
