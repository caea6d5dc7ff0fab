package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/protocol"
)

// peer is the per-connection state. Only its readPump touches it.
type peer struct {
	conn *signalConn
	sess *core.ClientSession
}

func (p *peer) clientID() domain.ClientID {
	if p.sess == nil {
		return ""
	}
	return p.sess.ID()
}

var inboundTypes = map[string]bool{
	protocol.TypeRegister:    true,
	protocol.TypePing:        true,
	protocol.TypeWhoAmI:      true,
	protocol.TypeGetClients:  true,
	protocol.TypeBroadcast:   true,
	protocol.TypePrivate:     true,
	protocol.TypeCallRequest: true,
	protocol.TypeCallAccept:  true,
	protocol.TypeCallReject:  true,
	protocol.TypeCallCancel:  true,
	protocol.TypeCallHangup:  true,
	protocol.TypeCallAnswer:  true,
	protocol.TypeSignOff:     true,
}

func (ctl *Controller) serve(ctx context.Context, w wire) {
	c := newSignalConn(w, ctl.sendQueue)
	go ctl.writePump(ctx, c)
	go ctl.readPump(c)
}

func (ctl *Controller) writePump(ctx context.Context, c *signalConn) {
	defer func() { _ = c.wire.Close() }()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.wire.WriteFrame(data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("remote", c.wire.RemoteAddr().String()).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(c *signalConn) {
	p := &peer{conn: c}
	reason := "connection lost"
	defer func() {
		if p.sess != nil {
			ctl.Orch.Disconnect(p.sess.ID(), reason)
			ctl.limiter.Forget(p.sess.ID())
		}
		c.Close()
	}()

	// Unregistered connections hold no registry state, so the janitor never
	// sees them; the read deadline is their only bound.
	if ctl.registerTimeout > 0 {
		_ = c.wire.SetReadDeadline(time.Now().Add(ctl.registerTimeout))
	}

	for {
		data, err := c.wire.ReadFrame()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Debug().Str("module", "signal").Str("client_id", string(p.clientID())).Msg("readPump closed")
			case p.sess == nil && errors.As(err, &ne) && ne.Timeout():
				log.Info().Str("module", "signal").Str("remote", c.wire.RemoteAddr().String()).Msg("no register before deadline")
			default:
				log.Warn().Err(err).Str("module", "signal").Str("client_id", string(p.clientID())).Msg("readPump read error")
			}
			return
		}
		registered := p.sess != nil
		if !ctl.handleSignal(p, data) {
			reason = "sign_off"
			return
		}
		if !registered && p.sess != nil && ctl.registerTimeout > 0 {
			_ = c.wire.SetReadDeadline(time.Time{})
		}
	}
}

// handleSignal dispatches one inbound envelope and answers it with exactly
// one response. It returns false once the connection should be closed.
func (ctl *Controller) handleSignal(p *peer, data []byte) bool {
	env, err := protocol.Decode(data)
	if err != nil {
		ctl.replyError(p, "", fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return true
	}
	if !inboundTypes[env.Type] {
		ctl.Orch.Metrics.IncEnvelope("unknown")
		ctl.replyError(p, env.Type, domain.ErrUnknownType)
		return true
	}
	ctl.Orch.Metrics.IncEnvelope(env.Type)

	if p.sess == nil {
		if env.Type != protocol.TypeRegister {
			ctl.replyError(p, env.Type, domain.ErrNotRegistered)
			return true
		}
	} else {
		ctl.Orch.Touch(p.sess.ID())
	}

	switch env.Type {
	case protocol.TypeRegister:
		ctl.handleRegister(p, env)
	case protocol.TypePing:
		ctl.handlePing(p)
	case protocol.TypeWhoAmI:
		ctl.handleWhoAmI(p)
	case protocol.TypeGetClients:
		ctl.handleGetClients(p)
	case protocol.TypeBroadcast:
		ctl.handleBroadcast(p, env)
	case protocol.TypePrivate:
		ctl.handlePrivate(p, env)
	case protocol.TypeCallRequest:
		ctl.handleCallRequest(p, env)
	case protocol.TypeCallAccept, protocol.TypeCallReject, protocol.TypeCallCancel, protocol.TypeCallHangup:
		ctl.handleCallCommand(p, env)
	case protocol.TypeCallAnswer:
		ctl.handleCallAnswer(p, env)
	case protocol.TypeSignOff:
		ctl.handleSignOff(p)
		return false
	}
	return true
}

func (ctl *Controller) sendJSON(p *peer, env protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := p.conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client_id", string(p.clientID())).Str("type", env.Type).Msg("reply dropped")
	}
}

func (ctl *Controller) replyError(p *peer, request string, err error) {
	log.Debug().Err(err).Str("module", "signal").Str("client_id", string(p.clientID())).Str("request", request).Msg("command failed")
	ctl.sendJSON(p, protocol.ErrorEnvelope(request, err))
}

func ack(request string) protocol.Envelope {
	return protocol.Envelope{Type: protocol.TypeAck, Request: request}
}
