package media

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerelay/internal/core"
	"github.com/dkeye/voicerelay/internal/domain"
	"github.com/dkeye/voicerelay/internal/observability"
	"github.com/dkeye/voicerelay/internal/protocol"
)

// Outcome is what the relay did with one datagram.
type Outcome string

const (
	Forwarded       Outcome = "forwarded"
	DropOversized   Outcome = "oversized"
	DropBadTag      Outcome = "bad_tag"
	DropNoRoute     Outcome = "no_route"
	DropNotParty    Outcome = "not_party"
	DropPeerUnknown Outcome = "peer_unknown"
	DropWriteError  Outcome = "write_error"
)

// SessionLookup resolves a sender that is not part of an active route.
type SessionLookup interface {
	Get(id domain.ClientID) (*core.ClientSession, bool)
}

// Router forwards tagged audio frames between the two parties of an active
// call over one shared UDP socket. It is a stateless per-packet forwarder:
// no buffering, reordering or retransmission.
type Router struct {
	conn        *net.UDPConn
	routes      *Routes
	clients     SessionLookup
	maxDatagram int
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

type Option func(*Router)

func WithMaxDatagram(n int) Option {
	return func(r *Router) {
		if n > protocol.MediaHeaderLen {
			r.maxDatagram = n
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(conn *net.UDPConn, routes *Routes, clients SessionLookup, opts ...Option) *Router {
	r := &Router{
		conn:        conn,
		routes:      routes,
		clients:     clients,
		maxDatagram: protocol.DefaultMaxDatagram,
		logger:      log.With().Str("module", "media").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Serve receives datagrams until ctx is done or the socket is closed.
func (r *Router) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	r.logger.Info().Str("addr", r.conn.LocalAddr().String()).Msg("media relay started")
	// one extra byte detects datagrams the kernel would otherwise truncate
	buf := make([]byte, r.maxDatagram+1)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.logger.Info().Msg("media relay stopped")
				return nil
			}
			r.logger.Warn().Err(err).Msg("media read error")
			continue
		}
		if n > r.maxDatagram {
			r.record(DropOversized, n)
			continue
		}
		r.Handle(buf[:n], from)
	}
}

// Handle relays one datagram received from `from`.
func (r *Router) Handle(pkt []byte, from netip.AddrPort) Outcome {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	tag, err := protocol.ParseMediaTag(pkt)
	if err != nil {
		return r.record(DropBadTag, len(pkt))
	}

	rt, active := r.routes.lookup(tag.CallID)
	sender, peer, party := rt.sides(tag.SenderID)

	// only the observed source address is trusted, refreshed on every frame
	if sender == nil {
		if s, ok := r.clients.Get(tag.SenderID); ok {
			sender = s
		}
	}
	if sender != nil {
		sender.SetMediaEndpoint(from)
	}

	if !active {
		return r.record(DropNoRoute, len(pkt))
	}
	if !party {
		return r.record(DropNotParty, len(pkt))
	}
	if peer == nil {
		return r.record(DropPeerUnknown, len(pkt))
	}
	dst, ok := peer.MediaEndpoint()
	if !ok {
		return r.record(DropPeerUnknown, len(pkt))
	}
	if _, err := r.conn.WriteToUDPAddrPort(pkt, dst); err != nil {
		r.logger.Debug().Err(err).Str("call_id", string(tag.CallID)).Str("dst", dst.String()).Msg("media write error")
		return r.record(DropWriteError, len(pkt))
	}
	return r.record(Forwarded, len(pkt))
}

func (r *Router) record(o Outcome, n int) Outcome {
	r.metrics.IncMediaFrame(string(o), n)
	if o != Forwarded {
		r.logger.Debug().Str("outcome", string(o)).Int("bytes", n).Msg("media frame dropped")
	}
	return o
}
