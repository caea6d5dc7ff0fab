package signal

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

const maxAcceptBackoff = time.Second

// ServeTCP accepts length-prefixed control connections on ln until ctx is done.
// Accept failures are retried with a growing delay; only a closed listener ends it.
func (ctl *Controller) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info().Str("module", "signal").Str("addr", ln.Addr().String()).Msg("control listener up")
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			log.Error().Err(err).Str("module", "signal").Dur("retry_in", backoff).Msg("accept")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		ctl.serve(ctx, newTCPWire(conn, ctl.readLimit))
	}
}
