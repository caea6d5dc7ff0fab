package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicerelay/internal/adapters/http"
	sig "github.com/dkeye/voicerelay/internal/adapters/signal"
	"github.com/dkeye/voicerelay/internal/app"
	"github.com/dkeye/voicerelay/internal/app/media"
	"github.com/dkeye/voicerelay/internal/app/orch"
	"github.com/dkeye/voicerelay/internal/config"
	"github.com/dkeye/voicerelay/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "voicerelay",
	Short: "Voice call rendezvous and UDP audio relay server",
	Long: `voicerelay registers clients over a TCP or WebSocket control channel,
relays text messages between them, runs the call setup handshake and forwards
tagged audio datagrams between the two parties of every active call.`,
	RunE: run,
}

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config.RegisterFlags(rootCmd.Flags())
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics("voicerelay")
	reg := app.NewRegistry()
	routes := media.NewRoutes()
	calls := app.NewCallManager(reg, cfg.RingTimeout,
		app.WithMediaRoutes(routes),
		app.WithCallHistory(app.NewCallHistory(cfg.HistorySize)),
		app.WithTransitionHook(metrics.ObserveCall),
	)
	o := orch.New(reg, calls, app.NewMessageRelay(reg), app.SimplePolicy{}, metrics)

	ctrl := sig.NewController(o,
		sig.WithReadLimit(cfg.ReadLimit),
		sig.WithSendQueue(cfg.SendQueue),
		sig.WithRegisterTimeout(cfg.RegisterTimeout),
		sig.WithRateLimiter(sig.NewRateLimiter(cfg.MessageRate, cfg.MessageBurst)),
	)

	ln, err := net.Listen("tcp", cfg.SignalAddr())
	if err != nil {
		return err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.MediaAddr())
	if err != nil {
		_ = ln.Close()
		return err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}
	relay := media.NewRouter(udp, routes, reg,
		media.WithMaxDatagram(cfg.MaxDatagram),
		media.WithMetrics(metrics),
	)

	srv := &http.Server{
		Addr:              cfg.AdminAddr(),
		Handler:           router.SetupRouter(ctx, cfg, o, ctrl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	o.StartJanitor(ctx, cfg.SweepInterval, cfg.InactivityTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.ServeTCP(gctx, ln) })
	g.Go(func() error { return relay.Serve(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("operator API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	log.Info().Str("signal", cfg.SignalAddr()).Str("media", cfg.MediaAddr()).Msg("voicerelay started")
	err = g.Wait()
	log.Info().Msg("Server exited gracefully")
	return err
}
