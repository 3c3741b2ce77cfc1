// Package app wires the trade desk together and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"trade-desk/internal/api"
	"trade-desk/internal/bridge"
	"trade-desk/internal/config"
	"trade-desk/internal/coordinator"
	"trade-desk/internal/eventloop"
	"trade-desk/internal/logging"
	"trade-desk/internal/sim"
	"trade-desk/internal/stream"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// App is the application lifecycle manager.
type App struct {
	cfg *config.Config
}

// New creates a new App instance.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// UpstreamURL returns the execution service address, which is the in-process
// simulator when demo mode is enabled.
func UpstreamURL(cfg *config.Config) string {
	if !cfg.Demo.Enabled {
		return cfg.Upstream.BaseURL
	}
	addr := cfg.Demo.ListenAddress
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// Run starts the desk: simulator (demo mode), event loop, coordinator and API
// server. It returns after SIGINT, SIGTERM, ctx cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	log, err := logging.Build(a.cfg.App)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstreamURL := UpstreamURL(a.cfg)
	log.Info("starting trade desk",
		zap.String("upstream", upstreamURL),
		zap.Bool("demo", a.cfg.Demo.Enabled),
		zap.String("api_address", a.cfg.API.ListenAddress),
	)

	client := bridge.NewClient(upstreamURL, a.cfg.Upstream.RequestTimeout())
	client.SetLogger(log.Named("bridge"))
	defer client.Close()

	streamURL, err := client.StreamURL(a.cfg.Upstream.StreamPath)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}

	loop := eventloop.New(0)
	loop.SetLogger(log.Named("loop"))
	desk := coordinator.New(loop, client, coordinator.Options{
		StreamURL: streamURL,
		Dialer: stream.WebsocketDialer{
			HandshakeTimeout: a.cfg.Upstream.HandshakeTimeout(),
			ReadTimeout:      a.cfg.Stream.ReadTimeout(),
		},
		ReconnectDelay:  a.cfg.Stream.ReconnectDelay(),
		MaxReconnects:   a.cfg.Stream.MaxReconnects,
		Debounce:        a.cfg.Availability.Debounce(),
		HistoryCapacity: a.cfg.Stream.HistoryCapacity,
	})
	desk.SetLogger(log.Named("desk"))
	server := api.NewServer(a.cfg.API.ListenAddress, desk, log.Named("api"))

	// The loop outlives the errgroup so shutdown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(loopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Demo.Enabled {
		svc := sim.New(sim.Options{PushInterval: a.cfg.Demo.PushInterval()})
		svc.SetLogger(log.Named("sim"))
		g.Go(func() error { return svc.Run(gctx, a.cfg.Demo.ListenAddress) })
	}
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		Bootstrap(gctx, desk, log)
		return nil
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		log.Error("fatal_error", zap.Error(runErr))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(runErr, desk.Close(shutCtx))
	stopLoop()
	<-loopDone

	log.Info("trade desk stopped", zap.Error(err))
	return err
}

// Bootstrap adopts the upstream connection state and loads the account
// registry, retrying with exponential backoff until both succeed or ctx ends.
func Bootstrap(ctx context.Context, desk *coordinator.Coordinator, log *zap.Logger) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = 10 * time.Second

	resynced := false
	for {
		err := func() error {
			if !resynced {
				status, err := desk.Resync(ctx)
				if err != nil {
					return fmt.Errorf("resync: %w", err)
				}
				resynced = true
				log.Info("upstream_status",
					zap.Bool("connected", status.Connected),
					zap.Int64("account_id", int64(status.AccountID)),
				)
			}
			if _, err := desk.RefreshAccounts(ctx); err != nil {
				return fmt.Errorf("load accounts: %w", err)
			}
			return nil
		}()
		if err == nil {
			return
		}

		sleep := retry.NextBackOff()
		log.Warn("bootstrap_retry", zap.Error(err), zap.Duration("next", sleep))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
