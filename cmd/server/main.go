package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/digitalstage/routerdist/internal/adapters/http"
	"github.com/digitalstage/routerdist/internal/adapters/identity"
	wssignal "github.com/digitalstage/routerdist/internal/adapters/signal"
	"github.com/digitalstage/routerdist/internal/adapters/store"
	"github.com/digitalstage/routerdist/internal/app"
	"github.com/digitalstage/routerdist/internal/config"
	"github.com/digitalstage/routerdist/internal/core"
	"github.com/digitalstage/routerdist/internal/metrics"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("router distributor stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogging(cfg *config.Config) {
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.RouterStore, error) {
	if cfg.Driver == "memory" {
		log.Warn().Msg("using in-memory router store")
		return store.NewMemoryStore(), nil
	}
	return store.Connect(ctx, cfg)
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	routers, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open router store: %w", err)
	}
	defer routers.Close()

	var policy app.Policy = app.DropPolicy{}
	if cfg.WS.KickSlow {
		policy = app.KickPolicy{}
	}
	coord := app.NewCoordinator(routers, app.WithMetrics(m), app.WithPolicy(policy))
	if err := coord.Start(ctx); err != nil {
		return err
	}

	resolver := identity.NewClient(cfg.AuthURL, identity.WithTimeout(cfg.Auth.Timeout))
	ctrl := wssignal.NewSignalWSController(coord, resolver, wssignal.Options{
		ReadLimit:  cfg.WS.ReadLimit,
		PingPeriod: cfg.WS.PingPeriod,
		PongWait:   cfg.WS.PongWait,
		WriteWait:  cfg.WS.WriteWait,
		SendBuffer: cfg.WS.SendBuffer,
	}, wssignal.NewConnectRateLimiter(cfg.WS.ConnectLimit, cfg.WS.ConnectInterval))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, coord, ctrl, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		ctrl.Drain()
		coord.Stop()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := ctrl.Wait(drainCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not finish cleanup")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}
