package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exparo/exparo/internal/api"
	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/config"
	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/logging"
	"github.com/exparo/exparo/internal/pubsub"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/telemetry"
	"github.com/exparo/exparo/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.StoreType, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer func() { _ = st.Close() }()

	telemetry.Init()

	hub := pubsub.NewHub()
	resolver := identity.NewResolver(st, log)
	experiments := experiment.NewService(st, hub, log)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	wsHandler := ws.NewHandler(st, resolver, experiments, hub, log)

	server := api.NewServer(api.Options{
		Store:       st,
		Identity:    resolver,
		Experiments: experiments,
		Tokens:      tokens,
		Logger:      log,
		RateLimit:   cfg.RateLimit,
		Websocket:   wsHandler,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     server.Router(),
		ReadTimeout: 10 * time.Second,
		// Websocket sessions are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metricsSrv.Shutdown(ctxShut)
	log.Info().Msg("stopped")
}
