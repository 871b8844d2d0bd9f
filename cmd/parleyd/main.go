package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/adapters/gateway"
	"github.com/parley-app/parley/internal/adapters/httpapi"
	"github.com/parley-app/parley/internal/adapters/rtc"
	"github.com/parley-app/parley/internal/app"
	"github.com/parley-app/parley/internal/config"
	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	self, err := domain.NewUser(domain.UserID(cfg.UserID), cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	dir, err := app.LoadDirectory(cfg.DirectoryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load directory")
	}

	rtcEngine, err := rtc.New(rtc.Config{
		STUNServers:  cfg.STUNServers,
		VideoBitrate: cfg.VideoBitrate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init webrtc")
	}

	bus := core.NewBus()
	gw := gateway.New(gateway.Options{
		URL:           cfg.ServerURL,
		Token:         cfg.AccessToken,
		SendBuffer:    cfg.SendBuffer,
		PingPeriod:    cfg.PingPeriod,
		PongWait:      cfg.PongWait,
		MaxReconnects: cfg.MaxReconnects,
	}, bus)

	eng := app.NewEngine(*self, gw, rtcEngine, rtcEngine, dir, bus, app.Options{
		TypingDebounce:  cfg.TypingDebounce,
		CallRingTimeout: cfg.CallRingTimeout,
	})
	eng.Run(ctx)

	if err := eng.Connect(); err != nil {
		// Missing credential is a configuration error; everything else
		// will land on the bus.
		log.Error().Err(err).Msg("initial connect failed")
	}

	r := httpapi.SetupRouter(ctx, cfg, eng)
	addr := fmt.Sprintf(":%d", cfg.ControlPort)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("parleyd control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	eng.Shutdown()
	bus.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}
