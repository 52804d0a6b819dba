package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chordauth/cfg"
	"chordauth/internal/bootstrap"
	"chordauth/internal/library"
	"chordauth/internal/web"
	"chordauth/pkg/idgen"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/spotify"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
)

func main() {
	// ============
	// config
	// ============
	config, errCfg := cfg.Load()
	if errCfg != nil {
		log.Fatal(errCfg)
	}
	if err := config.ValidateServer(); err != nil {
		log.Fatal(err)
	}

	// ============
	// logger
	// ============
	zlogger := logger.NewZeroLog(config.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ============
	// Storage
	// ============
	store, closeStore, err := bootstrap.OpenStore(ctx, config, zlogger)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			zlogger.Error("failed to close store", logger.Err(err))
		}
	}()

	// ============
	// External Service
	// ============
	httpClient := &http.Client{Timeout: 15 * time.Second}
	provider, err := bootstrap.NewProvider(ctx, config, httpClient)
	if err != nil {
		log.Fatal(err)
	}
	spotifyClient := spotify.NewClient(httpClient, config.Spotify.APIURL, zlogger)

	ids, err := idgen.NewSnowflakeGenerator(1)
	if err != nil {
		log.Fatal(err)
	}

	// ============
	// Otel
	// ============
	if config.Observability.OTLPEndpoint != "" {
		shutdownTelemetry, err := initTelemetry(ctx, config, provider.Name(), zlogger)
		if err != nil {
			zlogger.Warn("telemetry disabled", logger.Err(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(ctx); err != nil {
					zlogger.Error("failed to flush telemetry", logger.Err(err))
				}
			}()
		}
	}

	// ============
	// Internal Service
	// ============
	librarySvc := library.NewService(spotifyClient, kvstore.WithPrefix(store, "cache:"), config.Library.CacheTTL, zlogger)

	cookies := sessions.NewCookieStore([]byte(config.HTTP.SessionSecret))
	handler := web.NewHandler(provider, store, cookies, librarySvc, ids, zlogger, web.Options{
		PublicURL:    config.HTTP.PublicURL,
		SecureCookie: config.HTTP.SecureCookie,
		Auth:         bootstrap.AuthConfig(config),
	})

	// ============
	// HTTP
	// ============
	if config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(config.Observability.ServiceName, handler, zlogger)

	srv := &http.Server{
		Addr:              config.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zlogger.Error("server shutdown failed", logger.Err(err))
		}
	}()

	zlogger.Info("server listening",
		logger.Field{Key: "addr", Value: config.HTTP.Addr},
		logger.Field{Key: "provider", Value: provider.Name()},
		logger.Field{Key: "storage", Value: config.Storage.Driver},
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlogger.Error("failed to start server", logger.Err(err))
	}
}
