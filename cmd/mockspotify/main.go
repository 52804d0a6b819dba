package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"chordauth/cfg"
	"chordauth/internal/mockspotify"
	"chordauth/pkg/logger"

	"github.com/spf13/pflag"
)

// Point the other binaries at it with
//
//	SPOTIFY_AUTH_URL=http://127.0.0.1:8081/authorize
//	SPOTIFY_TOKEN_URL=http://127.0.0.1:8081/api/token
//	SPOTIFY_API_URL=http://127.0.0.1:8081/v1
func main() {
	port := pflag.StringP("port", "p", "8081", "port to listen on")
	tokenTTL := pflag.Duration("token-ttl", mockspotify.DefaultTokenTTL, "access token lifetime")
	rotate := pflag.Bool("rotate-refresh", false, "issue a new refresh token on every refresh")
	pflag.Parse()

	// ============
	// config
	// ============
	config, errCfg := cfg.Load()
	if errCfg != nil {
		log.Fatal(errCfg)
	}

	// ============
	// logger
	// ============
	zlogger := logger.NewZeroLog(config.AppEnv)

	server, err := mockspotify.New(mockspotify.Options{
		ClientID:      config.Spotify.ClientID,
		ClientSecret:  config.Spotify.ClientSecret,
		TokenTTL:      *tokenTTL,
		RotateRefresh: *rotate,
		Logger:        zlogger,
	})
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", *port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zlogger.Info("mock spotify running", logger.Field{Key: "port", Value: *port})
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
