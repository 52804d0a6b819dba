package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chordauth/cfg"
)

const usage = `Usage: spotifylogin [flags] <command> [args]

Commands:
  login             log in through the browser (prints a URL when no browser opens)
  callback <url>    finish a login from the URL the browser was redirected to
  status            report whether a login is stored
  whoami            print the stored profile
  token             print a valid access token, refreshing it when needed
  refresh           force a token refresh
  logout            remove the stored login
  playlists|tracks|recent
                    list the library (see --limit)

Flags:
`

func main() {
	// ============
	// config
	// ============
	config, errCfg := cfg.Load()
	if errCfg != nil {
		log.Fatal(errCfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
