package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chordauth/cfg"
	"chordauth/internal/authsession"
	"chordauth/internal/bootstrap"
	"chordauth/internal/library"
	"chordauth/internal/loopback"
	"chordauth/pkg/idgen"
	"chordauth/pkg/kvstore"
	"chordauth/pkg/logger"
	"chordauth/pkg/spotify"

	"github.com/spf13/pflag"
)

var errUsage = errors.New("invalid usage")

type options struct {
	storage    string
	sqlitePath string
	pkce       bool
	noBrowser  bool
	limit      int
	asJSON     bool
	verbose    bool
}

func parseFlags(config *cfg.Config, args []string, stderr io.Writer) (*options, []string, error) {
	fs := pflag.NewFlagSet("spotifylogin", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	o := &options{}
	fs.StringVar(&o.storage, "storage", config.Storage.Driver, "credential store: memory, sqlite or redis")
	fs.StringVar(&o.sqlitePath, "sqlite-path", config.Storage.SQLitePath, "sqlite database file")
	fs.BoolVar(&o.pkce, "pkce", config.Auth.UsePKCE, "use PKCE (client secret optional)")
	fs.BoolVar(&o.noBrowser, "no-browser", false, "print the login URL instead of opening a browser")
	fs.IntVarP(&o.limit, "limit", "n", spotify.DefaultLimit, "items to list")
	fs.BoolVar(&o.asJSON, "json", false, "print JSON")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, nil, errUsage
	}

	config.Storage.Driver = o.storage
	config.Storage.SQLitePath = o.sqlitePath
	config.Auth.UsePKCE = o.pkce
	return o, fs.Args(), nil
}

type cli struct {
	opts    *options
	out     io.Writer
	manager *authsession.Manager
	library *library.Service
}

func run(ctx context.Context, config *cfg.Config, args []string, stdout, stderr io.Writer) error {
	opts, rest, err := parseFlags(config, args, stderr)
	if err != nil {
		return err
	}

	level := "production"
	if opts.verbose {
		level = "development"
	}
	zlogger := logger.NewWithWriter(level, stderr)

	store, closeStore, err := bootstrap.OpenStore(ctx, config, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			zlogger.Error("failed to close store", logger.Err(err))
		}
	}()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	provider, err := bootstrap.NewProvider(ctx, config, httpClient)
	if err != nil {
		return err
	}

	var hostOpts []loopback.Option
	hostOpts = append(hostOpts, loopback.WithLogger(zlogger))
	if opts.noBrowser {
		hostOpts = append(hostOpts, loopback.WithOpener(func(string) error {
			return errors.New("browser disabled")
		}))
	}
	host, err := loopback.New(bootstrap.RedirectURL(config), hostOpts...)
	if err != nil {
		return err
	}

	ids, err := idgen.NewSnowflakeGenerator(2)
	if err != nil {
		return err
	}

	manager, err := authsession.NewManager(bootstrap.AuthConfig(config), authsession.Deps{
		Provider:  provider,
		Durable:   kvstore.WithPrefix(store, "cli:"),
		Transient: kvstore.WithPrefix(store, "cli:pending:"),
		Popup:     host,
		Navigator: &loopback.PrintNavigator{Out: stdout},
		Logger:    zlogger,
		IDs:       ids,
	})
	if err != nil {
		return err
	}

	c := &cli{
		opts:    opts,
		out:     stdout,
		manager: manager,
		library: library.NewService(
			spotify.NewClient(httpClient, config.Spotify.APIURL, zlogger),
			kvstore.WithPrefix(store, "cli:cache:"),
			config.Library.CacheTTL,
			zlogger,
		),
	}
	return c.dispatch(ctx, rest)
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	switch cmd := args[0]; cmd {
	case "login":
		return c.login(ctx)
	case "callback":
		if len(args) != 2 {
			return fmt.Errorf("%w: callback takes the redirect URL", errUsage)
		}
		return c.callback(ctx, args[1])
	case "status":
		return c.status(ctx)
	case "whoami":
		return c.whoami(ctx)
	case "token":
		token, err := c.manager.AccessToken(ctx)
		if err != nil {
			return describe(err)
		}
		return c.print(map[string]string{"access_token": token}, token)
	case "refresh":
		token, err := c.manager.Refresh(ctx)
		if err != nil {
			return describe(err)
		}
		return c.print(map[string]string{"access_token": token}, token)
	case "logout":
		result, err := c.manager.Logout(ctx)
		if err != nil {
			return describe(err)
		}
		return c.print(result, result.Message)
	default:
		kind, err := library.ParseKind(cmd)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return c.list(ctx, kind)
	}
}

func (c *cli) login(ctx context.Context) error {
	result, err := c.manager.Login(ctx)
	if err != nil {
		return describe(err)
	}
	if result.Pending {
		return nil
	}
	return c.print(result, fmt.Sprintf("Logged in as %s (%s)", result.User.Name(), result.User.ID))
}

func (c *cli) callback(ctx context.Context, rawURL string) error {
	if !authsession.IsCallbackURL(rawURL) {
		return fmt.Errorf("%w: %q is not a callback URL", errUsage, rawURL)
	}
	result, err := c.manager.HandleCallback(ctx, rawURL)
	if err != nil {
		return describe(err)
	}
	return c.print(result, fmt.Sprintf("Logged in as %s (%s)", result.User.Name(), result.User.ID))
}

func (c *cli) status(ctx context.Context) error {
	loggedIn := c.manager.IsLoggedIn(ctx)
	text := "not logged in"
	if loggedIn {
		text = "logged in"
	}
	return c.print(map[string]bool{"logged_in": loggedIn}, text)
}

func (c *cli) whoami(ctx context.Context) error {
	profile, err := c.manager.UserProfile(ctx)
	if err != nil {
		return describe(err)
	}
	text := fmt.Sprintf("%s (%s)", profile.Name(), profile.ID)
	if profile.Email != "" {
		text += " <" + profile.Email + ">"
	}
	return c.print(profile, text)
}

func (c *cli) list(ctx context.Context, kind library.Kind) error {
	page, err := c.library.Get(ctx, c.manager, kind, c.opts.limit)
	if err != nil {
		if errors.Is(err, library.ErrNotAuthenticated) {
			return errors.New("not logged in, run: spotifylogin login")
		}
		return err
	}

	lines := make([]string, 0, len(page.Items))
	for i, item := range page.Items {
		lines = append(lines, fmt.Sprintf("%2d. %s", i+1, item.Query()))
	}
	return c.print(page, strings.Join(lines, "\n"))
}

func (c *cli) print(v any, text string) error {
	if c.opts.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// describe renders an auth failure the way a user should read it.
func describe(err error) error {
	if errors.Is(err, authsession.ErrNotAuthenticated) {
		return errors.New("not logged in, run: spotifylogin login")
	}
	f := authsession.Describe(err)
	msg := fmt.Sprintf("%s (%s)", f.Message, f.ErrorCode)
	if f.CanRetry {
		msg += ", try again"
	}
	return errors.New(msg)
}
