package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mroth/ssehub"
	"github.com/mroth/ssehub/admin"
	"github.com/mroth/ssehub/auth"
	"github.com/mroth/ssehub/internal/config"
	"github.com/mroth/ssehub/storage"
	"github.com/mroth/ssehub/transport"

	_ "github.com/mroth/ssehub/storage/memory"
	_ "github.com/mroth/ssehub/storage/sqlite"
	_ "github.com/mroth/ssehub/transport/local"
	_ "github.com/mroth/ssehub/transport/nats"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

const shutdownTimeout = 10 * time.Second

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	app := &cli.Command{
		Name:      "ssehub",
		Usage:     "Serve a Server-Sent Events publish/subscribe hub",
		UsageText: "ssehub [global options] [command]",
		Description: `ssehub streams published messages to subscribers over Server-Sent Events,
speaking the Mercure protocol on /.well-known/mercure.

Options are read from the config file (YAML or TOML) and can be overridden
with flags or SSEHUB_* environment variables.`,
		Version: build(),
		Flags:   flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "validate the configuration and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					fmt.Printf("configuration ok (storage %s, transport %s)\n", cfg.Storage, cfg.Transport)
					return nil
				},
			},
			{
				Name:  "backends",
				Usage: "list the storage and transport DSN schemes compiled in",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Printf("storage:   %v\n", storage.Schemes())
					fmt.Printf("transport: %v\n", transport.Schemes())
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("ssehub failed")
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config file (.yaml, .yml or .toml)",
			Sources: cli.EnvVars("SSEHUB_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error, fatal, panic)",
			Sources: cli.EnvVars("SSEHUB_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-file",
			Usage:   "path to log file (optional)",
			Sources: cli.EnvVars("SSEHUB_LOG_FILE"),
		},
		&cli.StringFlag{
			Name:    "addr",
			Usage:   "address to serve the hub on",
			Sources: cli.EnvVars("SSEHUB_ADDR"),
		},
		&cli.StringFlag{
			Name:    "admin-addr",
			Usage:   "address to serve the admin status pages on (disabled when empty)",
			Sources: cli.EnvVars("SSEHUB_ADMIN_ADDR"),
		},
		&cli.StringFlag{
			Name:    "storage",
			Usage:   "storage DSN, e.g. memory://?size=1000 or sqlite:///var/lib/ssehub/hub.db",
			Sources: cli.EnvVars("SSEHUB_STORAGE"),
		},
		&cli.StringFlag{
			Name:    "transport",
			Usage:   "transport DSN, e.g. local:// or nats://localhost:4222/ssehub",
			Sources: cli.EnvVars("SSEHUB_TRANSPORT"),
		},
		&cli.BoolFlag{
			Name:    "allow-anonymous",
			Usage:   "let subscribers connect without a token",
			Sources: cli.EnvVars("SSEHUB_ALLOW_ANONYMOUS"),
		},
		&cli.BoolFlag{
			Name:    "subscriptions",
			Usage:   "persist and announce subscriptions",
			Sources: cli.EnvVars("SSEHUB_SUBSCRIPTIONS"),
		},
		&cli.StringFlag{
			Name:    "cors-allow-origin",
			Usage:   "Access-Control-Allow-Origin header value",
			Sources: cli.EnvVars("SSEHUB_CORS_ALLOW_ORIGIN"),
		},
		&cli.StringFlag{
			Name:    "jwt-key",
			Usage:   "HMAC key for publisher and subscriber tokens",
			Sources: cli.EnvVars("SSEHUB_JWT_KEY"),
		},
		&cli.StringFlag{
			Name:    "publisher-jwt-key",
			Usage:   "HMAC key for publisher tokens",
			Sources: cli.EnvVars("SSEHUB_PUBLISHER_JWT_KEY"),
		},
		&cli.StringFlag{
			Name:    "subscriber-jwt-key",
			Usage:   "HMAC key for subscriber tokens",
			Sources: cli.EnvVars("SSEHUB_SUBSCRIBER_JWT_KEY"),
		},
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), func(cfg *config.Config) {
		setString := func(name string, dst *string) {
			if c.IsSet(name) {
				*dst = c.String(name)
			}
		}
		setBool := func(name string, dst *bool) {
			if c.IsSet(name) {
				*dst = c.Bool(name)
			}
		}

		setString("log-level", &cfg.LogLevel)
		setString("log-file", &cfg.LogFile)
		setString("addr", &cfg.Addr)
		setString("admin-addr", &cfg.AdminAddr)
		setString("storage", &cfg.Storage)
		setString("transport", &cfg.Transport)
		setBool("allow-anonymous", &cfg.AllowAnonymous)
		setBool("subscriptions", &cfg.Subscriptions)
		setString("cors-allow-origin", &cfg.CORSAllowOrigin)
		setString("jwt-key", &cfg.JWT.Key)
		setString("publisher-jwt-key", &cfg.JWT.PublisherKey)
		setString("subscriber-jwt-key", &cfg.JWT.SubscriberKey)
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close storage")
		}
	}()

	tr, err := transport.Open(ctx, cfg.Transport)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close transport")
		}
	}()

	opts := []ssehub.ServerOption{
		ssehub.WithStorage(st),
		ssehub.WithTransport(tr),
		ssehub.WithAllowAnonymous(cfg.AllowAnonymous),
		ssehub.WithSubscriptions(cfg.Subscriptions),
		ssehub.WithCORSAllowOrigin(cfg.CORSAllowOrigin),
		ssehub.WithKeepAlive(cfg.KeepAlive.Duration),
		ssehub.WithConnBufSize(cfg.ConnBufSize),
		ssehub.WithQueueSize(cfg.QueueSize),
		ssehub.WithLogger(log.With().Str("component", "hub").Logger()),
	}
	if key := cfg.JWT.SubscriberKeyOrDefault(); key != "" {
		opts = append(opts, ssehub.WithSubscriberAuthenticator(auth.NewJWT([]byte(key), auth.WithAlgorithms(cfg.JWT.Algorithms...))))
	}
	if key := cfg.JWT.PublisherKeyOrDefault(); key != "" {
		opts = append(opts, ssehub.WithPublisherAuthenticator(auth.NewJWT([]byte(key), auth.WithAlgorithms(cfg.JWT.Algorithms...))))
	} else {
		log.Warn().Msg("no publisher key configured, publishing over HTTP is disabled")
	}

	hub, err := ssehub.NewServer(opts...)
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.Handler(hub),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		// ends every event stream, so the HTTP servers have nothing left
		// to wait for
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		// Create log directory if it doesn't exist
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		// Write to both console and file
		output = io.MultiWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			file,
		)
	}

	log.Logger = log.Output(output).Level(parsedLevel)

	return nil
}
