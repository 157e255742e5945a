package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	signagesync "github.com/matrix-org/signage-sync"
	"github.com/matrix-org/signage-sync/internal"
	"github.com/matrix-org/signage-sync/pairsync"
	"github.com/matrix-org/signage-sync/relay"
	"github.com/matrix-org/signage-sync/state"
	"github.com/matrix-org/signage-sync/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	flagRelayURL = &cli.StringFlag{
		Name:    "relay",
		Usage:   "Base URL of the relay, e.g. https://relay.example.com",
		EnvVars: []string{"SIGNAGE_RELAY_URL"},
		Value:   "http://localhost:8008",
	}
	flagDBDriver = &cli.StringFlag{
		Name:    "db-driver",
		Usage:   "Database driver for the local signage store: sqlite3 or postgres",
		EnvVars: []string{"SIGNAGE_DB_DRIVER"},
		Value:   "sqlite3",
	}
	flagDB = &cli.StringFlag{
		Name:    "db",
		Usage:   "Database connection string (file path for sqlite3, see lib/pq docs for postgres)",
		EnvVars: []string{"SIGNAGE_DB"},
		Value:   "signage.db",
	}
	flagTimeout = &cli.DurationFlag{
		Name:    "timeout",
		Usage:   "How long to wait for the other device",
		EnvVars: []string{"SIGNAGE_TIMEOUT"},
		Value:   15 * time.Second,
	}
	flagCodec = &cli.StringFlag{
		Name:    "codec",
		Usage:   "Snapshot encoding: json or cbor",
		EnvVars: []string{"SIGNAGE_CODEC"},
		Value:   "json",
	}
)

func main() {
	app := &cli.App{
		Name:    "signagesync",
		Usage:   "Copy welcome signage between devices using a short pairing code",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log at trace level",
				EnvVars: []string{"SIGNAGE_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "sentry-dsn",
				Usage:   "Report errors to this Sentry DSN",
				EnvVars: []string{"SIGNAGE_SENTRY_DSN"},
			},
		},
		Before: setup,
		After: func(c *cli.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		},
		Commands: []*cli.Command{
			relayCommand(),
			broadcastCommand(),
			receiveCommand(),
			listCommand(),
			addCommand(),
			editCommand(),
			removeCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("signagesync failed")
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	if c.Bool("debug") {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if dsn := c.String("sentry-dsn"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialise sentry: %w", err)
		}
		logger.Info().Msg("sentry enabled")
	}
	return nil
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run the relay that pairs senders and receivers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "Bind address for the relay",
				EnvVars: []string{"SIGNAGE_BINDADDR"},
				Value:   ":8008",
			},
			&cli.StringFlag{
				Name:    "prometheus",
				Usage:   "Bind address for /metrics, e.g. :2112. Disabled if unset",
				EnvVars: []string{"SIGNAGE_PROM"},
			},
			&cli.StringFlag{
				Name:    "otlp-url",
				Usage:   "OTLP HTTP collector, e.g. http://localhost:4318. Tracing is disabled if unset",
				EnvVars: []string{"SIGNAGE_OTLP_URL"},
			},
			&cli.StringFlag{
				Name:    "otlp-username",
				EnvVars: []string{"SIGNAGE_OTLP_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "otlp-password",
				EnvVars: []string{"SIGNAGE_OTLP_PASSWORD"},
			},
			&cli.DurationFlag{
				Name:    "binding-ttl",
				Usage:   "How long a registered identifier stays reachable",
				EnvVars: []string{"SIGNAGE_BINDING_TTL"},
				Value:   30 * time.Minute,
			},
			&cli.DurationFlag{
				Name:    "offer-ttl",
				Usage:   "How long a dialed channel waits to be accepted",
				EnvVars: []string{"SIGNAGE_OFFER_TTL"},
				Value:   10 * time.Second,
			},
			&cli.IntFlag{
				Name:    "queue-size",
				Usage:   "Outbound messages buffered per connection",
				EnvVars: []string{"SIGNAGE_QUEUE_SIZE"},
				Value:   64,
			},
		},
		Action: func(c *cli.Context) error {
			if otlpURL := c.String("otlp-url"); otlpURL != "" {
				err := internal.ConfigureOTLP(otlpURL, c.String("otlp-username"), c.String("otlp-password"), version)
				if err != nil {
					return fmt.Errorf("failed to configure OTLP: %w", err)
				}
			}
			promAddr := c.String("prometheus")
			h := relay.NewHandler(relay.Config{
				BindingTTL:       c.Duration("binding-ttl"),
				OfferTTL:         c.Duration("offer-ttl"),
				QueueSize:        c.Int("queue-size"),
				EnablePrometheus: promAddr != "",
			})
			if promAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					logger.Info().Msgf("serving metrics on %s/metrics", promAddr)
					if err := http.ListenAndServe(promAddr, mux); err != nil {
						logger.Error().Err(err).Msg("metrics listener stopped")
					}
				}()
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return signagesync.RunRelayServer(ctx, h, c.String("bind"))
		},
	}
}

func broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:  "broadcast",
		Usage: "Offer this device's signage to a receiver and print the pairing code",
		Flags: []cli.Flag{
			flagRelayURL, flagDBDriver, flagDB, flagTimeout, flagCodec,
			&cli.BoolFlag{
				Name:    "require-ack",
				Usage:   "Only report success once the receiver confirms it stored the snapshot",
				EnvVars: []string{"SIGNAGE_REQUIRE_ACK"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := syncConfig(c)
			if err != nil {
				return err
			}
			cfg.RequireAck = c.Bool("require-ack")
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			sender := pairsync.NewSender(cfg, store)
			defer sender.Close()
			defer sender.Subscribe(printUpdate)()
			code, err := sender.Open(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Pairing code: %s\n", code)
			return waitResult(ctx, sender.Machine)
		},
	}
}

func receiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "receive",
		Usage: "Replace this device's signage with a snapshot from a broadcasting device",
		Flags: []cli.Flag{
			flagRelayURL, flagDBDriver, flagDB, flagTimeout,
			&cli.StringFlag{
				Name:     "code",
				Usage:    "Pairing code shown on the broadcasting device",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := syncConfig(c)
			if err != nil {
				return err
			}
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			receiver := pairsync.NewReceiver(cfg, store)
			defer receiver.Close()
			defer receiver.Subscribe(printUpdate)()
			if err = receiver.Open(ctx); err != nil {
				return err
			}
			if err = receiver.Connect(c.String("code")); err != nil {
				return err
			}
			return waitResult(ctx, receiver.Machine)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the signage stored on this device",
		Flags: []cli.Flag{flagDBDriver, flagDB},
		Action: func(c *cli.Context) error {
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()
			rows, err := store.Signages(c.Context)
			if err != nil {
				return err
			}
			for _, row := range rows {
				active := ""
				if !row.IsActive {
					active = " (inactive)"
				}
				fmt.Fprintf(c.App.Writer, "%s  %s  %q %q %q [%s]%s\n",
					row.ID, row.Created().Format(time.RFC3339), row.WelcomeLabel, row.GuestName, row.SubText, row.Layout, active)
			}
			return nil
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Add a signage to this device",
		Flags: []cli.Flag{
			flagDBDriver, flagDB,
			&cli.StringFlag{Name: "guest", Usage: "Guest name", Required: true},
			&cli.StringFlag{Name: "label", Usage: "Welcome label", Value: "Welcome"},
			&cli.StringFlag{Name: "subtext", Usage: "Text under the guest name"},
			&cli.StringFlag{Name: "background", Usage: "Background image URI"},
			&cli.StringFlag{Name: "layout", Usage: "landscape or portrait", Value: state.LayoutLandscape},
			&cli.BoolFlag{Name: "inactive", Usage: "Store without showing it"},
		},
		Action: func(c *cli.Context) error {
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()
			row := state.Signage{
				WelcomeLabel: c.String("label"),
				GuestName:    c.String("guest"),
				SubText:      c.String("subtext"),
				IsActive:     !c.Bool("inactive"),
				Layout:       c.String("layout"),
			}
			if bg := c.String("background"); bg != "" {
				row.BackgroundImage = sql.NullString{String: bg, Valid: true}
			}
			row, err = store.Add(c.Context, row)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, row.ID)
			return nil
		},
	}
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Change a signage on this device. Only the given flags are changed",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			flagDBDriver, flagDB,
			&cli.StringFlag{Name: "guest", Usage: "Guest name"},
			&cli.StringFlag{Name: "label", Usage: "Welcome label"},
			&cli.StringFlag{Name: "subtext", Usage: "Text under the guest name"},
			&cli.StringFlag{Name: "background", Usage: "Background image URI, empty to clear"},
			&cli.StringFlag{Name: "layout", Usage: "landscape or portrait"},
			&cli.BoolFlag{Name: "active", Usage: "Show (--active) or hide (--active=false) the signage"},
		},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("missing signage ID", 1)
			}
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()
			_, err = store.Update(c.Context, id, func(row *state.Signage) {
				if c.IsSet("guest") {
					row.GuestName = c.String("guest")
				}
				if c.IsSet("label") {
					row.WelcomeLabel = c.String("label")
				}
				if c.IsSet("subtext") {
					row.SubText = c.String("subtext")
				}
				if c.IsSet("background") {
					bg := c.String("background")
					row.BackgroundImage = sql.NullString{String: bg, Valid: bg != ""}
				}
				if c.IsSet("layout") {
					row.Layout = c.String("layout")
				}
				if c.IsSet("active") {
					row.IsActive = c.Bool("active")
				}
			})
			if errors.Is(err, state.ErrSignageNotFound) {
				return cli.Exit(fmt.Sprintf("no signage with ID %s", id), 1)
			}
			return err
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Remove a signage from this device",
		ArgsUsage: "ID",
		Flags:     []cli.Flag{flagDBDriver, flagDB},
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("missing signage ID", 1)
			}
			store, err := state.Open(c.String("db-driver"), c.String("db"))
			if err != nil {
				return err
			}
			defer store.Teardown()
			removed, err := store.Remove(c.Context, id)
			if err != nil {
				return err
			}
			if !removed {
				return cli.Exit(fmt.Sprintf("no signage with ID %s", id), 1)
			}
			return nil
		},
	}
}

func syncConfig(c *cli.Context) (pairsync.Config, error) {
	cfg := pairsync.Config{
		RelayURL:       c.String("relay"),
		ConnectTimeout: c.Duration("timeout"),
	}
	if c.IsSet("codec") {
		codec, err := transfer.ParseCodec(c.String("codec"))
		if err != nil {
			return cfg, err
		}
		cfg.Codec = codec
	}
	return cfg, nil
}

func printUpdate(u pairsync.Update) {
	l := logger.Info()
	if u.Err != nil {
		l = logger.Warn().Err(u.Err)
	}
	l.Str("status", u.Status.String()).Msg(u.Message)
}

func waitResult(ctx context.Context, m *pairsync.Machine) error {
	u, err := m.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cli.Exit("cancelled", 130)
		}
		return err
	}
	if u.Status == pairsync.StatusError {
		return cli.Exit(u.Message, 1)
	}
	return nil
}
