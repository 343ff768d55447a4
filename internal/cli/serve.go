package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/agency"
	"github.com/romshark/cdcrelay/bus"
	"github.com/romshark/cdcrelay/bus/natsbus"
	"github.com/romshark/cdcrelay/db/dbpgx"
	"github.com/romshark/cdcrelay/httpapi"
	"github.com/romshark/cdcrelay/internal/backoff"
	"github.com/romshark/cdcrelay/internal/config"
	"github.com/romshark/cdcrelay/internal/dedupe"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, the inbound applier and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := rootOpts.load(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return serve(log, conf, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false,
		"don't apply database migrations on startup")
	return cmd
}

func natsConfig(conf *config.Config) natsbus.Config {
	c := natsbus.DefaultConfig()
	c.URL = conf.NATS.URL
	c.Name = conf.NATS.Name
	c.Username = conf.NATS.Username
	c.Password = conf.NATS.Password
	c.Token = conf.NATS.Token
	return c
}

func newRelay(
	ctx context.Context, log *slog.Logger, conf *config.Config,
	store *cdcrelay.Store, publisher bus.Publisher,
) (*cdcrelay.Relay, error) {
	bo, err := backoff.New(conf.Relay.BackoffMin, conf.Relay.BackoffMax, 2, .1, nil)
	if err != nil {
		return nil, fmt.Errorf("relay backoff: %w", err)
	}
	return cdcrelay.NewRelay(ctx, log, store, publisher, cdcrelay.RelayConfig{
		Consumer:      conf.Relay.Consumer,
		Kinds:         conf.Relay.Kinds,
		Source:        conf.Relay.Source,
		SubjectPrefix: conf.NATS.Outbound.SubjectPrefix,
		BatchSize:     conf.Relay.BatchSize,
		Concurrency:   conf.Relay.Concurrency,
		MaxAttempts:   conf.Relay.MaxAttempts,
		Backoff:       bo,
	})
}

func newApplier(
	log *slog.Logger, conf *config.Config, store *cdcrelay.Store,
	dd cdcrelay.Deduplicator,
) (*cdcrelay.Applier, error) {
	return cdcrelay.NewApplier(log, store, cdcrelay.ApplierConfig{
		Name:   conf.NATS.Inbound.Consumer,
		Source: conf.Relay.Source,
		Kinds:  conf.Relay.Kinds,
	}, dd)
}

func serve(log *slog.Logger, conf *config.Config, migrate bool) error {
	// ctx aborts everything, ctxGraceful lets in-flight work finish.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctxGraceful, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	context.AfterFunc(ctxGraceful, func() {
		log.Info("shutting down", slog.Duration("timeout", conf.Server.ShutdownTimeout))
		time.AfterFunc(conf.Server.ShutdownTimeout, cancel)
	})

	if migrate {
		if err := dbpgx.Migrate(log, conf.Database.Postgres.DSN()); err != nil {
			return err
		}
	}

	d, store, err := openStore(ctxGraceful, log, conf)
	if err != nil {
		return err
	}
	defer d.Close()

	nc, err := natsbus.Connect(log, natsConfig(conf))
	if err != nil {
		return err
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			log.Error("draining nats connection", slog.Any("err", err))
		}
	}()

	out := conf.NATS.Outbound
	if err := nc.EnsureStream(ctxGraceful, natsbus.StreamConfig{
		Name:            out.Stream,
		Subjects:        []string{out.SubjectPrefix + ".>"},
		MaxAge:          out.MaxAge,
		DuplicateWindow: out.DuplicateWindow,
	}); err != nil {
		return err
	}

	relay, err := newRelay(ctxGraceful, log, conf, store, nc)
	if err != nil {
		return err
	}

	agencies, err := agency.NewGateway(store)
	if err != nil {
		return err
	}

	checks := map[string]httpapi.Check{
		"database": d.Ping,
		"nats": func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		},
	}

	var dd cdcrelay.Deduplicator
	if conf.Redis.Enabled {
		opt, err := redis.ParseURL(conf.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rc := redis.NewClient(opt)
		defer func() { _ = rc.Close() }()
		r := dedupe.New(rc, conf.Redis.Prefix, conf.Redis.TTL)
		if err := r.Ping(ctxGraceful); err != nil {
			return fmt.Errorf("connecting redis: %w", err)
		}
		checks["redis"], dd = r.Ping, r
	}

	g, gctx := errgroup.WithContext(ctxGraceful)

	if in := conf.NATS.Inbound; in.Enabled {
		applier, err := newApplier(log, conf, store, dd)
		if err != nil {
			return err
		}
		cc := natsbus.DefaultConsumerConfig(in.Consumer, in.FilterSubject)
		cc.AckWait = in.AckWait
		cc.MaxDeliver = in.MaxDeliver
		cc.MaxAckPending = in.MaxAckPending
		cc.NakDelay = in.NakDelay
		stop, err := nc.Consume(ctx, in.Stream, cc,
			applier.HandleMessage, applier.DeadLetter)
		if err != nil {
			return err
		}
		log.Info("consuming inbound events",
			slog.String("stream", in.Stream),
			slog.String("consumer", in.Consumer))
		g.Go(func() error {
			<-gctx.Done()
			stop()
			return nil
		})
	}

	g.Go(func() error {
		poller := cdcrelay.NewTickingPoller(conf.Relay.PollInterval)
		err := relay.Listen(ctx, gctx, poller, conf.Relay.QueueBuffer, func() {
			log.Info("relay listening",
				slog.String("stream", out.Stream),
				slog.String("consumer", conf.Relay.Consumer))
		})
		if errors.Is(err, context.Canceled) && ctxGraceful.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay: %w", err)
	})

	srv := &http.Server{
		Addr:         conf.Server.Addr,
		Handler:      httpapi.New(log, agencies, checks),
		ReadTimeout:  conf.Server.ReadTimeout,
		WriteTimeout: conf.Server.WriteTimeout,
		IdleTimeout:  conf.Server.IdleTimeout,
	}
	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancel := context.WithTimeout(ctx, conf.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
