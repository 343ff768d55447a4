// Package cli implements the cdcrelay command line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/agency"
	"github.com/romshark/cdcrelay/db/dbpgx"
	"github.com/romshark/cdcrelay/internal/config"
	"github.com/romshark/cdcrelay/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command of the cdcrelay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cdcrelay",
		Short: "Relay agency changes between PostgreSQL and NATS JetStream",
		Long: `cdcrelay publishes an event for every local agency change and applies
agency events published by partner systems without echoing them back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "",
		"path to the config file (env CDCRELAY_* overrides it)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))

	return cmd
}

// load reads the configuration and creates the logger writing to w.
func (o *RootOptions) load(w io.Writer) (*config.Config, *slog.Logger, error) {
	conf, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := logging.New(w, conf.Logging.Level, conf.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

// openStore connects the database and creates the store with all known
// entity kinds registered.
func openStore(
	ctx context.Context, log *slog.Logger, conf *config.Config,
) (*dbpgx.DB, *cdcrelay.Store, error) {
	d, err := dbpgx.Open(ctx, log, conf.Database.Postgres.DSN(),
		conf.Database.Postgres.MaxConns, dbpgx.DefaultBackoff())
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	codec := cdcrelay.NewEntityCodec()
	agency.Register(codec)
	return d, cdcrelay.NewStore(d, codec), nil
}
