package cli

import (
	"github.com/spf13/cobra"

	"github.com/romshark/cdcrelay/db/dbpgx"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return dbpgx.Migrate(log, conf.Database.Postgres.DSN())
		},
	}
}
