package dbpgx_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/db/dbpgx"
	"github.com/romshark/cdcrelay/db/dbtest"
	"github.com/romshark/cdcrelay/internal/testdb"
)

var con testdb.Container

func TestMain(m *testing.M) {
	if err := con.Start(context.Background()); err != nil {
		slog.Warn("tests requiring postgres will be skipped", slog.Any("err", err))
	}
	code := m.Run()
	_ = con.Terminate(context.Background())
	os.Exit(code)
}

var discardLog = slog.New(slog.DiscardHandler)

func TestDB(t *testing.T) {
	dbtest.Run(t, func(t *testing.T) db.DB {
		d, _ := con.NewDBPGX(t, discardLog)
		return d
	})
}

func TestMigrateIdempotent(t *testing.T) {
	d, dsn := con.NewDBPGX(t, discardLog)
	require.NoError(t, dbpgx.Migrate(discardLog, dsn))
	require.NoError(t, d.Ping(t.Context()))
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	d, _ := con.NewDBPGX(t, discardLog)
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		_, err := tx.(*dbpgx.Tx).Exec(ctx, `
			INSERT INTO relay.consumer_cursors (consumer) VALUES ('x')
		`)
		return err
	})
	require.Error(t, err)
}
