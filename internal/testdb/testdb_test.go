package testdb_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/romshark/cdcrelay/internal/testdb"

	"github.com/stretchr/testify/require"
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

func TestNew(t *testing.T) {
	db, dsn := con.NewDBPGX(t, slog.Default())
	row := db.QueryRow(t.Context(), `SELECT '1';`)
	var val string
	err := row.Scan(&val)
	require.NoError(t, err)
	require.Equal(t, "1", val)
	require.NotEmpty(t, dsn)

	var tables int
	err = db.QueryRow(t.Context(), `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = 'relay'
	`).Scan(&tables)
	require.NoError(t, err)
	require.Equal(t, 5, tables)
}
