// Package testdb provides PostgreSQL databases for tests
// running in a testcontainers managed container.
package testdb

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/romshark/cdcrelay/db/dbpgx"
	"github.com/romshark/cdcrelay/internal/backoff"
)

const (
	image    = "postgres:17-alpine"
	user     = "testdb"
	password = "testdb"
	adminDB  = "postgres"
)

// Container is a PostgreSQL container shared by the tests of a package.
// Start it in TestMain. Tests calling NewDBPGX are skipped if the
// container couldn't be started, for example when Docker isn't available.
type Container struct {
	container *postgres.PostgresContainer
	adminDSN  string
	startErr  error
	counter   atomic.Int64
}

// Start starts the container and returns an error if that failed.
func (c *Container) Start(ctx context.Context) (err error) {
	defer func() { c.startErr = err }()
	defer func() {
		// testcontainers panics if no Docker provider can be found.
		if r := recover(); r != nil {
			err = fmt.Errorf("starting postgres container: %v", r)
		}
	}()

	c.container, err = postgres.Run(ctx, image,
		postgres.WithDatabase(adminDB),
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return fmt.Errorf("starting postgres container: %w", err)
	}
	c.adminDSN, err = c.container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("reading connection string: %w", err)
	}
	return nil
}

// Terminate stops and removes the container.
func (c *Container) Terminate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	return c.container.Terminate(ctx)
}

var nonIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)

// NewDBPGX creates a new migrated database for the given test and opens it.
func (c *Container) NewDBPGX(t testing.TB, log *slog.Logger) (db *dbpgx.DB, dsn string) {
	t.Helper()
	if c.startErr != nil || c.container == nil {
		t.Skipf("postgres container unavailable: %v", c.startErr)
	}
	ctx := t.Context()

	// Derive a unique test DB name from the test name
	name := nonIdentChars.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(name) > 40 {
		name = name[:40]
	}
	dbName := fmt.Sprintf("test_%s_%d", name, c.counter.Add(1))

	adminPool, err := pgxpool.New(ctx, c.adminDSN)
	require.NoError(t, err)
	defer adminPool.Close()

	dbNameSanitized := pgx.Identifier{dbName}.Sanitize()
	_, err = adminPool.Exec(ctx, `DROP DATABASE IF EXISTS `+dbNameSanitized)
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, `CREATE DATABASE `+dbNameSanitized)
	require.NoError(t, err)

	u, err := url.Parse(c.adminDSN)
	require.NoError(t, err)
	u.Path = "/" + dbName
	dsn = u.String()

	require.NoError(t, dbpgx.Migrate(log, dsn))

	bo, err := backoff.New(100*time.Millisecond, 300*time.Millisecond, 2.0, 0, nil)
	require.NoError(t, err)

	db, err = dbpgx.Open(ctx, log, dsn, 0, bo)
	require.NoError(t, err)

	t.Cleanup(db.Close)
	return db, dsn
}
