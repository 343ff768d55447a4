// Package dbpgx implements the relay's database interface with a PostgreSQL
// over a jackc/pgx/v5 SQL driver based implementation.
package dbpgx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/internal/backoff"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelMutationInserted is the LISTEN/NOTIFY channel carrying the version
// of every committed mutation.
const ChannelMutationInserted = "mutation_inserted"

// lockKeyMutationAppend is the transaction-level advisory lock key that
// serializes mutation appends so versions become visible in commit order.
const lockKeyMutationAppend int64 = 0x6364_6372_656c_6179

var defaultBackoff backoff.Backoff

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

func init() {
	var err error
	defaultBackoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
	if err != nil {
		panic(fmt.Errorf("init default backoff: %w", err))
	}
}

// DB is a pgx connection pool that implements the relay's DB interface.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
	_ db.DB         = new(DB)
	_ db.Listener   = new(DB)
)

// Open connects to the database using pgx. It will ping and retry until either
// a successful connection is established or ctx is canceled.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*DB, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewAtomic(backoffConf).Iter() {
		if err := backoff.Sleep(ctx, dur); err != nil { // First is always 0.
			return nil, fmt.Errorf("connecting database timed out: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	return &DB{log: log, pool: pool}, nil
}

// Ping checks whether the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", db.ErrUnavailable, err)
	}
	return nil
}

type Tx struct {
	lock sync.Mutex
	tx   pgx.Tx
}

const selectRecord = `
	SELECT id, kind, fields, logical_time, origin FROM relay.records
`

func scanRecord(row pgx.Row) (r db.Record, err error) {
	err = row.Scan(&r.ID, &r.Kind, &r.Fields, &r.LogicalTime, &r.Origin)
	return r, err
}

func (t *Tx) ReadRecord(ctx context.Context, id string) (db.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	r, err := scanRecord(t.tx.QueryRow(ctx, selectRecord+`WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Record{}, db.ErrNotFound
		}
		return db.Record{}, fmt.Errorf("querying record: %w", err)
	}
	return r, nil
}

func (t *Tx) ReadRecords(ctx context.Context, kind string) ([]db.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	rows, err := t.tx.Query(ctx, selectRecord+`WHERE kind=$1 ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()
	var records []db.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return records, nil
}

func (t *Tx) ReadMutationsAfter(
	ctx context.Context, afterVersion int64, buffer []db.Mutation,
) (read int, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if len(buffer) < 1 {
		return 0, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT
			version, record_id, kind, op, origin, logical_time,
			before_fields, before_logical_time, before_origin,
			after_fields, after_logical_time, after_origin,
			time
		FROM relay.mutations
		WHERE version > $1
		ORDER BY version ASC
		LIMIT $2
	`, afterVersion, len(buffer))
	if err != nil {
		return 0, fmt.Errorf("querying mutations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m                     db.Mutation
			beforeFields          []byte
			afterFields           []byte
			beforeLT, afterLT     *int64
			beforeOrig, afterOrig *db.Origin
		)
		if err := rows.Scan(
			&m.Version, &m.RecordID, &m.Kind, &m.Op, &m.Origin, &m.LogicalTime,
			&beforeFields, &beforeLT, &beforeOrig,
			&afterFields, &afterLT, &afterOrig,
			&m.Time,
		); err != nil {
			return 0, fmt.Errorf("scanning row: %w", err)
		}
		m.Before = snapshot(m.RecordID, m.Kind, beforeFields, beforeLT, beforeOrig)
		m.After = snapshot(m.RecordID, m.Kind, afterFields, afterLT, afterOrig)
		buffer[read] = m
		read++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}
	return read, nil
}

func snapshot(
	id, kind string, fields []byte, logicalTime *int64, origin *db.Origin,
) *db.Record {
	if fields == nil {
		return nil
	}
	r := &db.Record{ID: id, Kind: kind, Fields: fields}
	if logicalTime != nil {
		r.LogicalTime = *logicalTime
	}
	if origin != nil {
		r.Origin = *origin
	}
	return r
}

func (t *Tx) ReadFeedVersion(ctx context.Context) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM relay.mutations
	`).Scan(&version)
	return version, err
}

func (t *Tx) ReadCursor(ctx context.Context, consumer string) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT version FROM relay.consumer_cursors WHERE consumer=$1
	`, consumer).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, db.ErrNotFound
	}
	return version, err
}

func (t *Tx) ReadDeadLetters(
	ctx context.Context, consumer string,
) ([]db.DeadLetter, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	rows, err := t.tx.Query(ctx, selectDeadLetter+`
		WHERE consumer=$1 ORDER BY id
	`, consumer)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()
	var l []db.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		l = append(l, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return l, nil
}

func (t *Tx) ReadDeadLetter(ctx context.Context, id int64) (db.DeadLetter, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	d, err := scanDeadLetter(t.tx.QueryRow(ctx, selectDeadLetter+`WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.DeadLetter{}, db.ErrNotFound
	}
	return d, err
}

const selectDeadLetter = `
	SELECT
		id, consumer, mutation_version, record_id, subject,
		payload, error, attempts, time
	FROM relay.dead_letters
`

func scanDeadLetter(row pgx.Row) (d db.DeadLetter, err error) {
	err = row.Scan(
		&d.ID, &d.Consumer, &d.MutationVersion, &d.RecordID, &d.Subject,
		&d.Payload, &d.Error, &d.Attempts, &d.Time,
	)
	return d, err
}

func (t *Tx) PutRecord(
	ctx context.Context, r db.Record, cond db.PutCondition,
) (applied bool, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.lockMutationAppend(ctx); err != nil {
		return false, err
	}

	before, err := t.readRecordForUpdate(ctx, r.ID)
	if err != nil {
		return false, err
	}
	switch {
	case before != nil && before.Kind != r.Kind:
		if cond == db.PutIfExists {
			return false, db.ErrNotFound
		}
		return false, fmt.Errorf("record %q is of kind %q, not %q",
			r.ID, before.Kind, r.Kind)
	case before == nil && cond == db.PutIfExists:
		return false, db.ErrNotFound
	case before != nil && cond == db.PutIfNotOlder:
		if before.LogicalTime > r.LogicalTime {
			return false, nil
		}
	case before == nil && cond == db.PutIfNotOlder:
		buried, err := t.buriedAfter(ctx, r.ID, r.Kind, r.LogicalTime)
		if err != nil {
			return false, err
		}
		if buried {
			return false, nil
		}
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO relay.records (id, kind, fields, logical_time, origin)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			fields=EXCLUDED.fields,
			logical_time=EXCLUDED.logical_time,
			origin=EXCLUDED.origin
	`, r.ID, r.Kind, r.Fields, r.LogicalTime, r.Origin)
	if err != nil {
		return false, fmt.Errorf("upserting record: %w", err)
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM relay.tombstones WHERE id=$1`, r.ID)
	if err != nil {
		return false, fmt.Errorf("deleting tombstone: %w", err)
	}

	op := db.OpInsert
	if before != nil {
		op = db.OpModify
	}
	err = t.appendMutation(ctx, db.Mutation{
		RecordID:    r.ID,
		Kind:        r.Kind,
		Op:          op,
		Origin:      r.Origin,
		LogicalTime: r.LogicalTime,
		Before:      before,
		After:       &r,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tx) DeleteRecord(
	ctx context.Context, id, kind string, origin db.Origin, logicalTime int64,
	onlyIfNotOlder bool,
) (applied bool, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.lockMutationAppend(ctx); err != nil {
		return false, err
	}

	before, err := t.readRecordForUpdate(ctx, id)
	if err != nil {
		return false, err
	}
	switch {
	case before != nil && before.Kind != kind:
		return false, db.ErrNotFound
	case before == nil && onlyIfNotOlder:
		return false, t.bury(ctx, id, kind, logicalTime)
	case before == nil:
		return false, db.ErrNotFound
	case onlyIfNotOlder && before.LogicalTime > logicalTime:
		return false, nil
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM relay.records WHERE id=$1`, id); err != nil {
		return false, fmt.Errorf("deleting record: %w", err)
	}
	if err := t.bury(ctx, id, kind, logicalTime); err != nil {
		return false, err
	}
	err = t.appendMutation(ctx, db.Mutation{
		RecordID:    id,
		Kind:        before.Kind,
		Op:          db.OpRemove,
		Origin:      origin,
		LogicalTime: logicalTime,
		Before:      before,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// bury leaves a tombstone of id unless a newer one of the same kind exists.
func (t *Tx) bury(ctx context.Context, id, kind string, logicalTime int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO relay.tombstones (id, kind, logical_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			kind=EXCLUDED.kind,
			logical_time=EXCLUDED.logical_time
		WHERE relay.tombstones.kind <> EXCLUDED.kind
			OR relay.tombstones.logical_time < EXCLUDED.logical_time
	`, id, kind, logicalTime)
	if err != nil {
		return fmt.Errorf("upserting tombstone: %w", err)
	}
	return nil
}

// buriedAfter reports whether a tombstone of the deleted record id of kind
// has a logical time greater than logicalTime.
func (t *Tx) buriedAfter(
	ctx context.Context, id, kind string, logicalTime int64,
) (buried bool, err error) {
	err = t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relay.tombstones
			WHERE id=$1 AND kind=$2 AND logical_time>$3
		)
	`, id, kind, logicalTime).Scan(&buried)
	if err != nil {
		return false, fmt.Errorf("querying tombstone: %w", err)
	}
	return buried, nil
}

func (t *Tx) lockMutationAppend(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKeyMutationAppend)
	if err != nil {
		return fmt.Errorf("acquiring mutation append lock: %w", err)
	}
	return nil
}

func (t *Tx) readRecordForUpdate(ctx context.Context, id string) (*db.Record, error) {
	r, err := scanRecord(t.tx.QueryRow(ctx, selectRecord+`WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying record for update: %w", err)
	}
	return &r, nil
}

// appendMutation inserts m into the feed and notifies listeners.
// The notification is delivered by PostgreSQL once the transaction commits.
func (t *Tx) appendMutation(ctx context.Context, m db.Mutation) error {
	var (
		beforeFields, afterFields []byte
		beforeLT, afterLT         *int64
		beforeOrig, afterOrig     *db.Origin
	)
	if b := m.Before; b != nil {
		beforeFields, beforeLT, beforeOrig = b.Fields, &b.LogicalTime, &b.Origin
	}
	if a := m.After; a != nil {
		afterFields, afterLT, afterOrig = a.Fields, &a.LogicalTime, &a.Origin
	}
	var version int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO relay.mutations (
			record_id, kind, op, origin, logical_time,
			before_fields, before_logical_time, before_origin,
			after_fields, after_logical_time, after_origin
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING version
	`,
		m.RecordID, m.Kind, m.Op, m.Origin, m.LogicalTime,
		beforeFields, beforeLT, beforeOrig,
		afterFields, afterLT, afterOrig,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("appending mutation: %w", err)
	}
	_, err = t.tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		ChannelMutationInserted, strconv.FormatInt(version, 10))
	if err != nil {
		return fmt.Errorf("notifying %s: %w", ChannelMutationInserted, err)
	}
	return nil
}

func (t *Tx) InitCursor(
	ctx context.Context, consumer string,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err = t.tx.Exec(ctx, `
		INSERT INTO relay.consumer_cursors (consumer, version) VALUES ($1, 0)
		ON CONFLICT (consumer) DO NOTHING
	`, consumer)
	if err != nil {
		return 0, fmt.Errorf("creating consumer_cursors row for %q: %w",
			consumer, err)
	}
	err = t.tx.QueryRow(ctx,
		`SELECT version FROM relay.consumer_cursors WHERE consumer = $1`,
		consumer,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("retrieving cursor for consumer %q: %w", consumer, err)
	}
	return version, nil
}

func (t *Tx) LockCursor(
	ctx context.Context, consumer string,
) (version int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT version FROM relay.consumer_cursors WHERE consumer=$1 FOR UPDATE
	`, consumer).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, db.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("locking cursor of consumer %q: %w", consumer, err)
	}
	return version, nil
}

func (t *Tx) SetCursor(ctx context.Context, consumer string, version int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	tag, err := t.tx.Exec(ctx, `
		UPDATE relay.consumer_cursors SET version=$1 WHERE consumer=$2
	`, version, consumer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (t *Tx) AppendDeadLetter(
	ctx context.Context, d db.DeadLetter,
) (id int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if d.Payload == nil {
		d.Payload = []byte{} // Column is NOT NULL.
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO relay.dead_letters (
			consumer, mutation_version, record_id, subject,
			payload, error, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		d.Consumer, d.MutationVersion, d.RecordID, d.Subject,
		d.Payload, d.Error, d.Attempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting dead letter: %w", err)
	}
	return id, nil
}

func (t *Tx) DeleteDeadLetter(ctx context.Context, id int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	tag, err := t.tx.Exec(ctx, `DELETE FROM relay.dead_letters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("deleting dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (t *Tx) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tx.Exec(ctx, sql, args...)
}

func (d *DB) ListenMutationInserted(
	ctx context.Context, onReady func(), onMutationInserted func(version int64) error,
) error {
	// Dedicated connection from the pool.
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection from pool: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `LISTEN `+pgx.Identifier{ChannelMutationInserted}.Sanitize())
	if err != nil {
		return fmt.Errorf("executing listen: %w", err)
	}

	onReady()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		version, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			return fmt.Errorf("bad payload in notification on %s: %q",
				ChannelMutationInserted, n.Payload)
		}
		if err := onMutationInserted(version); err != nil {
			return err
		}
	}
}

// TxRW starts a new read-write transaction and executes fn inside of it.
// If fn returns an error or panic occurs, the transaction is rolled back,
// otherwise it is committed.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, pgx.ReadWrite, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, pgx.ReadOnly, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, mode pgx.TxAccessMode, fn func(context.Context, *Tx) error,
) (err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: mode,
	})
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %w", db.ErrUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(ctx); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rb := tx.Rollback(ctx); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing transaction: %w", db.ErrUnavailable, err)
	}
	return nil
}

func (d *DB) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	return d.pool.Exec(ctx, sql, args...)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

func (d *DB) Close() {
	d.pool.Close()
}
