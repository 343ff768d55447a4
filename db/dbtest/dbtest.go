// Package dbtest provides a test suite every db.DB implementation must pass.
package dbtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay/db"
)

// Run runs the suite against fresh databases created by newDB.
func Run(t *testing.T, newDB func(t *testing.T) db.DB) {
	t.Run("PutRecord", func(t *testing.T) { testPutRecord(t, newDB(t)) })
	t.Run("PutRecordIfNotOlder", func(t *testing.T) { testPutRecordIfNotOlder(t, newDB(t)) })
	t.Run("PutRecordKindMismatch", func(t *testing.T) { testPutRecordKindMismatch(t, newDB(t)) })
	t.Run("PutRecordIfExists", func(t *testing.T) { testPutRecordIfExists(t, newDB(t)) })
	t.Run("DeleteRecord", func(t *testing.T) { testDeleteRecord(t, newDB(t)) })
	t.Run("DeleteRecordKindMismatch", func(t *testing.T) {
		testDeleteRecordKindMismatch(t, newDB(t))
	})
	t.Run("Tombstone", func(t *testing.T) { testTombstone(t, newDB(t)) })
	t.Run("ReadRecords", func(t *testing.T) { testReadRecords(t, newDB(t)) })
	t.Run("ReadMutationsAfter", func(t *testing.T) { testReadMutationsAfter(t, newDB(t)) })
	t.Run("Cursor", func(t *testing.T) { testCursor(t, newDB(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, newDB(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newDB(t)) })
	t.Run("Listener", func(t *testing.T) { testListener(t, newDB(t)) })
}

func record(id, fields string, logicalTime int64, origin db.Origin) db.Record {
	return db.Record{
		ID:          id,
		Kind:        "Agency",
		Fields:      []byte(fields),
		LogicalTime: logicalTime,
		Origin:      origin,
	}
}

func put(t *testing.T, d db.DB, r db.Record, cond db.PutCondition) (applied bool) {
	t.Helper()
	applied, err := tryPut(t, d, r, cond)
	require.NoError(t, err)
	return applied
}

func tryPut(
	t *testing.T, d db.DB, r db.Record, cond db.PutCondition,
) (applied bool, err error) {
	t.Helper()
	err = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		applied, err = tx.PutRecord(ctx, r, cond)
		return err
	})
	return applied, err
}

func del(
	t *testing.T, d db.DB, id, kind string, origin db.Origin, logicalTime int64,
	onlyIfNotOlder bool,
) (applied bool, err error) {
	t.Helper()
	err = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		applied, err = tx.DeleteRecord(ctx, id, kind, origin, logicalTime, onlyIfNotOlder)
		return err
	})
	return applied, err
}

func mutations(t *testing.T, d db.DB, after int64, limit int) []db.Mutation {
	t.Helper()
	buf := make([]db.Mutation, limit)
	var read int
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		read, err = tx.ReadMutationsAfter(ctx, after, buf)
		return err
	})
	require.NoError(t, err)
	return buf[:read]
}

func feedVersion(t *testing.T, d db.DB) (v int64) {
	t.Helper()
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		v, err = tx.ReadFeedVersion(ctx)
		return err
	})
	require.NoError(t, err)
	return v
}

func readRecord(t *testing.T, d db.DB, id string) (r db.Record, err error) {
	t.Helper()
	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		r, err = tx.ReadRecord(ctx, id)
		return err
	})
	return r, err
}

func testPutRecord(t *testing.T, d db.DB) {
	require.Zero(t, feedVersion(t, d))
	_, err := readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)

	require.True(t, put(t, d, record("a", `{"name":"A"}`, 10, db.OriginLocal), db.PutAlways))
	require.True(t, put(t, d, record("a", `{"name":"A2"}`, 11, db.OriginExternal), db.PutAlways))

	r, err := readRecord(t, d, "a")
	require.NoError(t, err)
	require.Equal(t, "Agency", r.Kind)
	require.JSONEq(t, `{"name":"A2"}`, string(r.Fields))
	require.Equal(t, int64(11), r.LogicalTime)
	require.Equal(t, db.OriginExternal, r.Origin)

	require.Equal(t, int64(2), feedVersion(t, d))
	l := mutations(t, d, 0, 10)
	require.Len(t, l, 2)

	require.Equal(t, int64(1), l[0].Version)
	require.Equal(t, "a", l[0].RecordID)
	require.Equal(t, "Agency", l[0].Kind)
	require.Equal(t, db.OpInsert, l[0].Op)
	require.Equal(t, db.OriginLocal, l[0].Origin)
	require.Equal(t, int64(10), l[0].LogicalTime)
	require.Nil(t, l[0].Before)
	require.NotNil(t, l[0].After)
	require.JSONEq(t, `{"name":"A"}`, string(l[0].After.Fields))
	require.False(t, l[0].Time.IsZero())

	require.Equal(t, int64(2), l[1].Version)
	require.Equal(t, db.OpModify, l[1].Op)
	require.Equal(t, db.OriginExternal, l[1].Origin)
	require.NotNil(t, l[1].Before)
	require.JSONEq(t, `{"name":"A"}`, string(l[1].Before.Fields))
	require.Equal(t, int64(10), l[1].Before.LogicalTime)
	require.Equal(t, db.OriginLocal, l[1].Before.Origin)
	require.JSONEq(t, `{"name":"A2"}`, string(l[1].After.Fields))
	require.Equal(t, db.OriginExternal, l[1].After.Origin)
}

func testPutRecordIfNotOlder(t *testing.T, d db.DB) {
	require.True(t, put(t, d, record("a", `{"v":1}`, 10, db.OriginLocal), db.PutIfNotOlder))
	require.False(t, put(t, d, record("a", `{"v":2}`, 9, db.OriginExternal), db.PutIfNotOlder))
	require.True(t, put(t, d, record("a", `{"v":3}`, 10, db.OriginExternal), db.PutIfNotOlder))

	// Unconditional writes ignore the logical time.
	require.True(t, put(t, d, record("a", `{"v":4}`, 1, db.OriginLocal), db.PutAlways))

	r, err := readRecord(t, d, "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":4}`, string(r.Fields))
	require.Equal(t, int64(3), feedVersion(t, d))
}

func testPutRecordKindMismatch(t *testing.T, d db.DB) {
	put(t, d, record("a", `{}`, 1, db.OriginLocal), db.PutAlways)
	r := record("a", `{}`, 2, db.OriginLocal)
	r.Kind = "Invoice"
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.PutRecord(ctx, r, db.PutAlways)
		return err
	})
	require.Error(t, err)
	require.Equal(t, int64(1), feedVersion(t, d))
}

func testDeleteRecord(t *testing.T, d db.DB) {
	_, err := del(t, d, "a", "Agency", db.OriginLocal, 1, false)
	require.ErrorIs(t, err, db.ErrNotFound)

	put(t, d, record("a", `{"name":"A"}`, 10, db.OriginExternal), db.PutAlways)

	applied, err := del(t, d, "a", "Agency", db.OriginExternal, 9, true)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = del(t, d, "a", "Agency", db.OriginLocal, 12, true)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)

	l := mutations(t, d, 1, 10)
	require.Len(t, l, 1)
	m := l[0]
	require.Equal(t, db.OpRemove, m.Op)
	require.Equal(t, "Agency", m.Kind)
	require.Equal(t, db.OriginLocal, m.Origin)
	require.Equal(t, int64(12), m.LogicalTime)
	require.Nil(t, m.After)
	require.NotNil(t, m.Before)
	require.JSONEq(t, `{"name":"A"}`, string(m.Before.Fields))
	require.Equal(t, db.OriginExternal, m.Before.Origin)
}

func testDeleteRecordKindMismatch(t *testing.T, d db.DB) {
	put(t, d, record("a", `{"name":"A"}`, 10, db.OriginLocal), db.PutAlways)

	_, err := del(t, d, "a", "Invoice", db.OriginLocal, 20, false)
	require.ErrorIs(t, err, db.ErrNotFound)
	_, err = del(t, d, "a", "Invoice", db.OriginExternal, 20, true)
	require.ErrorIs(t, err, db.ErrNotFound)

	r, err := readRecord(t, d, "a")
	require.NoError(t, err)
	require.Equal(t, "Agency", r.Kind)
	require.Equal(t, int64(1), feedVersion(t, d))
}

func testTombstone(t *testing.T, d db.DB) {
	put(t, d, record("a", `{"v":1}`, 100, db.OriginExternal), db.PutIfNotOlder)
	applied, err := del(t, d, "a", "Agency", db.OriginExternal, 200, true)
	require.NoError(t, err)
	require.True(t, applied)

	// Writes older than the delete are rejected.
	require.False(t, put(t, d, record("a", `{"v":1}`, 100, db.OriginExternal), db.PutIfNotOlder))
	require.False(t, put(t, d, record("a", `{"v":2}`, 199, db.OriginExternal), db.PutIfNotOlder))
	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)
	require.Equal(t, int64(2), feedVersion(t, d))

	// A tombstone of another kind doesn't apply.
	other := record("a", `{}`, 150, db.OriginExternal)
	other.Kind = "Invoice"
	require.True(t, put(t, d, other, db.PutIfNotOlder))
	_, err = del(t, d, "a", "Invoice", db.OriginExternal, 160, false)
	require.NoError(t, err)

	// A delete of a record that doesn't exist yet leaves a tombstone
	// that rejects the older create arriving after it.
	applied, err = del(t, d, "b", "Agency", db.OriginExternal, 50, true)
	require.NoError(t, err)
	require.False(t, applied)
	require.False(t, put(t, d, record("b", `{}`, 40, db.OriginExternal), db.PutIfNotOlder))
	// An older delete doesn't move the tombstone back.
	_, err = del(t, d, "b", "Agency", db.OriginExternal, 10, true)
	require.NoError(t, err)
	require.False(t, put(t, d, record("b", `{}`, 40, db.OriginExternal), db.PutIfNotOlder))

	// Writes at or after the delete recreate the record and clear the tombstone.
	require.True(t, put(t, d, record("b", `{"v":1}`, 50, db.OriginExternal), db.PutIfNotOlder))
	_, err = del(t, d, "b", "Agency", db.OriginLocal, 60, false)
	require.NoError(t, err)
	require.True(t, put(t, d, record("b", `{"v":2}`, 70, db.OriginExternal), db.PutIfNotOlder))
	r, err := readRecord(t, d, "b")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(r.Fields))

	// Unconditional writes ignore tombstones.
	_, err = del(t, d, "b", "Agency", db.OriginLocal, 80, false)
	require.NoError(t, err)
	require.True(t, put(t, d, record("b", `{"v":3}`, 1, db.OriginLocal), db.PutAlways))
	require.True(t, put(t, d, record("b", `{"v":4}`, 2, db.OriginExternal), db.PutIfNotOlder))
}

func testPutRecordIfExists(t *testing.T, d db.DB) {
	_, err := tryPut(t, d, record("a", `{}`, 1, db.OriginLocal), db.PutIfExists)
	require.ErrorIs(t, err, db.ErrNotFound)
	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)
	require.Zero(t, feedVersion(t, d))

	put(t, d, record("a", `{"v":1}`, 1, db.OriginLocal), db.PutAlways)
	require.True(t, put(t, d, record("a", `{"v":2}`, 2, db.OriginLocal), db.PutIfExists))

	other := record("a", `{}`, 3, db.OriginLocal)
	other.Kind = "Invoice"
	_, err = tryPut(t, d, other, db.PutIfExists)
	require.ErrorIs(t, err, db.ErrNotFound)

	_, err = del(t, d, "a", "Agency", db.OriginLocal, 4, false)
	require.NoError(t, err)
	_, err = tryPut(t, d, record("a", `{"v":3}`, 5, db.OriginLocal), db.PutIfExists)
	require.ErrorIs(t, err, db.ErrNotFound)

	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)
	l := mutations(t, d, 0, 10)
	require.Len(t, l, 3)
	require.Equal(t, db.OpInsert, l[0].Op)
	require.Equal(t, db.OpModify, l[1].Op)
	require.Equal(t, db.OpRemove, l[2].Op)
}

func testReadRecords(t *testing.T, d db.DB) {
	put(t, d, record("c", `{}`, 1, db.OriginLocal), db.PutAlways)
	put(t, d, record("a", `{}`, 1, db.OriginLocal), db.PutAlways)
	other := record("b", `{}`, 1, db.OriginLocal)
	other.Kind = "Invoice"
	put(t, d, other, db.PutAlways)

	var l []db.Record
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		l, err = tx.ReadRecords(ctx, "Agency")
		return err
	})
	require.NoError(t, err)
	require.Len(t, l, 2)
	require.Equal(t, "a", l[0].ID)
	require.Equal(t, "c", l[1].ID)
}

func testReadMutationsAfter(t *testing.T, d db.DB) {
	for i := range 5 {
		put(t, d, record("a", `{}`, int64(i), db.OriginLocal), db.PutAlways)
	}
	l := mutations(t, d, 0, 2)
	require.Len(t, l, 2)
	require.Equal(t, int64(1), l[0].Version)
	require.Equal(t, int64(2), l[1].Version)

	l = mutations(t, d, 3, 10)
	require.Len(t, l, 2)
	require.Equal(t, int64(4), l[0].Version)
	require.Equal(t, int64(5), l[1].Version)

	require.Empty(t, mutations(t, d, 5, 10))
}

func testCursor(t *testing.T, d db.DB) {
	ctx := t.Context()
	err := d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		_, err := tx.ReadCursor(ctx, "c")
		return err
	})
	require.ErrorIs(t, err, db.ErrNotFound)

	err = d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.LockCursor(ctx, "c")
		require.ErrorIs(t, err, db.ErrNotFound)
		require.ErrorIs(t, tx.SetCursor(ctx, "c", 1), db.ErrNotFound)

		v, err := tx.InitCursor(ctx, "c")
		require.NoError(t, err)
		require.Zero(t, v)
		return tx.SetCursor(ctx, "c", 42)
	})
	require.NoError(t, err)

	err = d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		v, err := tx.InitCursor(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, int64(42), v)

		v, err = tx.LockCursor(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, int64(42), v)
		return nil
	})
	require.NoError(t, err)
}

func testDeadLetters(t *testing.T, d db.DB) {
	ctx := t.Context()
	var ids []int64
	err := d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		for _, consumer := range []string{"a", "b", "a"} {
			id, err := tx.AppendDeadLetter(ctx, db.DeadLetter{
				Consumer:        consumer,
				MutationVersion: 7,
				RecordID:        "agency_1",
				Subject:         "cdcrelay.agency.created",
				Payload:         []byte(`{"type":"AgencyCreated"}`),
				Error:           "broker unavailable",
				Attempts:        3,
			})
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		// Dead letters without payload are accepted.
		_, err := tx.AppendDeadLetter(ctx, db.DeadLetter{Consumer: "c", Error: "x"})
		return err
	})
	require.NoError(t, err)

	var l []db.DeadLetter
	err = d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		l, err = tx.ReadDeadLetters(ctx, "a")
		return err
	})
	require.NoError(t, err)
	require.Len(t, l, 2)
	require.Equal(t, ids[0], l[0].ID)
	require.Equal(t, ids[2], l[1].ID)
	require.Equal(t, "a", l[0].Consumer)
	require.Equal(t, int64(7), l[0].MutationVersion)
	require.Equal(t, "agency_1", l[0].RecordID)
	require.Equal(t, "cdcrelay.agency.created", l[0].Subject)
	require.Equal(t, `{"type":"AgencyCreated"}`, string(l[0].Payload))
	require.Equal(t, "broker unavailable", l[0].Error)
	require.Equal(t, 3, l[0].Attempts)
	require.False(t, l[0].Time.IsZero())

	err = d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		if err := tx.DeleteDeadLetter(ctx, ids[1]); err != nil {
			return err
		}
		require.ErrorIs(t, tx.DeleteDeadLetter(ctx, ids[1]), db.ErrNotFound)
		_, err := tx.ReadDeadLetter(ctx, ids[1])
		require.ErrorIs(t, err, db.ErrNotFound)

		dl, err := tx.ReadDeadLetter(ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, "a", dl.Consumer)
		return nil
	})
	require.NoError(t, err)
}

func testRollback(t *testing.T, d db.DB) {
	errTest := errors.New("test")
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		if _, err := tx.PutRecord(ctx, record("a", `{}`, 1, db.OriginLocal), db.PutAlways); err != nil {
			return err
		}
		if _, err := tx.InitCursor(ctx, "c"); err != nil {
			return err
		}
		return errTest
	})
	require.ErrorIs(t, err, errTest)

	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)
	require.Zero(t, feedVersion(t, d))

	require.Panics(t, func() {
		_ = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
			_, _ = tx.PutRecord(ctx, record("a", `{}`, 1, db.OriginLocal), db.PutAlways)
			panic("test")
		})
	})
	_, err = readRecord(t, d, "a")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func testListener(t *testing.T, d db.DB) {
	l, ok := d.(db.Listener)
	if !ok {
		t.Skip("database doesn't implement db.Listener")
	}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	ready := make(chan struct{})
	versions := make(chan int64, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- l.ListenMutationInserted(ctx,
			func() { close(ready) },
			func(version int64) error {
				versions <- version
				return nil
			})
	}()
	<-ready

	put(t, d, record("a", `{}`, 1, db.OriginLocal), db.PutAlways)
	put(t, d, record("b", `{}`, 1, db.OriginLocal), db.PutAlways)

	for _, expect := range []int64{1, 2} {
		select {
		case v := <-versions:
			require.Equal(t, expect, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("no notification for version %d", expect)
		}
	}

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}
