// Package dbmem implements the relay's database interface in process memory.
// Read-write transactions are serialized and operate on a private copy of the
// state that replaces the committed state only when the transaction succeeds.
// It's meant for tests and local development, nothing is persisted.
package dbmem

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/romshark/cdcrelay/db"
)

var (
	_ db.DB         = new(DB)
	_ db.Listener   = new(DB)
	_ db.TxRW       = new(tx)
	_ db.TxReadOnly = new(tx)
)

type tombstone struct {
	kind        string
	logicalTime int64
}

type state struct {
	records      map[string]db.Record
	tombstones   map[string]tombstone
	mutations    []db.Mutation
	cursors      map[string]int64
	deadLetters  []db.DeadLetter
	nextDeadID   int64
	lastMutation int64
}

func (s *state) clone() *state {
	return &state{
		records:      maps.Clone(s.records),
		tombstones:   maps.Clone(s.tombstones),
		mutations:    slices.Clone(s.mutations),
		cursors:      maps.Clone(s.cursors),
		deadLetters:  slices.Clone(s.deadLetters),
		nextDeadID:   s.nextDeadID,
		lastMutation: s.lastMutation,
	}
}

// DB is an in-memory database.
type DB struct {
	lock  sync.RWMutex
	state *state
	now   func() time.Time

	listenersLock sync.Mutex
	listeners     map[chan int64]struct{}
}

// New creates a new empty in-memory database.
func New() *DB {
	return &DB{
		state: &state{
			records:    map[string]db.Record{},
			tombstones: map[string]tombstone{},
			cursors:    map[string]int64{},
		},
		now:       time.Now,
		listeners: map[chan int64]struct{}{},
	}
}

func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	return fn(ctx, &tx{s: d.state, now: d.now})
}

func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, to, err := d.commit(ctx, fn)
	if err != nil {
		return err
	}
	for v := from + 1; v <= to; v++ {
		d.notify(v)
	}
	return nil
}

func (d *DB) commit(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) (fromVersion, toVersion int64, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	fromVersion = d.state.lastMutation
	staged := d.state.clone()
	if err := fn(ctx, &tx{s: staged, now: d.now}); err != nil {
		return 0, 0, err
	}
	d.state = staged
	return fromVersion, staged.lastMutation, nil
}

// ListenMutationInserted implements db.Listener.
func (d *DB) ListenMutationInserted(
	ctx context.Context, onReady func(), onMutationInserted func(version int64) error,
) error {
	c := make(chan int64, 64)
	d.listenersLock.Lock()
	d.listeners[c] = struct{}{}
	d.listenersLock.Unlock()
	defer func() {
		d.listenersLock.Lock()
		delete(d.listeners, c)
		d.listenersLock.Unlock()
	}()

	onReady()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c:
			if err := onMutationInserted(v); err != nil {
				return err
			}
		}
	}
}

func (d *DB) notify(version int64) {
	d.listenersLock.Lock()
	defer d.listenersLock.Unlock()
	for c := range d.listeners {
		select {
		case c <- version:
		default: // Listener is lagging, it will catch up on the next sync.
		}
	}
}

type tx struct {
	lock sync.Mutex
	s    *state
	now  func() time.Time
}

func (t *tx) ReadRecord(_ context.Context, id string) (db.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	r, ok := t.s.records[id]
	if !ok {
		return db.Record{}, db.ErrNotFound
	}
	return r, nil
}

func (t *tx) ReadRecords(_ context.Context, kind string) ([]db.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	var l []db.Record
	for _, r := range t.s.records {
		if r.Kind == kind {
			l = append(l, r)
		}
	}
	slices.SortFunc(l, func(a, b db.Record) int { return cmp.Compare(a.ID, b.ID) })
	return l, nil
}

func (t *tx) ReadMutationsAfter(
	_ context.Context, afterVersion int64, buffer []db.Mutation,
) (read int, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	i, _ := slices.BinarySearchFunc(t.s.mutations, afterVersion+1,
		func(m db.Mutation, v int64) int { return cmp.Compare(m.Version, v) })
	return copy(buffer, t.s.mutations[i:]), nil
}

func (t *tx) ReadFeedVersion(context.Context) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.s.lastMutation, nil
}

func (t *tx) ReadCursor(_ context.Context, consumer string) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	v, ok := t.s.cursors[consumer]
	if !ok {
		return 0, db.ErrNotFound
	}
	return v, nil
}

func (t *tx) ReadDeadLetters(_ context.Context, consumer string) ([]db.DeadLetter, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	var l []db.DeadLetter
	for _, d := range t.s.deadLetters {
		if d.Consumer == consumer {
			l = append(l, d)
		}
	}
	return l, nil
}

func (t *tx) ReadDeadLetter(_ context.Context, id int64) (db.DeadLetter, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, d := range t.s.deadLetters {
		if d.ID == id {
			return d, nil
		}
	}
	return db.DeadLetter{}, db.ErrNotFound
}

func (t *tx) PutRecord(
	_ context.Context, r db.Record, cond db.PutCondition,
) (applied bool, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	b, exists := t.s.records[r.ID]
	switch {
	case exists && b.Kind != r.Kind:
		if cond == db.PutIfExists {
			return false, db.ErrNotFound
		}
		return false, fmt.Errorf("record %q is of kind %q, not %q",
			r.ID, b.Kind, r.Kind)
	case !exists && cond == db.PutIfExists:
		return false, db.ErrNotFound
	case exists && cond == db.PutIfNotOlder:
		if b.LogicalTime > r.LogicalTime {
			return false, nil
		}
	case !exists && cond == db.PutIfNotOlder:
		if ts, ok := t.s.tombstones[r.ID]; ok &&
			ts.kind == r.Kind && ts.logicalTime > r.LogicalTime {
			return false, nil
		}
	}

	var before *db.Record
	if exists {
		before = &b
	}
	r.Fields = slices.Clone(r.Fields)
	t.s.records[r.ID] = r
	delete(t.s.tombstones, r.ID)

	op := db.OpInsert
	if before != nil {
		op = db.OpModify
	}
	after := r
	t.appendMutation(db.Mutation{
		RecordID:    r.ID,
		Kind:        r.Kind,
		Op:          op,
		Origin:      r.Origin,
		LogicalTime: r.LogicalTime,
		Before:      before,
		After:       &after,
	})
	return true, nil
}

func (t *tx) DeleteRecord(
	_ context.Context, id, kind string, origin db.Origin, logicalTime int64,
	onlyIfNotOlder bool,
) (applied bool, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	b, ok := t.s.records[id]
	switch {
	case ok && b.Kind != kind:
		return false, db.ErrNotFound
	case !ok && onlyIfNotOlder:
		t.bury(id, kind, logicalTime)
		return false, nil
	case !ok:
		return false, db.ErrNotFound
	case onlyIfNotOlder && b.LogicalTime > logicalTime:
		return false, nil
	}
	delete(t.s.records, id)
	t.bury(id, kind, logicalTime)
	t.appendMutation(db.Mutation{
		RecordID:    id,
		Kind:        b.Kind,
		Op:          db.OpRemove,
		Origin:      origin,
		LogicalTime: logicalTime,
		Before:      &b,
	})
	return true, nil
}

// bury leaves a tombstone of id unless a newer one of the same kind exists.
func (t *tx) bury(id, kind string, logicalTime int64) {
	if ts, ok := t.s.tombstones[id]; ok &&
		ts.kind == kind && ts.logicalTime >= logicalTime {
		return
	}
	t.s.tombstones[id] = tombstone{kind: kind, logicalTime: logicalTime}
}

func (t *tx) appendMutation(m db.Mutation) {
	t.s.lastMutation++
	m.Version = t.s.lastMutation
	m.Time = t.now()
	t.s.mutations = append(t.s.mutations, m)
}

func (t *tx) InitCursor(_ context.Context, consumer string) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	v, ok := t.s.cursors[consumer]
	if !ok {
		t.s.cursors[consumer] = 0
	}
	return v, nil
}

func (t *tx) LockCursor(ctx context.Context, consumer string) (int64, error) {
	// Read-write transactions are serialized already.
	return t.ReadCursor(ctx, consumer)
}

func (t *tx) SetCursor(_ context.Context, consumer string, version int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.s.cursors[consumer]; !ok {
		return db.ErrNotFound
	}
	t.s.cursors[consumer] = version
	return nil
}

func (t *tx) AppendDeadLetter(_ context.Context, d db.DeadLetter) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.s.nextDeadID++
	d.ID = t.s.nextDeadID
	d.Time = t.now()
	t.s.deadLetters = append(t.s.deadLetters, d)
	return d.ID, nil
}

func (t *tx) DeleteDeadLetter(_ context.Context, id int64) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	i := slices.IndexFunc(t.s.deadLetters, func(d db.DeadLetter) bool {
		return d.ID == id
	})
	if i < 0 {
		return db.ErrNotFound
	}
	t.s.deadLetters = slices.Delete(t.s.deadLetters, i, i+1)
	return nil
}
