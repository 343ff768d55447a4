package cdcrelay

import (
	"context"
	"fmt"

	"github.com/romshark/cdcrelay/db"
)

// Record is a decoded stored entity.
type Record struct {
	ID   string
	Kind string

	Entity Entity

	// LogicalTime is the Unix-seconds time of the last write.
	LogicalTime int64

	// Origin is the provenance of the last write.
	// It's always set explicitly by the writer and never inferred.
	Origin db.Origin
}

// Store reads and writes typed records. Every successful write appends
// exactly one mutation to the feed within the same transaction.
type Store struct {
	db    db.DB
	codec *EntityCodec
}

// NewStore creates a store over database. No more kinds can be registered
// in codec once the store is created.
func NewStore(database db.DB, codec *EntityCodec) *Store {
	codec.inUse = true
	return &Store{db: database, codec: codec}
}

// Codec returns the entity codec of the store.
func (s *Store) Codec() *EntityCodec { return s.codec }

// Get returns the record identified by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (r Record, err error) {
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		d, err := tx.ReadRecord(ctx, id)
		if err != nil {
			return err
		}
		r, err = s.decode(d)
		return err
	})
	return r, err
}

// List returns all records of kind ordered by id.
func (s *Store) List(ctx context.Context, kind string) (l []Record, err error) {
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		records, err := tx.ReadRecords(ctx, kind)
		if err != nil {
			return fmt.Errorf("reading records: %w", err)
		}
		l = make([]Record, len(records))
		for i, d := range records {
			if l[i], err = s.decode(d); err != nil {
				return err
			}
		}
		return nil
	})
	return l, err
}

// DeadLetter returns dead letter id regardless of its consumer.
func (s *Store) DeadLetter(ctx context.Context, id int64) (d db.DeadLetter, err error) {
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		d, err = tx.ReadDeadLetter(ctx, id)
		return err
	})
	return d, err
}

// Put overwrites the entity, logical time and origin of the record
// atomically and creates the record if it doesn't exist yet.
func (s *Store) Put(ctx context.Context, r Record) error {
	_, err := s.put(ctx, r, db.PutAlways)
	return err
}

// PutIfNotOlder is similar to Put but doesn't write anything and returns
// applied=false if the stored record, or the tombstone the record left when
// it was deleted, has a greater logical time than r.
func (s *Store) PutIfNotOlder(ctx context.Context, r Record) (applied bool, err error) {
	return s.put(ctx, r, db.PutIfNotOlder)
}

// Update is similar to Put but never creates the record.
// Returns ErrNotFound if no record of the same kind exists.
func (s *Store) Update(ctx context.Context, r Record) error {
	_, err := s.put(ctx, r, db.PutIfExists)
	return err
}

func (s *Store) put(ctx context.Context, r Record, cond db.PutCondition) (bool, error) {
	d, err := s.encode(r)
	if err != nil {
		return false, err
	}
	var applied bool
	err = s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		applied, err = tx.PutRecord(ctx, d, cond)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("putting record %q: %w", r.ID, err)
	}
	return applied, nil
}

// Delete removes the record of kind attributing the removal to origin
// at logicalTime. Returns ErrNotFound if no record of kind exists.
func (s *Store) Delete(
	ctx context.Context, id, kind string, origin db.Origin, logicalTime int64,
) error {
	_, err := s.delete(ctx, id, kind, origin, logicalTime, false)
	return err
}

// DeleteIfNotOlder is similar to Delete but doesn't delete anything and
// returns applied=false if the stored record has a greater logical time.
// Deleting a record that doesn't exist returns applied=false and keeps
// older writes of it from being applied later.
func (s *Store) DeleteIfNotOlder(
	ctx context.Context, id, kind string, origin db.Origin, logicalTime int64,
) (applied bool, err error) {
	return s.delete(ctx, id, kind, origin, logicalTime, true)
}

func (s *Store) delete(
	ctx context.Context, id, kind string, origin db.Origin, logicalTime int64,
	onlyIfNotOlder bool,
) (applied bool, err error) {
	switch {
	case !origin.IsValid():
		return false, fmt.Errorf("%w: invalid origin %d", ErrValidation, origin)
	case kind == "":
		return false, fmt.Errorf("%w: empty record kind", ErrValidation)
	}
	err = s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		applied, err = tx.DeleteRecord(ctx, id, kind, origin, logicalTime, onlyIfNotOlder)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("deleting record %q: %w", id, err)
	}
	return applied, nil
}

func (s *Store) encode(r Record) (db.Record, error) {
	switch {
	case r.ID == "":
		return db.Record{}, fmt.Errorf("%w: empty record id", ErrValidation)
	case !r.Origin.IsValid():
		return db.Record{}, fmt.Errorf("%w: invalid origin %d", ErrValidation, r.Origin)
	case r.Entity == nil:
		return db.Record{}, fmt.Errorf("%w: record %q has no entity", ErrValidation, r.ID)
	case r.Entity.EntityID() != r.ID:
		return db.Record{}, fmt.Errorf("%w: entity id %q doesn't match record id %q",
			ErrValidation, r.Entity.EntityID(), r.ID)
	}
	kind, err := s.codec.KindOf(r.Entity)
	if err != nil {
		return db.Record{}, err
	}
	if r.Kind != "" && r.Kind != kind {
		return db.Record{}, fmt.Errorf("%w: record kind %q doesn't match entity kind %q",
			ErrValidation, r.Kind, kind)
	}
	if err := validate(r.Entity); err != nil {
		return db.Record{}, err
	}
	fields, err := s.codec.Encode(r.Entity)
	if err != nil {
		return db.Record{}, err
	}
	return db.Record{
		ID:          r.ID,
		Kind:        kind,
		Fields:      fields,
		LogicalTime: r.LogicalTime,
		Origin:      r.Origin,
	}, nil
}

func (s *Store) decode(d db.Record) (Record, error) {
	e, err := s.codec.Decode(d.Kind, d.Fields)
	if err != nil {
		return Record{}, fmt.Errorf("decoding record %q: %w", d.ID, err)
	}
	return Record{
		ID:          d.ID,
		Kind:        d.Kind,
		Entity:      e,
		LogicalTime: d.LogicalTime,
		Origin:      d.Origin,
	}, nil
}
