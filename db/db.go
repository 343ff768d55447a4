// Package db defines the storage interfaces the relay relies on.
// A DB persists records together with an append-only mutation log
// (the change feed) and per-consumer cursors into that log.
package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record or dead letter doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps connection and transaction failures of the
	// underlying database.
	ErrUnavailable = errors.New("store unavailable")
)

// Origin is the provenance of the last write to a record.
type Origin int8

const (
	_ Origin = iota

	// OriginLocal marks values written by a local actor.
	OriginLocal

	// OriginExternal marks values written because an external event was consumed.
	OriginExternal
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginExternal:
		return "external"
	}
	return "invalid"
}

// IsValid returns false for the zero value and unknown origins.
func (o Origin) IsValid() bool { return o == OriginLocal || o == OriginExternal }

// Op is the kind of store write a mutation describes.
type Op int8

const (
	_ Op = iota
	OpInsert
	OpModify
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	}
	return "invalid"
}

// Record is a raw stored entity.
type Record struct {
	ID   string
	Kind string

	// Fields contains the entity attributes in JSON format.
	Fields []byte

	// LogicalTime is the Unix-seconds time of the last write.
	LogicalTime int64
	Origin      Origin
}

// Mutation is a raw entry of the change feed.
type Mutation struct {
	Version  int64
	RecordID string
	Kind     string
	Op       Op

	// Origin is the provenance of the write that produced this mutation.
	Origin      Origin
	LogicalTime int64

	Before *Record // nil for OpInsert.
	After  *Record // nil for OpRemove.

	// Time is the wall-clock time the mutation was committed.
	Time time.Time
}

// DeadLetter is a notification that exhausted its delivery attempts.
type DeadLetter struct {
	ID       int64
	Consumer string

	// MutationVersion is 0 for dead letters that didn't originate in the feed.
	MutationVersion int64
	RecordID        string
	Subject         string
	Payload         []byte
	Error           string
	Attempts        int
	Time            time.Time
}

type Reader interface {
	ReadRecord(ctx context.Context, id string) (Record, error)

	// ReadRecords returns all records of kind ordered by id.
	ReadRecords(ctx context.Context, kind string) ([]Record, error)

	// ReadMutationsAfter reads up to len(buffer) mutations with a version
	// greater than afterVersion in ascending version order.
	ReadMutationsAfter(
		ctx context.Context, afterVersion int64, buffer []Mutation,
	) (read int, err error)

	ReadFeedVersion(ctx context.Context) (version int64, err error)
	ReadCursor(ctx context.Context, consumer string) (version int64, err error)
	ReadDeadLetters(ctx context.Context, consumer string) ([]DeadLetter, error)
	ReadDeadLetter(ctx context.Context, id int64) (DeadLetter, error)
}

// PutCondition restricts when PutRecord writes.
type PutCondition int8

const (
	// PutAlways creates the record or overwrites it.
	PutAlways PutCondition = iota

	// PutIfNotOlder writes nothing if the stored record, or the tombstone
	// of a deleted record of the same kind, has a greater logical time.
	PutIfNotOlder

	// PutIfExists only overwrites a record of the same kind and
	// returns ErrNotFound if there is none.
	PutIfExists
)

type Writer interface {
	// PutRecord writes the record under cond, clears the tombstone of its id
	// and appends one mutation. applied is false if cond skipped the write.
	PutRecord(
		ctx context.Context, r Record, cond PutCondition,
	) (applied bool, err error)

	// DeleteRecord removes the record of kind, leaves a tombstone of it at
	// logicalTime and appends one remove mutation attributed to origin.
	// Returns ErrNotFound if no record of kind exists.
	//
	// If onlyIfNotOlder is true and the stored record has a greater logical
	// time then nothing is deleted and applied is false. If onlyIfNotOlder is
	// true and the record doesn't exist then only the tombstone is left and
	// applied is false, so that older writes arriving late are rejected.
	DeleteRecord(
		ctx context.Context, id, kind string, origin Origin, logicalTime int64,
		onlyIfNotOlder bool,
	) (applied bool, err error)

	// InitCursor prepares the cursor of consumer. New cursors start at 0.
	InitCursor(ctx context.Context, consumer string) (version int64, err error)

	// LockCursor reads the cursor of consumer and locks it until the
	// transaction ends. Returns ErrNotFound if the cursor wasn't initialized.
	LockCursor(ctx context.Context, consumer string) (version int64, err error)
	SetCursor(ctx context.Context, consumer string, version int64) error

	AppendDeadLetter(ctx context.Context, d DeadLetter) (id int64, err error)
	DeleteDeadLetter(ctx context.Context, id int64) error
}

// TxRW is a read-write transaction.
type TxRW interface {
	Reader
	Writer
}

// TxReadOnly is a read-only transaction.
type TxReadOnly interface {
	Reader
}

// Listener is listening for mutation insertion notifications.
// This interface may be implemented optionally. If not implemented
// the relay will rely on polling.
type Listener interface {
	// ListenMutationInserted calls onReady once it's listening and
	// onMutationInserted every time a new mutation was committed.
	ListenMutationInserted(
		ctx context.Context,
		onReady func(),
		onMutationInserted func(version int64) error,
	) error
}

type DB interface {
	// TxReadOnly starts a read-only transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	TxReadOnly(
		ctx context.Context,
		fn func(ctx context.Context, tx TxReadOnly) error,
	) error

	// TxRW starts a read-write transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	TxRW(
		ctx context.Context,
		fn func(ctx context.Context, tx TxRW) error,
	) error
}
