package cdcrelay

import (
	"fmt"
	"time"

	"github.com/romshark/cdcrelay/db"
)

// Mutation is a decoded entry of the change feed.
type Mutation struct {
	Version  int64
	RecordID string
	Kind     string
	Op       db.Op

	// Origin is the provenance of the write that produced the mutation.
	Origin      db.Origin
	LogicalTime int64

	Before *Record // nil for db.OpInsert.
	After  *Record // nil for db.OpRemove.

	Time time.Time
}

// Snapshot returns the state the mutation is about: the new image for
// inserts and modifications and the last image for removals.
func (m *Mutation) Snapshot() *Record {
	if m.Op == db.OpRemove {
		return m.Before
	}
	return m.After
}

func (c *EntityCodec) decodeMutation(d db.Mutation) (Mutation, error) {
	m := Mutation{
		Version:     d.Version,
		RecordID:    d.RecordID,
		Kind:        d.Kind,
		Op:          d.Op,
		Origin:      d.Origin,
		LogicalTime: d.LogicalTime,
		Time:        d.Time,
	}
	var err error
	if m.Before, err = c.decodeSnapshot(d.Before); err != nil {
		return Mutation{}, fmt.Errorf("decoding before image: %w", err)
	}
	if m.After, err = c.decodeSnapshot(d.After); err != nil {
		return Mutation{}, fmt.Errorf("decoding after image: %w", err)
	}
	if m.Snapshot() == nil {
		return Mutation{}, fmt.Errorf("%s mutation %d has no snapshot", m.Op, m.Version)
	}
	return m, nil
}

func (c *EntityCodec) decodeSnapshot(d *db.Record) (*Record, error) {
	if d == nil {
		return nil, nil
	}
	e, err := c.Decode(d.Kind, d.Fields)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          d.ID,
		Kind:        d.Kind,
		Entity:      e,
		LogicalTime: d.LogicalTime,
		Origin:      d.Origin,
	}, nil
}
