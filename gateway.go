package cdcrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/internal/metrics"
)

// Gateway is the entry point for local writes of entities of type T.
// Every write is attributed to db.OriginLocal at the current Unix time.
// Gateway is the only component minting record ids.
type Gateway[T Entity] struct {
	store    *Store
	kind     string
	idPrefix string
	now      func() time.Time
}

// NewGateway creates a gateway for the kind T is registered under.
// Minted ids have the form "<idPrefix>_<uuid>".
func NewGateway[T Entity](store *Store, idPrefix string) (*Gateway[T], error) {
	var zero T
	kind, err := store.codec.KindOf(zero)
	if err != nil {
		return nil, err
	}
	if idPrefix == "" {
		return nil, fmt.Errorf("empty id prefix for kind %q", kind)
	}
	return &Gateway[T]{
		store:    store,
		kind:     kind,
		idPrefix: idPrefix,
		now:      time.Now,
	}, nil
}

// Kind returns the record kind of T.
func (g *Gateway[T]) Kind() string { return g.kind }

// Create assigns a new id to e and stores it.
func (g *Gateway[T]) Create(ctx context.Context, e T) (id string, err error) {
	defer func() { g.count("create", err) }()
	id = g.idPrefix + "_" + uuid.NewString()
	e.SetEntityID(id)
	if err := validate(e); err != nil {
		return "", err
	}
	err = g.store.Put(ctx, Record{
		ID:          id,
		Kind:        g.kind,
		Entity:      e,
		LogicalTime: g.now().Unix(),
		Origin:      db.OriginLocal,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update overwrites the existing entity identified by e.EntityID().
// Returns ErrNotFound if it doesn't exist.
func (g *Gateway[T]) Update(ctx context.Context, e T) (err error) {
	defer func() { g.count("update", err) }()
	id := e.EntityID()
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}
	if err := validate(e); err != nil {
		return err
	}
	return g.store.Update(ctx, Record{
		ID:          id,
		Kind:        g.kind,
		Entity:      e,
		LogicalTime: g.now().Unix(),
		Origin:      db.OriginLocal,
	})
}

// Delete removes the entity identified by id.
// Returns ErrNotFound if it doesn't exist.
func (g *Gateway[T]) Delete(ctx context.Context, id string) (err error) {
	defer func() { g.count("delete", err) }()
	return g.store.Delete(ctx, id, g.kind, db.OriginLocal, g.now().Unix())
}

// Get returns the entity identified by id or ErrNotFound.
func (g *Gateway[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	r, err := g.store.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	e, ok := r.Entity.(T)
	if !ok {
		// The id belongs to a record of another kind.
		return zero, ErrNotFound
	}
	return e, nil
}

// List returns all entities ordered by id.
func (g *Gateway[T]) List(ctx context.Context) ([]T, error) {
	records, err := g.store.List(ctx, g.kind)
	if err != nil {
		return nil, err
	}
	l := make([]T, 0, len(records))
	for _, r := range records {
		if e, ok := r.Entity.(T); ok {
			l = append(l, e)
		}
	}
	return l, nil
}

func (g *Gateway[T]) count(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.GatewayWritesTotal.WithLabelValues(g.kind, op, status).Inc()
}
