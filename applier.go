package cdcrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/romshark/cdcrelay/bus"
	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/internal/metrics"
)

// Deduplicator remembers the ids of applied envelopes.
type Deduplicator interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// ApplierConfig configures an Applier.
type ApplierConfig struct {
	// Name identifies the applier. Its dead letters are stored under
	// the consumer name "applier:<Name>".
	Name string

	// Source is the name of this service. Envelopes published by it are ignored.
	Source string

	// Kinds lists the record kinds to apply.
	// All kinds registered in the store's codec are applied if empty.
	Kinds []string
}

// Applier writes consumed external events to the store marked as external
// so they're never relayed back to the bus.
type Applier struct {
	log    *slog.Logger
	store  *Store
	conf   ApplierConfig
	kinds  map[string]struct{}
	dedupe Deduplicator
}

// NewApplier creates a new applier. dedupe is optional.
func NewApplier(
	log *slog.Logger, store *Store, conf ApplierConfig, dedupe Deduplicator,
) (*Applier, error) {
	switch {
	case conf.Name == "":
		return nil, errors.New("empty applier name")
	case conf.Source == "":
		return nil, errors.New("empty source")
	}
	if len(conf.Kinds) < 1 {
		conf.Kinds = store.codec.Kinds()
	}
	kinds := make(map[string]struct{}, len(conf.Kinds))
	for _, k := range conf.Kinds {
		if !store.codec.IsRegistered(k) {
			return nil, fmt.Errorf("%w: %q", ErrKindNotRegistered, k)
		}
		kinds[k] = struct{}{}
	}
	return &Applier{
		log:    log.With(slog.String("applier", conf.Name)),
		store:  store,
		conf:   conf,
		kinds:  kinds,
		dedupe: dedupe,
	}, nil
}

// DeadLetterConsumer returns the consumer name dead letters of the
// applier are stored under.
func (a *Applier) DeadLetterConsumer() string { return "applier:" + a.conf.Name }

// Apply writes env to the store with the logical time env.Timestamp unless
// the stored record, or the tombstone of the deleted record, has a greater
// logical time. Created and Updated events overwrite the record, Deleted
// events remove it. Deleting a record that doesn't exist only leaves a
// tombstone. A Deleted event never removes a record of another kind.
// Returns applied=false if env was ignored, a duplicate or stale.
// Errors that redelivery can't fix wrap bus.ErrPermanent.
func (a *Applier) Apply(ctx context.Context, env Envelope) (applied bool, err error) {
	outcome := metrics.ApplyFailed
	defer func() { metrics.ApplierEventsTotal.WithLabelValues(outcome).Inc() }()

	log := a.log.With(
		slog.String("type", env.Type),
		slog.String("id", env.ID),
		slog.String("source", env.Source))

	if env.Source == a.conf.Source {
		log.Debug("ignoring own event")
		outcome = metrics.ApplyIgnored
		return false, nil
	}
	kind, t, err := ParseEnvelopeType(env.Type)
	if err != nil {
		outcome = metrics.ApplyRejected
		return false, permanent(err)
	}
	if _, ok := a.kinds[kind]; !ok {
		outcome = metrics.ApplyIgnored
		return false, nil
	}
	if env.Timestamp <= 0 {
		outcome = metrics.ApplyRejected
		return false, permanent(fmt.Errorf("%w: non-positive timestamp %d",
			ErrMalformedEnvelope, env.Timestamp))
	}

	if a.dedupe != nil && env.ID != "" {
		seen, err := a.dedupe.Seen(ctx, env.ID)
		if err != nil {
			return false, fmt.Errorf("checking duplicate: %w", err)
		}
		if seen {
			log.Debug("skipping duplicate event")
			outcome = metrics.ApplyDuplicate
			return false, nil
		}
	}

	e, err := a.store.codec.Decode(kind, env.Data)
	if err != nil {
		outcome = metrics.ApplyRejected
		return false, permanent(fmt.Errorf("%w: %w", ErrMalformedEnvelope, err))
	}
	id := e.EntityID()
	if id == "" {
		outcome = metrics.ApplyRejected
		return false, permanent(fmt.Errorf("%w: empty entity id", ErrValidation))
	}

	switch t {
	case EventDeleted:
		applied, err = a.store.DeleteIfNotOlder(ctx, id, kind, db.OriginExternal, env.Timestamp)
		if errors.Is(err, ErrNotFound) {
			// The id belongs to a record of another kind.
			applied, err = false, nil
		}
	default:
		if err := validate(e); err != nil {
			outcome = metrics.ApplyRejected
			return false, permanent(err)
		}
		applied, err = a.store.PutIfNotOlder(ctx, Record{
			ID:          id,
			Kind:        kind,
			Entity:      e,
			LogicalTime: env.Timestamp,
			Origin:      db.OriginExternal,
		})
	}
	if err != nil {
		if errors.Is(err, ErrValidation) {
			outcome = metrics.ApplyRejected
			return false, permanent(err)
		}
		return false, err
	}

	if applied {
		outcome = metrics.ApplyApplied
		log.Info("applied external event", slog.String("record.id", id))
	} else {
		outcome = metrics.ApplyStale
		log.Debug("skipping stale external event", slog.String("record.id", id))
	}
	if a.dedupe != nil && env.ID != "" {
		if err := a.dedupe.Mark(ctx, env.ID); err != nil {
			log.Warn("marking event as applied", slog.Any("err", err))
		}
	}
	return applied, nil
}

// HandleMessage decodes the envelope carried by msg and applies it.
// It satisfies bus.Handler.
func (a *Applier) HandleMessage(ctx context.Context, msg *bus.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		metrics.ApplierEventsTotal.WithLabelValues(metrics.ApplyRejected).Inc()
		return permanent(fmt.Errorf("%w: %w", ErrMalformedEnvelope, err))
	}
	_, err := a.Apply(ctx, env)
	return err
}

// DeadLetter stores msg as a dead letter of the applier.
func (a *Applier) DeadLetter(ctx context.Context, msg *bus.Message, cause error) error {
	d := db.DeadLetter{
		Consumer: a.DeadLetterConsumer(),
		RecordID: a.recordIDOf(msg.Data),
		Subject:  msg.Subject,
		Payload:  msg.Data,
		Error:    cause.Error(),
		Attempts: int(msg.NumDelivered),
	}
	return a.store.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		id, err := tx.AppendDeadLetter(ctx, d)
		if err != nil {
			return fmt.Errorf("appending dead letter: %w", err)
		}
		a.log.Error("dead-lettered event",
			slog.Int64("dead_letter.id", id),
			slog.String("subject", msg.Subject),
			slog.String("record.id", d.RecordID),
			slog.Any("err", cause))
		return nil
	})
}

// recordIDOf returns the entity id carried by payload if it can be decoded.
func (a *Applier) recordIDOf(payload []byte) string {
	var env Envelope
	if json.Unmarshal(payload, &env) != nil {
		return ""
	}
	kind, _, err := ParseEnvelopeType(env.Type)
	if err != nil {
		return ""
	}
	e, err := a.store.codec.Decode(kind, env.Data)
	if err != nil {
		return ""
	}
	return e.EntityID()
}

// DeadLetters returns the dead letters of the applier.
func (a *Applier) DeadLetters(ctx context.Context) (l []db.DeadLetter, err error) {
	err = a.store.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		l, err = tx.ReadDeadLetters(ctx, a.DeadLetterConsumer())
		return err
	})
	return l, err
}

// Replay applies the event of dead letter id again and removes the dead
// letter once the event is applied or found stale.
func (a *Applier) Replay(ctx context.Context, id int64) error {
	var d db.DeadLetter
	err := a.store.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		d, err = tx.ReadDeadLetter(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("reading dead letter %d: %w", id, err)
	}
	if d.Consumer != a.DeadLetterConsumer() {
		return fmt.Errorf("dead letter %d belongs to consumer %q", id, d.Consumer)
	}
	var env Envelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if _, err := a.Apply(ctx, env); err != nil {
		return err
	}
	err = a.store.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		return tx.DeleteDeadLetter(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("deleting dead letter %d: %w", id, err)
	}
	a.log.Info("replayed dead letter", slog.Int64("dead_letter.id", id))
	return nil
}

func permanent(err error) error { return fmt.Errorf("%w: %w", bus.ErrPermanent, err) }
