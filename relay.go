package cdcrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/cdcrelay/bus"
	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/internal/backoff"
	"github.com/romshark/cdcrelay/internal/metrics"
)

const (
	DefaultRelayBatchSize   = 100
	DefaultRelayConcurrency = 16
	DefaultRelayMaxAttempts = 3
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Consumer names the feed cursor of the relay. Relay instances sharing
	// a consumer name share the cursor and take turns relaying batches.
	Consumer string

	// Kinds lists the record kinds to publish. Mutations of other kinds
	// are skipped silently.
	Kinds []string

	// Source is the service name put into published envelopes.
	Source string

	// SubjectPrefix is the first token of published subjects.
	SubjectPrefix string

	// BatchSize is the maximum number of mutations relayed per transaction.
	BatchSize int

	// Concurrency limits the number of records relayed in parallel.
	// Mutations of the same record are always relayed sequentially.
	Concurrency int

	// MaxAttempts is the number of publish attempts before a mutation
	// is dead-lettered.
	MaxAttempts int

	// Backoff calculates the delay between publish attempts.
	// Defaults to 100ms growing up to 2s with 10% jitter if zero.
	Backoff backoff.Backoff
}

// Relay follows the mutation feed and publishes an event for every mutation
// caused by a local write. Mutations caused by consumed external events are
// suppressed. Relay guarantees at-least-once publishing: the feed cursor is
// advanced only after every mutation of a batch was either published or
// dead-lettered.
type Relay struct {
	log       *slog.Logger
	store     *Store
	publisher bus.Publisher
	conf      RelayConfig
	kinds     map[string]struct{}

	listenLock sync.Mutex
	syncLock   sync.Mutex
	buffer     []db.Mutation // Guarded by syncLock.
}

// NewRelay creates a relay and initializes its feed cursor.
// A new cursor starts at the beginning of the feed.
func NewRelay(
	ctx context.Context, log *slog.Logger, store *Store,
	publisher bus.Publisher, conf RelayConfig,
) (*Relay, error) {
	switch {
	case conf.Consumer == "":
		return nil, errors.New("empty consumer name")
	case conf.Source == "":
		return nil, errors.New("empty source")
	case conf.SubjectPrefix == "":
		return nil, errors.New("empty subject prefix")
	case len(conf.Kinds) < 1:
		return nil, errors.New("no kinds to relay")
	}
	if conf.BatchSize < 1 {
		conf.BatchSize = DefaultRelayBatchSize
	}
	if conf.Concurrency < 1 {
		conf.Concurrency = DefaultRelayConcurrency
	}
	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = DefaultRelayMaxAttempts
	}
	if conf.Backoff.Factor == 0 {
		var err error
		conf.Backoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
		if err != nil {
			return nil, fmt.Errorf("initializing default backoff: %w", err)
		}
	}

	kinds := make(map[string]struct{}, len(conf.Kinds))
	for _, k := range conf.Kinds {
		if !store.codec.IsRegistered(k) {
			return nil, fmt.Errorf("%w: %q", ErrKindNotRegistered, k)
		}
		kinds[k] = struct{}{}
	}

	r := &Relay{
		log:       log.With(slog.String("consumer", conf.Consumer)),
		store:     store,
		publisher: publisher,
		conf:      conf,
		kinds:     kinds,
		buffer:    make([]db.Mutation, conf.BatchSize),
	}

	err := store.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		v, err := tx.InitCursor(ctx, conf.Consumer)
		if err != nil {
			return fmt.Errorf("initializing cursor: %w", err)
		}
		metrics.RelayCursorVersion.WithLabelValues(conf.Consumer).Set(float64(v))
		r.log.Info("initialized relay cursor", slog.Int64("version", v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Status returns the version the relay's cursor is at and the latest
// version of the feed.
func (r *Relay) Status(ctx context.Context) (cursor, head int64, err error) {
	err = r.store.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		if cursor, err = tx.ReadCursor(ctx, r.conf.Consumer); err != nil {
			return fmt.Errorf("reading cursor: %w", err)
		}
		if head, err = tx.ReadFeedVersion(ctx); err != nil {
			return fmt.Errorf("reading feed version: %w", err)
		}
		return nil
	})
	return cursor, head, err
}

// Sync relays batches of mutations until the cursor reaches the end of the
// feed. Canceling ctxGraceful stops Sync between batches, canceling ctx
// aborts the ongoing batch which is then relayed again by the next Sync.
// Returns ErrSyncInProgress if another sync is currently in flight.
func (r *Relay) Sync(ctx, ctxGraceful context.Context) error {
	if !r.syncLock.TryLock() {
		return ErrSyncInProgress
	}
	defer r.syncLock.Unlock()

	for {
		if err := ctxGraceful.Err(); err != nil {
			return err
		}
		read, err := r.syncBatch(ctx)
		if err != nil {
			return fmt.Errorf("relaying batch: %w", err)
		}
		if read < len(r.buffer) {
			return nil // Reached the end of the feed.
		}
	}
}

func (r *Relay) syncBatch(ctx context.Context) (read int, err error) {
	start := time.Now()
	err = r.store.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		// Locking the cursor makes concurrent relay instances of the
		// same consumer wait for this batch to commit.
		cursor, err := tx.LockCursor(ctx, r.conf.Consumer)
		if err != nil {
			return fmt.Errorf("locking cursor: %w", err)
		}
		read, err = tx.ReadMutationsAfter(ctx, cursor, r.buffer)
		if err != nil {
			return fmt.Errorf("reading mutations after %d: %w", cursor, err)
		}
		if read == 0 {
			return nil
		}
		batch := r.buffer[:read]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.conf.Concurrency)
		for _, group := range groupByRecord(batch) {
			g.Go(func() error {
				for _, m := range group {
					if err := r.relay(gctx, tx, m); err != nil {
						return fmt.Errorf("relaying mutation %d: %w", m.Version, err)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		last := batch[len(batch)-1].Version
		if err := tx.SetCursor(ctx, r.conf.Consumer, last); err != nil {
			return fmt.Errorf("advancing cursor to %d: %w", last, err)
		}
		r.log.Debug("relayed batch",
			slog.Int64("from", cursor),
			slog.Int64("to", last),
			slog.Int("mutations", read))
		metrics.RelayCursorVersion.WithLabelValues(r.conf.Consumer).Set(float64(last))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if read > 0 {
		metrics.RelayBatchDuration.Observe(time.Since(start).Seconds())
	}
	return read, nil
}

// groupByRecord splits batch into per-record groups preserving feed order
// within each group.
func groupByRecord(batch []db.Mutation) [][]db.Mutation {
	index := make(map[string]int)
	var groups [][]db.Mutation
	for _, m := range batch {
		i, ok := index[m.RecordID]
		if !ok {
			i = len(groups)
			index[m.RecordID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

// relay publishes the event for d. Returns an error only if d was neither
// published nor dead-lettered.
func (r *Relay) relay(ctx context.Context, tx db.TxRW, d db.Mutation) error {
	log := r.log.With(
		slog.Int64("version", d.Version),
		slog.String("record.id", d.RecordID),
		slog.String("kind", d.Kind),
		slog.String("op", d.Op.String()))

	if _, ok := r.kinds[d.Kind]; !ok {
		metrics.RelayMutationsTotal.WithLabelValues(
			r.conf.Consumer, metrics.RelayIgnored).Inc()
		return nil
	}
	// A removal carries the origin of the delete, not of the removed record,
	// so a local delete of an externally written record is still published.
	if d.Origin == db.OriginExternal {
		log.Debug("suppressing echo of external write")
		metrics.RelayMutationsTotal.WithLabelValues(
			r.conf.Consumer, metrics.RelaySuppressed).Inc()
		return nil
	}

	subject, env, err := r.envelope(d)
	if err != nil {
		return r.deadLetter(ctx, tx, log, d, "", nil, 0,
			fmt.Errorf("%w: building event: %w", ErrPermanentDelivery, err))
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return r.deadLetter(ctx, tx, log, d, subject, nil, 0,
			fmt.Errorf("%w: marshaling envelope: %w", ErrPermanentDelivery, err))
	}

	attempts, err := r.publish(ctx, log, &bus.Message{
		Subject:   subject,
		Data:      payload,
		ID:        env.ID,
		Timestamp: time.Unix(env.Timestamp, 0),
	})
	switch {
	case err == nil:
		metrics.RelayMutationsTotal.WithLabelValues(
			r.conf.Consumer, metrics.RelayPublished).Inc()
		return nil
	case ctx.Err() != nil:
		return err
	}
	return r.deadLetter(ctx, tx, log, d, subject, payload, attempts,
		fmt.Errorf("%w: %w", ErrPermanentDelivery, err))
}

func (r *Relay) publish(
	ctx context.Context, log *slog.Logger, msg *bus.Message,
) (attempts int, err error) {
	return backoff.Retry(ctx, r.conf.Backoff, r.conf.MaxAttempts,
		func(ctx context.Context, attempt int) error {
			metrics.RelayPublishAttemptsTotal.WithLabelValues(r.conf.Consumer).Inc()
			err := r.publisher.PublishMsg(ctx, msg)
			if err == nil {
				return nil
			}
			log.Warn("publishing event",
				slog.String("subject", msg.Subject),
				slog.Int("attempt", attempt+1),
				slog.Any("err", err))
			if errors.Is(err, bus.ErrPermanent) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("%w: %w", ErrTransientDelivery, err)
		})
}

func (r *Relay) envelope(d db.Mutation) (subject string, env Envelope, err error) {
	m, err := r.store.codec.decodeMutation(d)
	if err != nil {
		return "", Envelope{}, err
	}
	t, err := EventTypeOf(m.Op)
	if err != nil {
		return "", Envelope{}, err
	}
	data, err := r.store.codec.Encode(m.Snapshot().Entity)
	if err != nil {
		return "", Envelope{}, err
	}
	return Subject(r.conf.SubjectPrefix, m.Kind, t), Envelope{
		Type:      EnvelopeType(m.Kind, t),
		Data:      data,
		Timestamp: m.LogicalTime,
		Source:    r.conf.Source,
		ID:        r.conf.Consumer + ":" + strconv.FormatInt(m.Version, 10),
	}, nil
}

func (r *Relay) deadLetter(
	ctx context.Context, tx db.TxRW, log *slog.Logger, d db.Mutation,
	subject string, payload []byte, attempts int, cause error,
) error {
	id, err := tx.AppendDeadLetter(ctx, db.DeadLetter{
		Consumer:        r.conf.Consumer,
		MutationVersion: d.Version,
		RecordID:        d.RecordID,
		Subject:         subject,
		Payload:         payload,
		Error:           cause.Error(),
		Attempts:        attempts,
	})
	if err != nil {
		return fmt.Errorf("appending dead letter: %w", err)
	}
	log.Error("dead-lettered mutation",
		slog.Int64("dead_letter.id", id),
		slog.Int("attempts", attempts),
		slog.Any("err", cause))
	metrics.RelayMutationsTotal.WithLabelValues(
		r.conf.Consumer, metrics.RelayDeadLettered).Inc()
	return nil
}

// DeadLetters returns the dead letters of the relay's consumer.
func (r *Relay) DeadLetters(ctx context.Context) (l []db.DeadLetter, err error) {
	err = r.store.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		l, err = tx.ReadDeadLetters(ctx, r.conf.Consumer)
		return err
	})
	return l, err
}

// Redeliver publishes the event of dead letter id again and removes the
// dead letter once the event is published.
func (r *Relay) Redeliver(ctx context.Context, id int64) error {
	return r.store.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		d, err := tx.ReadDeadLetter(ctx, id)
		if err != nil {
			return fmt.Errorf("reading dead letter %d: %w", id, err)
		}
		if d.Consumer != r.conf.Consumer {
			return fmt.Errorf("dead letter %d belongs to consumer %q",
				id, d.Consumer)
		}
		if d.Subject == "" || len(d.Payload) == 0 {
			return fmt.Errorf("dead letter %d carries no event: %s", id, d.Error)
		}
		var env Envelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
		}
		log := r.log.With(slog.Int64("dead_letter.id", id))
		if _, err := r.publish(ctx, log, &bus.Message{
			Subject:   d.Subject,
			Data:      d.Payload,
			ID:        env.ID,
			Timestamp: time.Unix(env.Timestamp, 0),
		}); err != nil {
			return err
		}
		if err := tx.DeleteDeadLetter(ctx, id); err != nil {
			return fmt.Errorf("deleting dead letter %d: %w", id, err)
		}
		log.Info("redelivered dead letter", slog.String("subject", d.Subject))
		return nil
	})
}
