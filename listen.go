package cdcrelay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/romshark/cdcrelay/db"
)

// Poller periodically triggers feed polling.
type Poller interface {
	Stop()
	C() <-chan time.Time
}

// A TimedPoller is a Poller with reset capabilities.
type TimedPoller interface {
	Poller
	Reset()
}

// TickingPoller uses a time.Ticker to trigger polling regularly.
type TickingPoller struct {
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Poller      = new(TickingPoller)
	_ TimedPoller = new(TickingPoller)
)

func NewTickingPoller(interval time.Duration) *TickingPoller {
	if interval == 0 {
		panic("don't use ticking poller with zero interval")
	}
	return &TickingPoller{ticker: time.NewTicker(interval), interval: interval}
}

func (t *TickingPoller) Stop()               { t.ticker.Stop() }
func (t *TickingPoller) Reset()              { t.ticker.Reset(t.interval) }
func (t *TickingPoller) C() <-chan time.Time { return t.ticker.C }

// Listen runs the relay dispatcher that waits for new mutations and
// triggers Sync. Listen syncs once right after it starts listening to
// relay everything committed while the relay wasn't running.
//
// Canceling ctx stops both the listener and any ongoing sync, the aborted
// batch is relayed again later. Canceling ctxGraceful waits for the ongoing
// batch to finish and then exits the listener loop.
//
// Listen polls the feed whenever poller triggers. If the database doesn't
// satisfy db.Listener and poller == nil then ErrNothingToListenTo is returned.
// queueBufferLen is the size of the notification queue, notifications
// arriving while the queue is full are dropped since a single sync relays
// all of them anyway.
// If poller satisfies TimedPoller then poller.Reset is called after every
// sync to prevent the poller from triggering prematurely.
//
// onListening is called once the listener is listening.
func (r *Relay) Listen(
	ctx, ctxGraceful context.Context,
	poller Poller, queueBufferLen int, onListening func(),
) error {
	if !r.listenLock.TryLock() {
		return ErrAlreadyListening
	}
	defer r.listenLock.Unlock()

	if onListening == nil {
		onListening = func() {}
	}

	mutationInserted := make(chan int64, max(queueBufferLen, 1))
	mutationInsertedErr := make(chan error, 1)
	if listener, ok := r.store.db.(db.Listener); ok {
		go func() {
			err := listener.ListenMutationInserted(ctxGraceful,
				func() {
					// Catch up on anything committed before listening.
					select {
					case mutationInserted <- 0:
					default:
					}
					onListening()
				},
				func(version int64) error {
					select {
					case mutationInserted <- version:
					default:
						r.log.Debug("listener queue full, dropping notification",
							slog.Int64("version", version))
					}
					return nil
				})
			if err != nil && !errors.Is(err, context.Canceled) {
				mutationInsertedErr <- err
				close(mutationInserted)
			}
		}()
	} else if poller == nil {
		return ErrNothingToListenTo
	} else {
		mutationInserted <- 0
		onListening()
	}

	defer func() {
		if poller != nil {
			poller.Stop()
		}
	}()

	var pollerC <-chan time.Time
	if poller != nil {
		pollerC = poller.C()
	}

	syncFeed := func() error {
		if poller != nil {
			poller.Stop()
		}
		err := r.Sync(ctx, ctxGraceful)
		if err != nil && !errors.Is(err, ErrSyncInProgress) {
			return err
		}
		if tp, ok := poller.(TimedPoller); ok {
			tp.Reset()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done(): // Hard stop.
			return ctx.Err()

		case <-ctxGraceful.Done(): // Gracefully stop dispatcher.
			return ctxGraceful.Err()

		case <-pollerC: // Poll the feed.
			r.log.Debug("dispatcher polling feed")
			if err := syncFeed(); err != nil {
				return err
			}

		case version, ok := <-mutationInserted:
			if !ok {
				return <-mutationInsertedErr
			}
			r.log.Debug("sync after notification", slog.Int64("version", version))
			if err := syncFeed(); err != nil {
				return err
			}
		}
	}
}
