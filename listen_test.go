package cdcrelay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/db/dbmem"
)

type MockPoller struct{ Ch <-chan time.Time }

func (m *MockPoller) C() <-chan time.Time { return m.Ch }
func (m *MockPoller) Stop()               {}

var _ cdcrelay.Poller = new(MockPoller)

// noListenerDB hides the db.Listener implementation of the wrapped database.
type noListenerDB struct{ db.DB }

func TestListenNotifications(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)

	// Written before the relay started listening.
	_, err := gateway.Create(t.Context(), newTestAgency("Early"))
	require.NoError(t, err)

	ctxGraceful, cancel := context.WithCancel(t.Context())
	listening := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- relay.Listen(t.Context(), ctxGraceful, nil, 8, func() { close(listening) })
	}()
	<-listening

	require.ErrorIs(t,
		relay.Listen(t.Context(), ctxGraceful, nil, 8, nil),
		cdcrelay.ErrAlreadyListening)

	for _, name := range []string{"A", "B", "C"} {
		_, err := gateway.Create(t.Context(), newTestAgency(name))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 4
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	requireSynced(t, relay)
}

func TestListenPolling(t *testing.T) {
	d := noListenerDB{DB: dbmem.New()}
	store := cdcrelay.NewStore(d, NewTestCodec(t))
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)

	require.ErrorIs(t,
		relay.Listen(t.Context(), t.Context(), nil, 8, nil),
		cdcrelay.ErrNothingToListenTo)

	_, err := gateway.Create(t.Context(), newTestAgency("Early"))
	require.NoError(t, err)

	ticks := make(chan time.Time)
	ctxGraceful, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- relay.Listen(t.Context(), ctxGraceful, &MockPoller{Ch: ticks}, 8, nil)
	}()

	// The initial sync catches up without waiting for the poller.
	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err = gateway.Create(t.Context(), newTestAgency("Late"))
	require.NoError(t, err)
	require.Never(t, func() bool {
		return len(pub.Messages()) > 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	ticks <- time.Now()
	require.Eventually(t, func() bool {
		return len(pub.Messages()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestTickingPoller(t *testing.T) {
	require.Panics(t, func() { cdcrelay.NewTickingPoller(0) })

	p := cdcrelay.NewTickingPoller(time.Millisecond)
	defer p.Stop()
	select {
	case <-p.C():
	case <-time.After(5 * time.Second):
		t.Fatal("poller didn't trigger")
	}
	p.Reset()
}
