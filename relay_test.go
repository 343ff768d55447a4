package cdcrelay_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/agency"
	"github.com/romshark/cdcrelay/bus"
	"github.com/romshark/cdcrelay/db"
)

func TestNewRelayErr(t *testing.T) {
	store, _ := newTestStore(t)
	valid := cdcrelay.RelayConfig{
		Consumer:      testConsumer,
		Kinds:         []string{agency.Kind},
		Source:        testSource,
		SubjectPrefix: testPrefix,
	}
	for _, tt := range []struct {
		name   string
		modify func(*cdcrelay.RelayConfig)
		expect error
	}{
		{name: "no consumer", modify: func(c *cdcrelay.RelayConfig) { c.Consumer = "" }},
		{name: "no source", modify: func(c *cdcrelay.RelayConfig) { c.Source = "" }},
		{name: "no prefix", modify: func(c *cdcrelay.RelayConfig) { c.SubjectPrefix = "" }},
		{name: "no kinds", modify: func(c *cdcrelay.RelayConfig) { c.Kinds = nil }},
		{
			name:   "unregistered kind",
			modify: func(c *cdcrelay.RelayConfig) { c.Kinds = []string{"Unknown"} },
			expect: cdcrelay.ErrKindNotRegistered,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			conf := valid
			tt.modify(&conf)
			_, err := cdcrelay.NewRelay(t.Context(), discardLog, store,
				new(PublisherRecorder), conf)
			require.Error(t, err)
			if tt.expect != nil {
				require.ErrorIs(t, err, tt.expect)
			}
		})
	}
}

func TestRelayLocalPropagation(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)

	before := time.Now().Unix()
	id, err := gateway.Create(t.Context(), newTestAgency("Acme"))
	require.NoError(t, err)

	require.NoError(t, relay.Sync(t.Context(), t.Context()))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "cdcrelay.agency.created", msgs[0].Subject)
	require.Equal(t, testConsumer+":1", msgs[0].ID)

	env := decodeEnvelope(t, msgs[0].Data)
	require.Equal(t, "AgencyCreated", env.Type)
	require.Equal(t, testSource, env.Source)
	require.Equal(t, msgs[0].ID, env.ID)
	require.GreaterOrEqual(t, env.Timestamp, before)
	require.LessOrEqual(t, env.Timestamp, time.Now().Unix())
	require.JSONEq(t, `{
		"agencyId": "`+id+`",
		"name": "Acme",
		"contactMail": "contact@acme.example",
		"address": {
			"number": "12",
			"street": "Rue de Rivoli",
			"city": "Paris",
			"zipCode": "75001",
			"country": "FR"
		},
		"timezone": "Europe/Paris"
	}`, string(env.Data))

	requireSynced(t, relay)

	// Nothing new to relay.
	require.NoError(t, relay.Sync(t.Context(), t.Context()))
	require.Len(t, pub.Messages(), 1)
}

func TestRelayPerRecordOrder(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	// Interleave writes to multiple records across multiple batches.
	var ids []string
	for i := range 3 {
		id, err := gateway.Create(ctx, newTestAgency("Agency "+strconv.Itoa(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		a, err := gateway.Get(ctx, id)
		require.NoError(t, err)
		a.Name += " updated"
		require.NoError(t, gateway.Update(ctx, a))
	}
	for _, id := range ids {
		require.NoError(t, gateway.Delete(ctx, id))
	}

	require.NoError(t, relay.Sync(ctx, ctx))
	require.Len(t, pub.Messages(), 9)
	requireSynced(t, relay)

	for _, id := range ids {
		envs := pub.Envelopes(t, id)
		require.Len(t, envs, 3)
		require.Equal(t, "AgencyCreated", envs[0].Type)
		require.Equal(t, "AgencyUpdated", envs[1].Type)
		require.Equal(t, "AgencyDeleted", envs[2].Type)
	}
}

func TestRelayDeletePublishesLastSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	id, err := gateway.Create(ctx, newTestAgency("Acme"))
	require.NoError(t, err)
	a, err := gateway.Get(ctx, id)
	require.NoError(t, err)
	a.Name = "Acme Corp"
	require.NoError(t, gateway.Update(ctx, a))
	require.NoError(t, gateway.Delete(ctx, id))

	require.NoError(t, relay.Sync(ctx, ctx))
	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "cdcrelay.agency.deleted", msgs[2].Subject)
	require.Contains(t, string(decodeEnvelope(t, msgs[2].Data).Data), `"Acme Corp"`)
}

func TestRelayEchoSuppression(t *testing.T) {
	store, d := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	applier := newTestApplier(t, store, nil)
	ctx := t.Context()

	a := newTestAgency("Partner Agency")
	a.AgencyID = "agency_partner_1"
	ts := time.Now().Unix()
	for i, eventType := range []cdcrelay.EventType{
		cdcrelay.EventCreated, cdcrelay.EventUpdated, cdcrelay.EventDeleted,
	} {
		applied, err := applier.Apply(ctx, partnerEnvelope(t, eventType, a, ts+int64(i)))
		require.NoError(t, err)
		require.True(t, applied)
	}
	requireFeedVersion(t, d, 3)

	require.NoError(t, relay.Sync(ctx, ctx))
	require.Empty(t, pub.Messages())
	requireSynced(t, relay)
}

func TestRelayLocalDeleteOfExternalRecord(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	applier := newTestApplier(t, store, nil)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	a := newTestAgency("Partner Agency")
	a.AgencyID = "agency_partner_1"
	_, err := applier.Apply(ctx, partnerEnvelope(t, cdcrelay.EventCreated, a, 1))
	require.NoError(t, err)

	// The record was last written externally but this removal is local.
	require.NoError(t, gateway.Delete(ctx, a.AgencyID))

	require.NoError(t, relay.Sync(ctx, ctx))
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "AgencyDeleted", decodeEnvelope(t, msgs[0].Data).Type)
}

func TestRelayIgnoresUnrelatedKinds(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	ctx := t.Context()

	for i := range 5 {
		id := "invoice_" + strconv.Itoa(i)
		require.NoError(t, store.Put(ctx, cdcrelay.Record{
			ID:          id,
			Entity:      &Invoice{ID: id, Amount: 100 * i},
			LogicalTime: time.Now().Unix(),
			Origin:      db.OriginLocal,
		}))
	}

	require.NoError(t, relay.Sync(ctx, ctx))
	require.Empty(t, pub.Messages())
	requireSynced(t, relay)

	dl, err := relay.DeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dl)
}

func TestRelayRedeliveryIsIdempotent(t *testing.T) {
	store, d := newTestStore(t)
	pub := new(PublisherRecorder)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	_, err := gateway.Create(ctx, newTestAgency("Acme"))
	require.NoError(t, err)
	require.NoError(t, relay.Sync(ctx, ctx))

	// Simulate a crash before the cursor was committed.
	err = d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		return tx.SetCursor(ctx, testConsumer, 0)
	})
	require.NoError(t, err)

	// A restarted relay republishes the same event.
	restarted := newTestRelay(t, store, pub)
	require.NoError(t, restarted.Sync(ctx, ctx))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, msgs[0].ID, msgs[1].ID)
	require.Equal(t, msgs[0].Subject, msgs[1].Subject)
	require.Equal(t, msgs[0].Data, msgs[1].Data)
}

func TestRelayDeadLetter(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(MockPublisher)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	idFailing, err := gateway.Create(ctx, newTestAgency("Failing"))
	require.NoError(t, err)
	idOK, err := gateway.Create(ctx, newTestAgency("OK"))
	require.NoError(t, err)

	about := func(id string) any {
		return mock.MatchedBy(func(m *bus.Message) bool {
			return bytes.Contains(m.Data, []byte(id))
		})
	}
	pub.On("PublishMsg", mock.Anything, about(idFailing)).
		Return(errors.New("broker unavailable")).Times(3)
	pub.On("PublishMsg", mock.Anything, about(idOK)).
		Return(nil).Once()

	require.NoError(t, relay.Sync(ctx, ctx))
	pub.AssertExpectations(t)
	requireSynced(t, relay)

	dl, err := relay.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	require.Equal(t, testConsumer, dl[0].Consumer)
	require.Equal(t, idFailing, dl[0].RecordID)
	require.Equal(t, int64(1), dl[0].MutationVersion)
	require.Equal(t, "cdcrelay.agency.created", dl[0].Subject)
	require.Equal(t, 3, dl[0].Attempts)
	require.Contains(t, dl[0].Error, cdcrelay.ErrPermanentDelivery.Error())
	require.Contains(t, dl[0].Error, "broker unavailable")
	env := decodeEnvelope(t, dl[0].Payload)
	require.Equal(t, "AgencyCreated", env.Type)

	// Redeliver once the broker is back.
	pub.On("PublishMsg", mock.Anything, mock.MatchedBy(func(m *bus.Message) bool {
		return m.ID == env.ID && m.Subject == dl[0].Subject
	})).Return(nil).Once()
	require.NoError(t, relay.Redeliver(ctx, dl[0].ID))
	pub.AssertExpectations(t)

	dl, err = relay.DeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dl)

	err = relay.Redeliver(ctx, 1)
	require.ErrorIs(t, err, cdcrelay.ErrNotFound)
}

func TestRelayPermanentPublishError(t *testing.T) {
	store, _ := newTestStore(t)
	pub := new(MockPublisher)
	relay := newTestRelay(t, store, pub)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	_, err := gateway.Create(ctx, newTestAgency("Acme"))
	require.NoError(t, err)

	pub.On("PublishMsg", mock.Anything, mock.Anything).
		Return(errors.Join(bus.ErrPermanent, errors.New("message too large"))).Once()

	require.NoError(t, relay.Sync(ctx, ctx))
	pub.AssertExpectations(t)

	dl, err := relay.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	require.Equal(t, 1, dl[0].Attempts)
}

func TestRelayCursorNotAdvancedOnFailure(t *testing.T) {
	store, _ := newTestStore(t)
	gateway := newTestGateway(t, store)
	ctx := t.Context()

	for i := range 3 {
		_, err := gateway.Create(ctx, newTestAgency("Agency "+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	ctxSync, cancel := context.WithCancel(ctx)
	defer cancel()
	pub := &PublisherRecorder{Fail: func(context.Context, *bus.Message) error {
		cancel() // Crash while relaying.
		return context.Canceled
	}}
	relay := newTestRelay(t, store, pub)

	err := relay.Sync(ctxSync, ctx)
	require.ErrorIs(t, err, context.Canceled)

	cursor, head, err := relay.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)
	require.Equal(t, int64(3), head)

	dl, err := relay.DeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dl)

	pub.Fail = nil
	require.NoError(t, relay.Sync(ctx, ctx))
	require.Len(t, pub.Messages(), 3)
	requireSynced(t, relay)
}

func TestRelaySyncGracefulStop(t *testing.T) {
	store, _ := newTestStore(t)
	relay := newTestRelay(t, store, new(PublisherRecorder))

	ctxGraceful, cancel := context.WithCancel(t.Context())
	cancel()
	err := relay.Sync(t.Context(), ctxGraceful)
	require.ErrorIs(t, err, context.Canceled)
}
