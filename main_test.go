package cdcrelay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/agency"
	"github.com/romshark/cdcrelay/bus"
	"github.com/romshark/cdcrelay/db"
	"github.com/romshark/cdcrelay/db/dbmem"
	"github.com/romshark/cdcrelay/internal/backoff"
	"github.com/romshark/cdcrelay/internal/testdb"
)

var con testdb.Container

func TestMain(m *testing.M) {
	if err := con.Start(context.Background()); err != nil {
		slog.Warn("tests requiring postgres will be skipped", slog.Any("err", err))
	}
	code := m.Run()
	_ = con.Terminate(context.Background())
	os.Exit(code)
}

const (
	testSource        = "agency-service"
	testPartnerSource = "partner-crm"
	testPrefix        = "cdcrelay"
	testConsumer      = "outbound"
)

var discardLog = slog.New(slog.DiscardHandler)

// Invoice is a kind the relay under test isn't configured to publish.
type Invoice struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func (i *Invoice) EntityID() string      { return i.ID }
func (i *Invoice) SetEntityID(id string) { i.ID = id }
func (i *Invoice) Validate() error       { return nil }

func NewTestCodec(t *testing.T) *cdcrelay.EntityCodec {
	t.Helper()
	c := cdcrelay.NewEntityCodec()
	agency.Register(c)
	cdcrelay.MustRegisterKindIn[*Invoice](c, "Invoice")
	return c
}

func newTestStore(t *testing.T) (*cdcrelay.Store, *dbmem.DB) {
	t.Helper()
	d := dbmem.New()
	return cdcrelay.NewStore(d, NewTestCodec(t)), d
}

func newTestAgency(name string) *agency.Agency {
	return &agency.Agency{
		Name:        name,
		ContactMail: "contact@acme.example",
		Address: agency.Address{
			Number:  "12",
			Street:  "Rue de Rivoli",
			City:    "Paris",
			ZipCode: "75001",
			Country: "FR",
		},
		Timezone: "Europe/Paris",
	}
}

func testBackoff(t *testing.T) backoff.Backoff {
	t.Helper()
	b, err := backoff.New(time.Millisecond, 4*time.Millisecond, 2, 0, nil)
	require.NoError(t, err)
	return b
}

func newTestRelay(
	t *testing.T, store *cdcrelay.Store, publisher bus.Publisher,
) *cdcrelay.Relay {
	t.Helper()
	r, err := cdcrelay.NewRelay(t.Context(), discardLog, store, publisher,
		cdcrelay.RelayConfig{
			Consumer:      testConsumer,
			Kinds:         []string{agency.Kind},
			Source:        testSource,
			SubjectPrefix: testPrefix,
			BatchSize:     4,
			Concurrency:   4,
			MaxAttempts:   3,
			Backoff:       testBackoff(t),
		})
	require.NoError(t, err)
	return r
}

func newTestApplier(
	t *testing.T, store *cdcrelay.Store, dedupe cdcrelay.Deduplicator,
) *cdcrelay.Applier {
	t.Helper()
	a, err := cdcrelay.NewApplier(discardLog, store, cdcrelay.ApplierConfig{
		Name:   "partner",
		Source: testSource,
	}, dedupe)
	require.NoError(t, err)
	return a
}

func newTestGateway(t *testing.T, store *cdcrelay.Store) *cdcrelay.Gateway[*agency.Agency] {
	t.Helper()
	g, err := agency.NewGateway(store)
	require.NoError(t, err)
	return g
}

// PublisherRecorder records every published message.
// If Fail is set, messages it returns an error for aren't recorded.
type PublisherRecorder struct {
	lock sync.Mutex
	msgs []*bus.Message
	Fail func(ctx context.Context, msg *bus.Message) error
}

var _ bus.Publisher = new(PublisherRecorder)

func (p *PublisherRecorder) PublishMsg(ctx context.Context, msg *bus.Message) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.Fail != nil {
		if err := p.Fail(ctx, msg); err != nil {
			return err
		}
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *PublisherRecorder) Messages() []*bus.Message {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*bus.Message(nil), p.msgs...)
}

// Envelopes decodes all recorded messages about record id in publishing order.
func (p *PublisherRecorder) Envelopes(t *testing.T, id string) []cdcrelay.Envelope {
	t.Helper()
	var l []cdcrelay.Envelope
	for _, m := range p.Messages() {
		env := decodeEnvelope(t, m.Data)
		var a agency.Agency
		require.NoError(t, json.Unmarshal(env.Data, &a))
		if a.AgencyID == id {
			l = append(l, env)
		}
	}
	return l
}

type MockPublisher struct{ mock.Mock }

var _ bus.Publisher = new(MockPublisher)

func (m *MockPublisher) PublishMsg(ctx context.Context, msg *bus.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func decodeEnvelope(t *testing.T, data []byte) cdcrelay.Envelope {
	t.Helper()
	var env cdcrelay.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// partnerEnvelope builds an event as published by the partner integration.
func partnerEnvelope(
	t *testing.T, eventType cdcrelay.EventType, a *agency.Agency, timestamp int64,
) cdcrelay.Envelope {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return cdcrelay.Envelope{
		Type:      cdcrelay.EnvelopeType(agency.Kind, eventType),
		Data:      data,
		Timestamp: timestamp,
		Source:    testPartnerSource,
		ID:        testPartnerSource + ":" + a.AgencyID + ":" + string(eventType),
	}
}

func requireFeedVersion(t *testing.T, d db.DB, expect int64) {
	t.Helper()
	var v int64
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		v, err = tx.ReadFeedVersion(ctx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, expect, v)
}

func requireSynced(t *testing.T, r *cdcrelay.Relay) {
	t.Helper()
	cursor, head, err := r.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, head, cursor)
}
