// Package natsbus implements the bus interfaces on top of NATS JetStream.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/romshark/cdcrelay/bus"
)

var _ bus.Publisher = new(Client)

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	Username string
	Password string
	Token    string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "cdcrelay",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration

	// DuplicateWindow is the window within which messages with the same
	// ID are dropped as duplicates.
	DuplicateWindow time.Duration
}

// ConsumerConfig defines a durable JetStream pull consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is the maximum number of delivery attempts after which
	// the message is handed to the dead-letter callback and terminated.
	MaxDeliver int

	// MaxAckPending bounds the number of unacknowledged messages in flight.
	MaxAckPending int

	// NakDelay is the redelivery delay after a failed attempt.
	NakDelay time.Duration
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		MaxAckPending: 100,
		NakDelay:      5 * time.Second,
	}
}

// Client is a JetStream client. Create it with Connect and release it with Close.
type Client struct {
	log  *slog.Logger
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect connects to NATS and initializes JetStream.
func Connect(log *slog.Logger, cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.Any("err", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return &Client{log: log, conn: conn, js: js}, nil
}

// EnsureStream creates the stream or updates its configuration.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DuplicateWindow,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating/updating stream %s: %w", cfg.Name, err)
	}
	return nil
}

// PublishMsg publishes msg and waits for the stream acknowledgment.
// msg.ID is sent as the JetStream message ID so republishing the same
// message within the stream's duplicate window is a no-op.
func (c *Client) PublishMsg(ctx context.Context, msg *bus.Message) error {
	m := &nats.Msg{Subject: msg.Subject, Data: msg.Data}
	if len(msg.Metadata) > 0 {
		m.Header = make(nats.Header, len(msg.Metadata))
		for k, v := range msg.Metadata {
			m.Header.Set(k, v)
		}
	}
	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}
	ack, err := c.js.PublishMsg(ctx, m, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", msg.Subject, err)
	}
	if ack.Duplicate {
		c.log.Debug("publish deduplicated by stream",
			slog.String("subject", msg.Subject),
			slog.String("msg.id", msg.ID),
			slog.Uint64("stream.seq", ack.Sequence))
	}
	return nil
}

// DeadLetterFunc persists a message that won't be redelivered anymore.
type DeadLetterFunc func(ctx context.Context, msg *bus.Message, cause error) error

// Consume creates or updates the durable consumer cfg on stream and starts
// dispatching its messages to handler. Messages are acknowledged only after
// handler returns nil. Failed messages are redelivered after cfg.NakDelay
// until cfg.MaxDeliver deliveries are reached or the error wraps
// bus.ErrPermanent, then onDeadLetter is called and the message is
// terminated. If onDeadLetter fails the message is redelivered again.
// The returned stop function stops consumption.
func (c *Client) Consume(
	ctx context.Context, stream string, cfg ConsumerConfig,
	handler bus.Handler, onDeadLetter DeadLetterFunc,
) (stop func(), err error) {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: cfg.MaxAckPending,
		// Deliveries are counted by dispatch so that exhausted messages
		// are dead-lettered before the server stops redelivering them.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating/updating consumer %s on %s: %w",
			cfg.Name, stream, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		c.dispatch(consumeCtx, cfg, msg, handler, onDeadLetter)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting consumer %s: %w", cfg.Name, err)
	}
	return func() {
		cancel()
		cons.Stop()
	}, nil
}

func (c *Client) dispatch(
	ctx context.Context, cfg ConsumerConfig, msg jetstream.Msg,
	handler bus.Handler, onDeadLetter DeadLetterFunc,
) {
	m := toMessage(msg)
	log := c.log.With(
		slog.String("consumer", cfg.Name),
		slog.String("subject", m.Subject),
		slog.Uint64("delivered", m.NumDelivered))

	err := handler(ctx, m)
	if err == nil {
		if err := msg.Ack(); err != nil {
			log.Error("acknowledging message", slog.Any("err", err))
		}
		return
	}

	if !errors.Is(err, bus.ErrPermanent) &&
		(cfg.MaxDeliver < 1 || m.NumDelivered < uint64(cfg.MaxDeliver)) {
		log.Warn("handling message failed, redelivering", slog.Any("err", err))
		if err := msg.NakWithDelay(cfg.NakDelay); err != nil {
			log.Error("negatively acknowledging message", slog.Any("err", err))
		}
		return
	}

	log.Error("handling message failed, dead-lettering", slog.Any("err", err))
	if dlErr := onDeadLetter(ctx, m, err); dlErr != nil {
		log.Error("dead-lettering message", slog.Any("err", dlErr))
		if err := msg.NakWithDelay(cfg.NakDelay); err != nil {
			log.Error("negatively acknowledging message", slog.Any("err", err))
		}
		return
	}
	if err := msg.Term(); err != nil {
		log.Error("terminating message", slog.Any("err", err))
	}
}

func toMessage(msg jetstream.Msg) *bus.Message {
	m := &bus.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
	}
	if h := msg.Headers(); len(h) > 0 {
		m.Metadata = make(map[string]string, len(h))
		for k := range h {
			m.Metadata[k] = h.Get(k)
		}
		m.ID = h.Get(nats.MsgIdHdr)
	}
	if md, err := msg.Metadata(); err == nil {
		m.NumDelivered = md.NumDelivered
		m.Timestamp = md.Timestamp
		if m.ID == "" {
			m.ID = strconv.FormatUint(md.Sequence.Stream, 10)
		}
	}
	return m
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool { return c.conn.IsConnected() }

// Drain gracefully closes, allowing in-flight messages to complete.
func (c *Client) Drain() error { return c.conn.Drain() }

// Close closes the connection immediately.
func (c *Client) Close() { c.conn.Close() }
