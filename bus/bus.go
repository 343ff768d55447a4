// Package bus defines the event bus abstractions used by the relay and the
// applier without coupling them to a specific broker implementation.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks handler errors that redelivery can't fix.
// Messages failing with an error wrapping ErrPermanent are dead-lettered
// right away instead of being redelivered.
var ErrPermanent = errors.New("permanent failure")

// Message is a message received from or published to the bus.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// ID is the deduplication identifier of the message.
	// Brokers supporting deduplication drop republished messages with the same ID.
	ID string

	// Metadata contains optional message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// NumDelivered is the number of times the message was delivered
	// including the current delivery. Zero for published messages.
	NumDelivered uint64
}

// Handler processes a received message.
// Returning an error causes redelivery unless the error wraps ErrPermanent.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes messages and waits for the broker's acknowledgment.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *Message) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, msg *Message) error

func (f PublisherFunc) PublishMsg(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
