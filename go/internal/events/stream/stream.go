// Package stream abstracts the partitioned event stream the pipeline publishes
// to and consumes from, plus the batched offset commit shared by every consumer.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/mcdev12/taskhub/go/internal/events"
)

// ErrClosed is returned by clients used after Close.
var ErrClosed = errors.New("stream client closed")

// Position identifies a consumed message for acknowledgment. It is opaque to
// everything but the client that produced it.
type Position struct {
	Topic     string
	Partition int32
	Offset    int64

	ref any
}

// NewPosition is used by client implementations. ref carries whatever the
// client needs to acknowledge the message later.
func NewPosition(topic string, partition int32, offset int64, ref any) Position {
	return Position{Topic: topic, Partition: partition, Offset: offset, ref: ref}
}

// Ref returns the client-specific acknowledgment handle.
func (p Position) Ref() any {
	return p.ref
}

// Message is a single stream record.
type Message struct {
	// ID is a publish-side deduplication id. Only first publication sets it;
	// republished copies leave it empty so the broker does not drop them.
	ID       string
	Topic    string
	Key      []byte
	Payload  []byte
	Headers  events.Metadata
	Position Position
}

// EventName is the Event-Name header.
func (m *Message) EventName() string {
	return m.Headers.EventName()
}

// Publisher appends a message to a topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer is the receive side. Receive and Commit are not safe for concurrent
// use; a single loop goroutine owns them.
type Consumer interface {
	// Receive waits up to timeout for the next message. It returns (nil, nil)
	// when the timeout elapses without a message.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	// Commit acknowledges the given positions. Positions arrive out of order;
	// a received position that was not committed must stay redeliverable.
	Commit(ctx context.Context, positions []Position) error
	Close() error
}

// Toucher is implemented by consumers whose broker redelivers messages left
// unacknowledged past a deadline. Touch resets that deadline for positions
// that were received but are deliberately held. It is safe to call while
// another goroutine runs Receive and Commit.
type Toucher interface {
	Touch(ctx context.Context, positions []Position) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
