// Package streamtest provides an in-memory stream for tests.
package streamtest

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

// Broker is an in-memory, single-partition-per-topic stream.
type Broker struct {
	mu        sync.Mutex
	log       []stream.Message
	notify    chan struct{}
	publishFn func(msg stream.Message) error
}

func NewBroker() *Broker {
	return &Broker{notify: make(chan struct{})}
}

// FailPublish installs a hook consulted before every publish; a non-nil error
// rejects the message.
func (b *Broker) FailPublish(fn func(msg stream.Message) error) {
	b.mu.Lock()
	b.publishFn = fn
	b.mu.Unlock()
}

// Publish appends msg to its topic.
func (b *Broker) Publish(_ context.Context, msg stream.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishFn != nil {
		if err := b.publishFn(msg); err != nil {
			return err
		}
	}

	msg.Headers = msg.Headers.Clone()
	msg.Position = stream.NewPosition(msg.Topic, 0, int64(len(b.log)), nil)
	b.log = append(b.log, msg)

	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Published returns every message published to topic, in order.
func (b *Broker) Published(topic string) []stream.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stream.Message
	for _, m := range b.log {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// All returns every published message.
func (b *Broker) All() []stream.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]stream.Message(nil), b.log...)
}

// Subscribe returns a consumer reading topics that match pattern.
func (b *Broker) Subscribe(pattern string) *Consumer {
	return &Consumer{broker: b, match: regexp.MustCompile(pattern), offsets: stream.NewOffsetTracker()}
}

// Consumer reads from a Broker and records commits. Besides the raw positions
// it keeps the offset a partitioned log would store, which never passes a
// message that was received but not committed.
type Consumer struct {
	broker  *Broker
	match   *regexp.Regexp
	offsets *stream.OffsetTracker

	mu        sync.Mutex
	cursor    int
	committed []stream.Position
	commitErr error
	closed    bool
}

func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*stream.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		msg, wait := c.next()
		if msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (c *Consumer) next() (*stream.Message, <-chan struct{}) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.cursor < len(c.broker.log) {
		m := c.broker.log[c.cursor]
		c.cursor++
		if c.match.MatchString(m.Topic) {
			m.Headers = m.Headers.Clone()
			c.offsets.Received(m.Position)
			return &m, nil
		}
	}
	return nil, c.broker.notify
}

// FailCommit makes subsequent commits return err until cleared with nil.
func (c *Consumer) FailCommit(err error) {
	c.mu.Lock()
	c.commitErr = err
	c.mu.Unlock()
}

func (c *Consumer) Commit(_ context.Context, positions []stream.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commitErr != nil {
		return c.commitErr
	}
	c.committed = append(c.committed, positions...)
	c.offsets.Ack(positions)
	c.offsets.Committed(c.offsets.CommitPoints())
	return nil
}

// StoredOffset returns the next offset a partitioned log would resume topic
// from. ok is false until something on topic was received.
func (c *Consumer) StoredOffset(topic string) (offset int64, ok bool) {
	return c.offsets.Stored(topic, 0)
}

// Committed returns every committed position.
func (c *Consumer) Committed() []stream.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Position(nil), c.committed...)
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
