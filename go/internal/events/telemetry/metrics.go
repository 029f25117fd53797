// Package telemetry holds the metrics and tracing collaborators of the event
// pipeline.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics receives pipeline counters.
type Metrics interface {
	Received(ctx context.Context, eventName string)
	UnknownType(ctx context.Context, eventName string)
	HandlerSuccess(ctx context.Context, eventName string)
	RetryOffloaded(ctx context.Context, eventName string, attempt int)
	DeadLettered(ctx context.Context, eventName, reason string)
	Relayed(ctx context.Context, target string)
	OutboxPublished(ctx context.Context, eventName string)
	OutboxFailed(ctx context.Context, eventName string)
	OutboxRejected(ctx context.Context, eventName string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Received(context.Context, string)             {}
func (Nop) UnknownType(context.Context, string)          {}
func (Nop) HandlerSuccess(context.Context, string)       {}
func (Nop) RetryOffloaded(context.Context, string, int)  {}
func (Nop) DeadLettered(context.Context, string, string) {}
func (Nop) Relayed(context.Context, string)              {}
func (Nop) OutboxPublished(context.Context, string)      {}
func (Nop) OutboxFailed(context.Context, string)         {}
func (Nop) OutboxRejected(context.Context, string)       {}

const (
	attrEvent   = attribute.Key("event.name")
	attrAttempt = attribute.Key("retry.attempt")
	attrReason  = attribute.Key("dead_letter.reason")
	attrTarget  = attribute.Key("relay.target")
)

// Otel records counters through an OpenTelemetry meter.
type Otel struct {
	received        metric.Int64Counter
	unknownType     metric.Int64Counter
	handlerSuccess  metric.Int64Counter
	retryOffload    metric.Int64Counter
	deadLetter      metric.Int64Counter
	relayed         metric.Int64Counter
	outboxPublished metric.Int64Counter
	outboxFailed    metric.Int64Counter
	outboxRejected  metric.Int64Counter
}

// NewOtel creates the counters on provider, or on the global provider when nil.
func NewOtel(provider metric.MeterProvider) (*Otel, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("taskhub.events")

	m := &Otel{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.received, "events.consumer.received", "Messages received by the stream consumer"},
		{&m.unknownType, "events.consumer.unknown_type", "Messages whose event type is not registered"},
		{&m.handlerSuccess, "events.consumer.handler_success", "Messages handled with success or skip"},
		{&m.retryOffload, "events.consumer.retry_offload", "Messages moved to a retry stream"},
		{&m.deadLetter, "events.dead_letter", "Messages sent to the dead-letter sink"},
		{&m.relayed, "events.relay.relayed", "Messages moved back from a retry stream"},
		{&m.outboxPublished, "events.outbox.published", "Outbox records published"},
		{&m.outboxFailed, "events.outbox.failed", "Outbox publish attempts that failed"},
		{&m.outboxRejected, "events.outbox.rejected", "Outbox records rejected permanently"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("{message}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Otel) Received(ctx context.Context, eventName string) {
	m.received.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

func (m *Otel) UnknownType(ctx context.Context, eventName string) {
	m.unknownType.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

func (m *Otel) HandlerSuccess(ctx context.Context, eventName string) {
	m.handlerSuccess.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

func (m *Otel) RetryOffloaded(ctx context.Context, eventName string, attempt int) {
	m.retryOffload.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName), attrAttempt.Int(attempt)))
}

func (m *Otel) DeadLettered(ctx context.Context, eventName, reason string) {
	m.deadLetter.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName), attrReason.String(reason)))
}

func (m *Otel) Relayed(ctx context.Context, target string) {
	m.relayed.Add(ctx, 1, metric.WithAttributes(attrTarget.String(target)))
}

func (m *Otel) OutboxPublished(ctx context.Context, eventName string) {
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

func (m *Otel) OutboxFailed(ctx context.Context, eventName string) {
	m.outboxFailed.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

func (m *Otel) OutboxRejected(ctx context.Context, eventName string) {
	m.outboxRejected.Add(ctx, 1, metric.WithAttributes(attrEvent.String(eventName)))
}

// Counters keeps in-process totals. The admin server reports them and tests
// assert on them.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int64)}
}

func counterKey(name, label string) string {
	if label == "" {
		return name
	}
	return name + "{" + label + "}"
}

func (c *Counters) inc(name, label string) {
	c.mu.Lock()
	c.counts[counterKey(name, label)]++
	c.mu.Unlock()
}

// Count returns the total for name and label ("" for unlabeled).
func (c *Counters) Count(name, label string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[counterKey(name, label)]
}

// Snapshot returns a copy of all totals.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Keys returns the counter keys in sorted order.
func (c *Counters) Keys() []string {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Counters) Received(_ context.Context, eventName string) { c.inc("received", eventName) }

func (c *Counters) UnknownType(_ context.Context, eventName string) {
	c.inc("unknown_type", eventName)
}

func (c *Counters) HandlerSuccess(_ context.Context, eventName string) {
	c.inc("handler_success", eventName)
}

func (c *Counters) RetryOffloaded(_ context.Context, _ string, attempt int) {
	c.inc("retry_offload", strconv.Itoa(attempt))
}

func (c *Counters) DeadLettered(_ context.Context, _ string, reason string) {
	c.inc("dead_letter", reason)
}

func (c *Counters) Relayed(_ context.Context, target string) { c.inc("relayed", target) }

func (c *Counters) OutboxPublished(_ context.Context, eventName string) {
	c.inc("outbox_published", eventName)
}

func (c *Counters) OutboxFailed(_ context.Context, eventName string) {
	c.inc("outbox_failed", eventName)
}

func (c *Counters) OutboxRejected(_ context.Context, eventName string) {
	c.inc("outbox_rejected", eventName)
}

// Multi fans every call out to each collaborator.
type Multi []Metrics

func (m Multi) Received(ctx context.Context, eventName string) {
	for _, x := range m {
		x.Received(ctx, eventName)
	}
}

func (m Multi) UnknownType(ctx context.Context, eventName string) {
	for _, x := range m {
		x.UnknownType(ctx, eventName)
	}
}

func (m Multi) HandlerSuccess(ctx context.Context, eventName string) {
	for _, x := range m {
		x.HandlerSuccess(ctx, eventName)
	}
}

func (m Multi) RetryOffloaded(ctx context.Context, eventName string, attempt int) {
	for _, x := range m {
		x.RetryOffloaded(ctx, eventName, attempt)
	}
}

func (m Multi) DeadLettered(ctx context.Context, eventName, reason string) {
	for _, x := range m {
		x.DeadLettered(ctx, eventName, reason)
	}
}

func (m Multi) Relayed(ctx context.Context, target string) {
	for _, x := range m {
		x.Relayed(ctx, target)
	}
}

func (m Multi) OutboxPublished(ctx context.Context, eventName string) {
	for _, x := range m {
		x.OutboxPublished(ctx, eventName)
	}
}

func (m Multi) OutboxFailed(ctx context.Context, eventName string) {
	for _, x := range m {
		x.OutboxFailed(ctx, eventName)
	}
}

func (m Multi) OutboxRejected(ctx context.Context, eventName string) {
	for _, x := range m {
		x.OutboxRejected(ctx, eventName)
	}
}
