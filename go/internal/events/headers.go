package events

import (
	"strconv"
	"time"
)

// Wire-level metadata keys. They are copied verbatim on every hop:
// outbox -> stream, stream -> retry stream, retry stream -> stream.
const (
	HeaderEventName      = "Event-Name"
	HeaderRetryAttempts  = "Retry-Attempts"
	HeaderAvailableAtUTC = "Available-At-Utc"
	HeaderOriginalTopic  = "Original-Topic"
	HeaderTraceID        = "Trace-Id"
	HeaderSpanID         = "Span-Id"
)

// RetrySuffix is appended to an event name to form its retry stream.
const RetrySuffix = "-retry"

// RetryTopic returns the retry stream name for an event.
func RetryTopic(eventName string) string {
	return eventName + RetrySuffix
}

// Metadata is the header set carried by a message.
type Metadata map[string]string

// Clone returns a copy that can be mutated without touching the original.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) EventName() string {
	return m[HeaderEventName]
}

// Attempts returns the Retry-Attempts header, 0 when absent or malformed.
func (m Metadata) Attempts() int {
	v, ok := m[HeaderRetryAttempts]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (m Metadata) SetAttempts(n int) {
	m[HeaderRetryAttempts] = strconv.Itoa(n)
}

// AvailableAt parses Available-At-Utc. ok is false when the header is missing
// or cannot be parsed.
func (m Metadata) AvailableAt() (t time.Time, ok bool) {
	v, found := m[HeaderAvailableAtUTC]
	if !found || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (m Metadata) SetAvailableAt(t time.Time) {
	m[HeaderAvailableAtUTC] = t.UTC().Format(time.RFC3339Nano)
}

func (m Metadata) OriginalTopic() string {
	return m[HeaderOriginalTopic]
}
