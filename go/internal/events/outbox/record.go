// Package outbox implements the transactional outbox: business code appends
// records inside its own transaction and the drain loop publishes them.
package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/taskhub/go/internal/events"
)

var (
	// ErrLockUnavailable means the mutex backend could not be reached. The
	// drain loop treats it as transient and skips the cycle.
	ErrLockUnavailable = errors.New("outbox lock unavailable")
	ErrRecordNotFound  = errors.New("outbox record not found")
	ErrAlreadyRunning  = errors.New("outbox drain loop already running")
	ErrNotRunning      = errors.New("outbox drain loop not running")
)

// Record is one row of the event_outbox table.
type Record struct {
	ID           uuid.UUID
	EventName    string
	Payload      []byte
	TraceID      string
	SpanID       string
	OccurredAt   time.Time
	AvailableAt  time.Time
	ProcessedAt  *time.Time
	AttemptCount int
	LastError    *string
}

// Eligible reports whether the drain loop may pick the record up at now.
func (r Record) Eligible(now time.Time) bool {
	return r.ProcessedAt == nil && !r.AvailableAt.After(now)
}

// Headers returns the metadata published with the record.
func (r Record) Headers() events.Metadata {
	md := events.Metadata{events.HeaderEventName: r.EventName}
	if r.TraceID != "" {
		md[events.HeaderTraceID] = r.TraceID
	}
	if r.SpanID != "" {
		md[events.HeaderSpanID] = r.SpanID
	}
	return md
}
