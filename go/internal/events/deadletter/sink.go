// Package deadletter stores messages the pipeline gave up on, for manual
// inspection.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/taskhub/go/internal/events"
)

// Letter is one dead-lettered message.
type Letter struct {
	ID        uuid.UUID
	EventName string
	Topic     string
	Reason    string
	Payload   []byte
	Headers   events.Metadata
	CreatedAt time.Time
}

// Sink persists dead letters.
type Sink interface {
	Save(ctx context.Context, letter Letter) error
}

// Lister is implemented by sinks that can read back what they stored.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Letter, error)
}

// New fills the identity fields of a letter.
func New(eventName, topic, reason string, payload []byte, headers events.Metadata, now time.Time) Letter {
	return Letter{
		ID:        uuid.New(),
		EventName: eventName,
		Topic:     topic,
		Reason:    reason,
		Payload:   payload,
		Headers:   headers.Clone(),
		CreatedAt: now.UTC(),
	}
}

// LogSink only logs. Useful when no durable sink is configured.
type LogSink struct{}

func (LogSink) Save(_ context.Context, letter Letter) error {
	log.Warn().
		Str("dead_letter_id", letter.ID.String()).
		Str("event_name", letter.EventName).
		Str("topic", letter.Topic).
		Str("reason", letter.Reason).
		Int("size", len(letter.Payload)).
		Msg("message dead-lettered")
	return nil
}

// Memory keeps letters in process.
type Memory struct {
	mu      sync.Mutex
	letters []Letter
	err     error
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes Save return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Save(_ context.Context, letter Letter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.letters = append(m.letters, letter)
	return nil
}

// Recent returns up to limit letters, newest first.
func (m *Memory) Recent(_ context.Context, limit int) ([]Letter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Letter, 0, len(m.letters))
	for i := len(m.letters) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.letters[i])
	}
	return out, nil
}

// Letters returns everything saved, oldest first.
func (m *Memory) Letters() []Letter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Letter(nil), m.letters...)
}
