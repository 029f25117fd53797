package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/taskhub/go/internal/events"
)

// Schema creates the dead_letters table.
const Schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id          UUID PRIMARY KEY,
	event_name  TEXT NOT NULL,
	topic       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	headers     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dead_letters_created_at_idx ON dead_letters (created_at DESC);
`

// PostgresSink writes letters to the dead_letters table through database/sql.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the table when missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create dead_letters table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Save(ctx context.Context, letter Letter) error {
	headers, err := marshalHeaders(letter.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_name, topic, reason, payload, headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, letter.ID, letter.EventName, letter.Topic, letter.Reason, letter.Payload, headers, letter.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Recent returns up to limit letters, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_name, topic, reason, payload, headers, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []Letter
	for rows.Next() {
		var (
			l       Letter
			headers pqtype.NullRawMessage
		)
		if err := rows.Scan(&l.ID, &l.EventName, &l.Topic, &l.Reason, &l.Payload, &headers, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if l.Headers, err = unmarshalHeaders(headers); err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

func marshalHeaders(md events.Metadata) (pqtype.NullRawMessage, error) {
	if len(md) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("marshal dead letter headers: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func unmarshalHeaders(raw pqtype.NullRawMessage) (events.Metadata, error) {
	md := events.Metadata{}
	if !raw.Valid {
		return md, nil
	}
	if err := json.Unmarshal(raw.RawMessage, &md); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter headers: %w", err)
	}
	return md, nil
}
