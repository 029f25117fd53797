package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore mimics the Postgres store: Eligible skips rows locked by another
// open batch and updates become visible on Commit.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	locked  map[uuid.UUID]bool
	begins  int
}

func newMemStore(records ...Record) *memStore {
	s := &memStore{records: map[uuid.UUID]Record{}, locked: map[uuid.UUID]bool{}}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) get(id uuid.UUID) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

func (s *memStore) Begin(context.Context) (Batch, error) {
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &memBatch{store: s, staged: map[uuid.UUID]Record{}}, nil
}

type memBatch struct {
	store  *memStore
	held   []uuid.UUID
	staged map[uuid.UUID]Record
}

func (b *memBatch) Eligible(_ context.Context, now time.Time, limit int) ([]Record, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for id, r := range s.records {
		if s.locked[id] || !r.Eligible(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	for _, r := range out {
		s.locked[r.ID] = true
		b.held = append(b.held, r.ID)
	}
	return out, nil
}

func (b *memBatch) update(id uuid.UUID, fn func(*Record)) error {
	r, ok := b.staged[id]
	if !ok {
		b.store.mu.Lock()
		r, ok = b.store.records[id]
		b.store.mu.Unlock()
		if !ok {
			return ErrRecordNotFound
		}
	}
	fn(&r)
	b.staged[id] = r
	return nil
}

func (b *memBatch) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	return b.update(id, func(r *Record) { r.ProcessedAt = &at })
}

func (b *memBatch) MarkFailed(_ context.Context, id uuid.UUID, attempts int, availableAt time.Time, lastErr string) error {
	return b.update(id, func(r *Record) {
		r.AttemptCount = attempts
		r.AvailableAt = availableAt
		r.LastError = &lastErr
	})
}

func (b *memBatch) Reject(_ context.Context, id uuid.UUID, at time.Time, reason string) error {
	return b.update(id, func(r *Record) {
		r.ProcessedAt = &at
		r.LastError = &reason
	})
}

func (b *memBatch) Commit(context.Context) error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range b.staged {
		s.records[id] = r
	}
	b.unlock()
	return nil
}

func (b *memBatch) Rollback(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.unlock()
	return nil
}

// unlock must be called with the store mutex held.
func (b *memBatch) unlock() {
	for _, id := range b.held {
		delete(b.store.locked, id)
	}
	b.held = nil
}
