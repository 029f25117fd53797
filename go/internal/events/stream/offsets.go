package stream

import (
	"sort"
	"sync"
)

// OffsetTracker computes commit points for logs that store a single offset
// per partition. Messages finish out of order, so a partition only advances
// up to its lowest offset still in flight.
type OffsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionOffsets
}

type partitionKey struct {
	topic     string
	partition int32
}

type partitionOffsets struct {
	inflight map[int64]struct{}
	// acked is the highest acknowledged offset, -1 before the first ack.
	acked int64
	// committed is the next offset the broker already stores for us.
	committed int64
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{parts: make(map[partitionKey]*partitionOffsets)}
}

// Received records a message handed to the application.
func (t *OffsetTracker) Received(p Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := partitionKey{p.Topic, p.Partition}
	s, ok := t.parts[k]
	if !ok {
		// Reading starts at the stored offset, so everything below is done.
		s = &partitionOffsets{inflight: make(map[int64]struct{}), acked: -1, committed: p.Offset}
		t.parts[k] = s
	}
	if p.Offset < s.committed {
		return
	}
	s.inflight[p.Offset] = struct{}{}
}

// Ack marks positions as handled. Positions that were never received, or
// whose partition was forgotten, are ignored.
func (t *OffsetTracker) Ack(positions []Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range positions {
		s, ok := t.parts[partitionKey{p.Topic, p.Partition}]
		if !ok {
			continue
		}
		if _, held := s.inflight[p.Offset]; !held {
			continue
		}
		delete(s.inflight, p.Offset)
		if p.Offset > s.acked {
			s.acked = p.Offset
		}
	}
}

// CommitPoints returns, per partition, the next offset to store: one past the
// highest acknowledged offset but never past the lowest offset in flight.
// Partitions with nothing new to store are left out. The result is sorted by
// topic, then partition.
func (t *OffsetTracker) CommitPoints() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Position
	for k, s := range t.parts {
		if s.acked < 0 {
			continue
		}
		next := s.acked + 1
		for off := range s.inflight {
			if off < next {
				next = off
			}
		}
		if next <= s.committed {
			continue
		}
		out = append(out, NewPosition(k.topic, k.partition, next, nil))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

// Committed records that the broker stored points.
func (t *OffsetTracker) Committed(points []Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range points {
		if s, ok := t.parts[partitionKey{p.Topic, p.Partition}]; ok && p.Offset > s.committed {
			s.committed = p.Offset
		}
	}
}

// Stored returns the last committed point of a partition.
func (t *OffsetTracker) Stored(topic string, partition int32) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.parts[partitionKey{topic, partition}]
	if !ok {
		return 0, false
	}
	return s.committed, true
}

// Forget drops a partition, typically after a rebalance revoked it. Acks that
// arrive for it later are ignored.
func (t *OffsetTracker) Forget(topic string, partition int32) {
	t.mu.Lock()
	delete(t.parts, partitionKey{topic, partition})
	t.mu.Unlock()
}
