package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Committer is the part of Consumer the batcher needs.
type Committer interface {
	Commit(ctx context.Context, positions []Position) error
}

type BatcherConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchSize: 100,
		Interval:  5 * time.Second,
	}
}

// CommitBatcher accumulates acknowledged positions and commits them in batches.
//
// Enqueue may be called from any goroutine. CommitIfDue and CommitAllNow must
// only be called from the goroutine that owns the consumer, because client
// commit calls are not thread-safe.
type CommitBatcher struct {
	committer Committer
	cfg       BatcherConfig
	clock     clockwork.Clock

	mu         sync.Mutex
	pending    []Position
	lastCommit time.Time
}

func NewCommitBatcher(committer Committer, cfg BatcherConfig, clock clockwork.Clock) *CommitBatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatcherConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBatcherConfig().Interval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CommitBatcher{
		committer:  committer,
		cfg:        cfg,
		clock:      clock,
		lastCommit: clock.Now(),
	}
}

// Enqueue queues a position for the next commit. It never commits.
func (b *CommitBatcher) Enqueue(p Position) {
	b.mu.Lock()
	b.pending = append(b.pending, p)
	b.mu.Unlock()
}

// Len returns the number of queued positions.
func (b *CommitBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Due reports whether the queue reached the batch size or the interval since the
// last commit elapsed. An empty queue is never due.
func (b *CommitBatcher) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dueLocked()
}

func (b *CommitBatcher) dueLocked() bool {
	if len(b.pending) == 0 {
		return false
	}
	if len(b.pending) >= b.cfg.BatchSize {
		return true
	}
	return b.clock.Since(b.lastCommit) >= b.cfg.Interval
}

// CommitIfDue commits everything queued when Due is true.
func (b *CommitBatcher) CommitIfDue(ctx context.Context) error {
	if !b.Due() {
		return nil
	}
	return b.CommitAllNow(ctx)
}

// CommitAllNow drains the queue and performs one commit call. On failure the
// positions go back to the head of the queue.
func (b *CommitBatcher) CommitAllNow(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.lastCommit = b.clock.Now()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := b.committer.Commit(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return fmt.Errorf("commit %d positions: %w", len(batch), err)
	}

	log.Debug().Int("count", len(batch)).Msg("committed stream positions")
	return nil
}
