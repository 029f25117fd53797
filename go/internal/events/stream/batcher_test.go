package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
	"github.com/mcdev12/taskhub/go/internal/events/stream/streamtest"
)

func pos(offset int64) stream.Position {
	return stream.NewPosition("TaskCreated", 0, offset, nil)
}

func TestCommitBatcher_NotDueBeforeThresholds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	consumer := streamtest.NewBroker().Subscribe(".*")
	b := stream.NewCommitBatcher(consumer, stream.DefaultBatcherConfig(), clock)

	for i := 0; i < 99; i++ {
		b.Enqueue(pos(int64(i)))
	}
	clock.Advance(4999 * time.Millisecond)

	require.NoError(t, b.CommitIfDue(context.Background()))
	assert.Empty(t, consumer.Committed())
	assert.Equal(t, 99, b.Len())
}

func TestCommitBatcher_CommitsAtBatchSize(t *testing.T) {
	clock := clockwork.NewFakeClock()
	consumer := streamtest.NewBroker().Subscribe(".*")
	b := stream.NewCommitBatcher(consumer, stream.DefaultBatcherConfig(), clock)

	for i := 0; i < 100; i++ {
		b.Enqueue(pos(int64(i)))
	}

	require.NoError(t, b.CommitIfDue(context.Background()))
	assert.Len(t, consumer.Committed(), 100)
	assert.Zero(t, b.Len())
}

func TestCommitBatcher_CommitsAfterInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	consumer := streamtest.NewBroker().Subscribe(".*")
	b := stream.NewCommitBatcher(consumer, stream.DefaultBatcherConfig(), clock)

	b.Enqueue(pos(1))
	clock.Advance(5 * time.Second)

	require.NoError(t, b.CommitIfDue(context.Background()))
	assert.Equal(t, []stream.Position{pos(1)}, consumer.Committed())

	// The interval restarts from the last commit.
	b.Enqueue(pos(2))
	clock.Advance(time.Second)
	require.NoError(t, b.CommitIfDue(context.Background()))
	assert.Len(t, consumer.Committed(), 1)
}

func TestCommitBatcher_EmptyQueueNeverCommits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	consumer := streamtest.NewBroker().Subscribe(".*")
	b := stream.NewCommitBatcher(consumer, stream.DefaultBatcherConfig(), clock)

	clock.Advance(time.Minute)
	assert.False(t, b.Due())
	require.NoError(t, b.CommitAllNow(context.Background()))
	assert.Empty(t, consumer.Committed())
}

func TestCommitBatcher_FailedCommitRequeues(t *testing.T) {
	clock := clockwork.NewFakeClock()
	consumer := streamtest.NewBroker().Subscribe(".*")
	b := stream.NewCommitBatcher(consumer, stream.DefaultBatcherConfig(), clock)

	b.Enqueue(pos(1))
	b.Enqueue(pos(2))

	boom := errors.New("broker unavailable")
	consumer.FailCommit(boom)
	err := b.CommitAllNow(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, b.Len())

	b.Enqueue(pos(3))
	consumer.FailCommit(nil)
	require.NoError(t, b.CommitAllNow(context.Background()))
	assert.Equal(t, []stream.Position{pos(1), pos(2), pos(3)}, consumer.Committed())
}
