package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/taskhub/go/internal/events/stream"
)

func TestDelayQueue_PopsInWakeOrder(t *testing.T) {
	q := newDelayQueue()
	q.push(&stream.Message{Key: []byte("c")}, epoch.Add(3*time.Second))
	q.push(&stream.Message{Key: []byte("a")}, epoch.Add(time.Second))
	q.push(&stream.Message{Key: []byte("b1")}, epoch.Add(2*time.Second))
	q.push(&stream.Message{Key: []byte("b2")}, epoch.Add(2*time.Second))

	msg, next, ok := q.popDue(epoch)
	assert.False(t, ok)
	assert.Nil(t, msg)
	assert.Equal(t, epoch.Add(time.Second), next)

	var keys []string
	for {
		msg, _, ok := q.popDue(epoch.Add(time.Minute))
		if !ok {
			break
		}
		keys = append(keys, string(msg.Key))
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, keys)
	assert.Zero(t, q.len())
}

func TestDelayQueue_EmptyHasNoWakeTime(t *testing.T) {
	q := newDelayQueue()
	_, next, ok := q.popDue(epoch)
	assert.False(t, ok)
	assert.True(t, next.IsZero())
}

func TestDelayQueue_PushSignalsChange(t *testing.T) {
	q := newDelayQueue()
	q.push(&stream.Message{}, epoch)
	q.push(&stream.Message{}, epoch)

	select {
	case <-q.changed:
	default:
		require.Fail(t, "expected change signal")
	}
	select {
	case <-q.changed:
		require.Fail(t, "signals should coalesce")
	default:
	}
}
