package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/jackc/pgx/v5/pgxpool"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Mutex is the named distributed lock guarding a drain cycle.
//
// TryLock never blocks waiting for another holder. acquired is false when
// someone else holds the lock; err is non-nil only when the backend could not
// answer, and wraps ErrLockUnavailable. release must be called exactly once
// when acquired is true.
type Mutex interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

const unlockTimeout = 5 * time.Second

// AdvisoryLock uses a session-level Postgres advisory lock. The lock lives on
// one pooled connection, held from TryLock to release.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: acquire connection: %v", ErrLockUnavailable, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("%w: pg_try_advisory_lock: %v", ErrLockUnavailable, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()

		var unlocked bool
		err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked)
		if err == nil && unlocked {
			conn.Release()
			return
		}

		// Closing the session drops every advisory lock it holds.
		log.Warn().Err(err).Int64("lock_key", l.key).Msg("advisory unlock failed, closing connection")
		raw := conn.Hijack()
		if cerr := raw.Close(ctx); cerr != nil {
			log.Error().Err(cerr).Msg("failed to close advisory lock connection")
		}
	}
	return release, true, nil
}

// RedisLock uses a redsync mutex with a single try. The expiry bounds how
// long a crashed holder blocks other instances, so it must exceed the
// longest drain cycle.
type RedisLock struct {
	mutex *redsync.Mutex
	name  string
}

func NewRedisLock(client goredislib.UniversalClient, name string, expiry time.Duration) *RedisLock {
	rs := redsync.New(goredis.NewPool(client))
	return &RedisLock{
		mutex: rs.NewMutex(name,
			redsync.WithExpiry(expiry),
			redsync.WithTries(1),
		),
		name: name,
	}
}

func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		if isLockContention(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis lock %s: %v", ErrLockUnavailable, l.name, err)
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if ok, err := l.mutex.UnlockContext(ctx); err != nil || !ok {
			log.Warn().Err(err).Str("lock", l.name).Msg("redis unlock failed, lock expires on its own")
		}
	}
	return release, true, nil
}

// isLockContention reports whether another holder owns the lock, as opposed
// to Redis being unreachable.
func isLockContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.As(err, &taken) || errors.As(err, &nodeTaken) || errors.Is(err, redsync.ErrFailed)
}

// LocalLock serializes drain loops inside one process. It is meant for single
// instance deployments and tests.
type LocalLock struct {
	mu sync.Mutex
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}
