// Package lock serializes bank sync sessions per connection, across replicas
// through Redis or within the process when Redis is not configured.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/autocompta/internal/banksync/domain"
	"github.com/smallbiznis/autocompta/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RedisLocker obtains leases with bsm/redislock. A lease is never retried:
// a concurrent holder means a sync is already running.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock key is empty")
	}
	lease, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, domain.ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}
	return &redisLease{lock: lease}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return domain.ErrLockLost
	}
	return err
}

func (l *redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// LocalLocker holds keys in memory. TTLs are honoured so a crashed holder
// cannot block a key forever.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]localLease{}, now: time.Now}
}

var tokenSeq atomic.Uint64

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("lock key is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, domain.ErrSyncInProgress
	}
	lease := localLease{token: tokenSeq.Add(1), expires: now.Add(ttl)}
	l.held[key] = lease
	return &localLock{locker: l, key: key, token: lease.token}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  uint64
}

func (l *localLock) Refresh(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	lease, ok := l.locker.held[l.key]
	if !ok || lease.token != l.token {
		return domain.ErrLockLost
	}
	lease.expires = l.locker.now().Add(ttl)
	l.locker.held[l.key] = lease
	return nil
}

func (l *localLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if lease, ok := l.locker.held[l.key]; ok && lease.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}

// Provide returns a Redis-backed locker when REDIS_ADDR is set.
func Provide(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) domain.Locker {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		log.Info("bank sync locks held in process", zap.String("reason", "redis not configured"))
		return NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisLocker(client)
}
