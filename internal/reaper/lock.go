package reaper

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker — распределённая блокировка лидера.
type Locker interface {
	// Acquire пытается взять блокировку. Возвращает функцию освобождения,
	// если блокировка взята, и nil, если её держит другой экземпляр.
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, err error)
}

// releaseScript удаляет ключ, только если он принадлежит владельцу.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker — Locker на SET NX PX.
type RedisLocker struct {
	rdb *redis.Client
	key string
}

// NewRedisLocker создаёт RedisLocker.
func NewRedisLocker(rdb *redis.Client, key string) *RedisLocker {
	return &RedisLocker{rdb: rdb, key: key}
}

// Acquire берёт блокировку на ttl.
func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
	}, nil
}
