package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

const dedupePrefix = "conveyor:delivered:"

// Dedupe запоминает доставленные единицы работы.
type Dedupe interface {
	// Delivered сообщает, была ли единица с этим ID уже доставлена.
	Delivered(ctx context.Context, id string) (bool, error)

	// MarkDelivered помечает единицу доставленной.
	MarkDelivered(ctx context.Context, id string) error
}

// RedisDedupe — Dedupe на Redis ключах с TTL.
type RedisDedupe struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDedupe создаёт RedisDedupe. ttl <= 0 — 24 часа.
func NewRedisDedupe(rdb *redis.Client, ttl time.Duration) *RedisDedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupe{rdb: rdb, ttl: ttl}
}

// Delivered проверяет наличие ключа.
func (d *RedisDedupe) Delivered(ctx context.Context, id string) (bool, error) {
	err := d.rdb.Get(ctx, dedupePrefix+id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDelivered ставит ключ с TTL.
func (d *RedisDedupe) MarkDelivered(ctx context.Context, id string) error {
	return d.rdb.Set(ctx, dedupePrefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}
