package identifier

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RedisSequencer uses INCR so several server instances share one sequence.
type RedisSequencer struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisSequencer(rdb redis.UniversalClient) *RedisSequencer {
	return &RedisSequencer{rdb: rdb, prefix: "seq:"}
}

func (s *RedisSequencer) Next(ctx context.Context, scope string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.prefix+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", scope, err)
	}
	return n, nil
}

// PGSequencer keeps counters in the identifier_sequence table.
type PGSequencer struct {
	pool *pgxpool.Pool
}

func NewPGSequencer(pool *pgxpool.Pool) *PGSequencer {
	return &PGSequencer{pool: pool}
}

func (s *PGSequencer) Next(ctx context.Context, scope string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identifier_sequence (scope, value) VALUES ($1, 1)
		ON CONFLICT (scope) DO UPDATE SET value = identifier_sequence.value + 1
		RETURNING value`, scope).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", scope, err)
	}
	return n, nil
}
