package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL is how long the Redis ledger remembers an id.
const DefaultTTL = time.Hour

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	TTL      time.Duration
	Prefix   string
}

// RedisLedger shares the ledger between replicas. Ids expire after TTL.
type RedisLedger struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLedger connects to Redis and pings it.
func NewRedisLedger(config *RedisConfig) (*RedisLedger, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Prefix == "" {
		config.Prefix = "mailhook:delivery:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLedger{rdb: rdb, ttl: config.TTL, prefix: config.Prefix}, nil
}

func (l *RedisLedger) Add(ctx context.Context, id string) (bool, error) {
	fresh, err := l.rdb.SetNX(ctx, l.prefix+id, time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}
	return fresh, nil
}

func (l *RedisLedger) Forget(ctx context.Context, id string) error {
	if err := l.rdb.Del(ctx, l.prefix+id).Err(); err != nil {
		return fmt.Errorf("failed to forget delivery: %w", err)
	}
	return nil
}

// Health pings Redis.
func (l *RedisLedger) Health(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}
