package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries in Redis under a key prefix so the instance can
// be shared with other applications.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig configures NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a client and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisStore wraps client. Keys are stored as prefix+key.
func NewRedisStore(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

// Keys scans for every key under the prefix and returns them without it.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}
