package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"kilometers.ai/authlayer/internal/core/domain"
)

// DefaultRedisPrefix namespaces the two credential keys
const DefaultRedisPrefix = "authlayer:credential"

// RedisBackend stores the pair under two keys written in one MULTI/EXEC
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis backend; an empty prefix uses DefaultRedisPrefix
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

// Name identifies the backend in logs
func (b *RedisBackend) Name() string {
	return "redis"
}

// Prefix returns the key namespace
func (b *RedisBackend) Prefix() string {
	return b.prefix
}

func (b *RedisBackend) accessKey() string {
	return b.prefix + ":access"
}

func (b *RedisBackend) refreshKey() string {
	return b.prefix + ":refresh"
}

// Load reads both slots with one MGET; missing keys are empty tokens
func (b *RedisBackend) Load(ctx context.Context) (domain.Credential, error) {
	values, err := b.client.MGet(ctx, b.accessKey(), b.refreshKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Credential{}, nil
		}
		return domain.Credential{}, fmt.Errorf("failed to load credentials from redis: %w", err)
	}

	var cred domain.Credential
	if len(values) == 2 {
		cred.AccessToken = stringValue(values[0])
		cred.RefreshToken = stringValue(values[1])
	}
	return cred, nil
}

// Save writes both slots in a transaction. An empty token deletes its slot.
func (b *RedisBackend) Save(ctx context.Context, cred domain.Credential) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setOrDelete(ctx, pipe, b.accessKey(), cred.AccessToken)
		setOrDelete(ctx, pipe, b.refreshKey(), cred.RefreshToken)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials to redis: %w", err)
	}
	return nil
}

// Erase removes both slots with a single DEL
func (b *RedisBackend) Erase(ctx context.Context) error {
	if err := b.client.Del(ctx, b.accessKey(), b.refreshKey()).Err(); err != nil {
		return fmt.Errorf("failed to erase credentials from redis: %w", err)
	}
	return nil
}

func setOrDelete(ctx context.Context, pipe redis.Pipeliner, key, value string) {
	if value == "" {
		pipe.Del(ctx, key)
		return
	}
	pipe.Set(ctx, key, value, 0)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
