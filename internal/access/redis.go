package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"PaymentProcessor/internal/models"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisRoleStore shares the owner, the operator set and the pause flag
// between API replicas and across restarts. Operators live in a SET, the
// owner and the pause flag in plain keys.
type RedisRoleStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRoleStore(client *redis.Client, merchantID string) *RedisRoleStore {
	return &RedisRoleStore{client: client, prefix: "processor:" + merchantID + ":"}
}

func (s *RedisRoleStore) operatorsKey() string { return s.prefix + "operators" }
func (s *RedisRoleStore) pausedKey() string    { return s.prefix + "paused" }
func (s *RedisRoleStore) ownerKey() string     { return s.prefix + "owner" }

func (s *RedisRoleStore) Owner(ctx context.Context) (models.Address, error) {
	v, err := s.client.Get(ctx, s.ownerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return models.Address(v), nil
}

func (s *RedisRoleStore) SetOwner(ctx context.Context, addr models.Address) error {
	return s.client.Set(ctx, s.ownerKey(), string(addr), 0).Err()
}

func (s *RedisRoleStore) IsOperator(ctx context.Context, addr models.Address) (bool, error) {
	return s.client.SIsMember(ctx, s.operatorsKey(), string(addr)).Result()
}

func (s *RedisRoleStore) AddOperator(ctx context.Context, addr models.Address) error {
	return s.client.SAdd(ctx, s.operatorsKey(), string(addr)).Err()
}

func (s *RedisRoleStore) RemoveOperator(ctx context.Context, addr models.Address) error {
	return s.client.SRem(ctx, s.operatorsKey(), string(addr)).Err()
}

func (s *RedisRoleStore) Operators(ctx context.Context) ([]models.Address, error) {
	members, err := s.client.SMembers(ctx, s.operatorsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]models.Address, 0, len(members))
	for _, m := range members {
		out = append(out, models.Address(m))
	}
	return out, nil
}

func (s *RedisRoleStore) Paused(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisRoleStore) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return s.client.Set(ctx, s.pausedKey(), "1", 0).Err()
	}
	return s.client.Del(ctx, s.pausedKey()).Err()
}
