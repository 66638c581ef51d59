package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/prompter/backend/internal/domain/jobs"
	"github.com/redis/go-redis/v9"
)

// RedisMarkerStore implements jobs.MarkerStore using Redis.
// This is suitable for distributed deployments where multiple instances
// need to share dedup state.
type RedisMarkerStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisMarkerStore creates a new Redis-based marker store
func NewRedisMarkerStore(cfg RedisConfig) (*RedisMarkerStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisMarkerStore{
		client:    client,
		keyPrefix: "dispatch:marker:",
	}, nil
}

// NewRedisMarkerStoreWithClient creates a store with an existing Redis client
// This is useful for testing or when sharing a client across components
func NewRedisMarkerStoreWithClient(client *redis.Client, keyPrefix string) *RedisMarkerStore {
	if keyPrefix == "" {
		keyPrefix = "dispatch:marker:"
	}
	return &RedisMarkerStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Mark records the key with a TTL. Returns true if this call set the marker,
// false if it already existed. Uses SETNX so concurrent callers race to a
// single winner.
func (s *RedisMarkerStore) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	result, err := s.client.SetNX(ctx, s.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set marker: %w", err)
	}
	return result, nil
}

// Unmark removes the key so the next Mark wins again. Used to hand the claim
// back when the guarded operation failed before producing a storable result.
func (s *RedisMarkerStore) Unmark(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to remove marker: %w", err)
	}
	return nil
}

// Exists reports whether the key is currently marked
func (s *RedisMarkerStore) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check marker: %w", err)
	}
	return exists > 0, nil
}

// Close closes the Redis client
func (s *RedisMarkerStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisMarkerStore) GetClient() *redis.Client {
	return s.client
}

// Ensure RedisMarkerStore implements MarkerStore
var _ jobs.MarkerStore = (*RedisMarkerStore)(nil)
