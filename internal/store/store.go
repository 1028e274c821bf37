// Package store persists rendered run reports in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rpcfanout/internal/config"
	"rpcfanout/internal/report"
)

var (
	// ErrNotFound indicates no report is stored under the run ID
	ErrNotFound = errors.New("report not found")

	// ErrInvalidEntry indicates the stored report could not be decoded
	ErrInvalidEntry = errors.New("invalid report entry")
)

// RedisStore saves reports under keyPrefix+runID
type RedisStore struct {
	redis     *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a store on an existing client. ttl 0 keeps reports forever.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		redis:     client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// NewRedisStoreFromConfig dials Redis and checks the connection
func NewRedisStoreFromConfig(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(client, cfg.KeyPrefix, cfg.GetTTLDuration()), nil
}

func (s *RedisStore) key(runID string) string {
	return s.keyPrefix + runID
}

// Save stores the report under its run ID
func (s *RedisStore) Save(ctx context.Context, summary *report.Summary) error {
	if summary == nil || summary.RunID == "" {
		return fmt.Errorf("report must carry a run id")
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(summary.RunID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Load returns the report stored under runID
func (s *RedisStore) Load(ctx context.Context, runID string) (*report.Summary, error) {
	data, err := s.redis.Get(ctx, s.key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var summary report.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &summary, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
