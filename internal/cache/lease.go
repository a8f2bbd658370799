package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
)

// releaseScript deletes the lease only when it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DatasetLease is a Redis-backed mutual exclusion on datasets, shared by every
// process pointing at the same Redis. Leases expire after the configured TTL
// so a crashed holder cannot block a dataset forever.
type DatasetLease struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logger.Logger
}

// NewDatasetLease connects to Redis and verifies the connection
func NewDatasetLease(cfg config.LeaseConfig, log *logger.Logger) (*DatasetLease, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	lease := newDatasetLease(redis.NewClient(opts), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.client.Ping(ctx).Err(); err != nil {
		lease.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	lease.logger.Info("Dataset lease backend ready",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Duration("ttl", lease.ttl),
	)
	return lease, nil
}

func newDatasetLease(client *redis.Client, cfg config.LeaseConfig, log *logger.Logger) *DatasetLease {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &DatasetLease{
		client: client,
		ttl:    ttl,
		prefix: cfg.KeyPrefix,
		logger: log.WithComponent("lease"),
	}
}

// Acquire takes the lease on dataset for runID. It returns false when another
// run holds it.
func (l *DatasetLease) Acquire(ctx context.Context, dataset, runID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(dataset), runID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

// Release drops the lease if runID still holds it
func (l *DatasetLease) Release(ctx context.Context, dataset, runID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(dataset)}, runID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Holder returns the run holding dataset, if any
func (l *DatasetLease) Holder(ctx context.Context, dataset string) (string, bool, error) {
	runID, err := l.client.Get(ctx, l.key(dataset)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lease: %w", err)
	}
	return runID, true, nil
}

// Close closes the Redis client
func (l *DatasetLease) Close() error {
	return l.client.Close()
}

func (l *DatasetLease) key(dataset string) string {
	if l.prefix == "" {
		return "lease:" + dataset
	}
	return l.prefix + ":lease:" + dataset
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
