// Package state keeps received alerts in Redis: a capped stream of alert
// records and a per-digest tally of how many alerts each digest produced.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/red2n/alerts/internal/config"
	"github.com/red2n/alerts/internal/models"
)

const streamMaxLen = 100_000

// RedisStore is an alert sink backed by Redis.
type RedisStore struct {
	client   *redis.Client
	stream   string
	tallyKey string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{
		client:   client,
		stream:   cfg.Stream,
		tallyKey: cfg.TallyKey,
	}, nil
}

// Deliver appends a to the stream and bumps its digest's tally, atomically.
func (s *RedisStore) Deliver(ctx context.Context, a *models.Alert) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"digest":      a.Digest.String(),
				"property_id": a.Identity.PropertyID,
				"tenant_id":   a.Identity.TenantID,
				"type":        a.Identity.TransactionType,
				"interface":   a.Identity.InterfaceID,
				"error_count": a.ErrorCount,
				"threshold":   a.Threshold,
				"alert_times": a.BreachCount,
				"emitted_at":  a.EmittedAt.UnixMilli(),
			},
		})
		pipe.HIncrBy(ctx, s.tallyKey, a.Digest.String(), 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store alert %s: %w", a.Digest, err)
	}
	return nil
}

// Tally returns how many alerts have been stored for d.
func (s *RedisStore) Tally(ctx context.Context, d models.Digest) (int64, error) {
	v, err := s.client.HGet(ctx, s.tallyKey, d.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read tally: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
