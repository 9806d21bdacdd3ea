/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisKeyPrefix  = "skald:cache:analysis:"
	defaultEntryTTL = 24 * time.Hour
)

// RedisTier is an optional shared cache in front of the database, useful
// when several player instances mount the same library. Errors disable the
// tier rather than failing reads.
type RedisTier struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	disabled bool
}

// RedisTierConfig configures the shared tier.
type RedisTierConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisTier connects the shared cache tier. A failed ping yields a
// disabled tier, not an error.
func NewRedisTier(cfg RedisTierConfig, logger zerolog.Logger) *RedisTier {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultEntryTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	t := &RedisTier{
		client: client,
		logger: logger.With().Str("component", "analysis-cache-redis").Logger(),
		ttl:    cfg.TTL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.logger.Warn().Err(err).Msg("Redis cache tier unavailable, running without it")
		t.disabled = true
	} else {
		t.logger.Info().Str("addr", cfg.Addr).Msg("Redis cache tier initialized")
	}
	return t
}

// Close releases the Redis connection.
func (t *RedisTier) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

type redisEntry struct {
	MtimeNS int64  `json:"mtime_ns"`
	Size    int64  `json:"size"`
	Payload []byte `json:"payload"`
}

// Get fetches an entry from the shared tier.
func (t *RedisTier) Get(ctx context.Context, key string) (payload []byte, mtimeNS, size int64, ok bool) {
	if !t.available() {
		return nil, 0, 0, false
	}
	data, err := t.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, 0, 0, false
	}
	if err != nil {
		t.handleError(err, "get")
		return nil, 0, 0, false
	}
	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.logger.Debug().Err(err).Str("key", key).Msg("bad shared cache entry")
		return nil, 0, 0, false
	}
	return entry.Payload, entry.MtimeNS, entry.Size, true
}

// SetWithStat writes an entry with the tier TTL. The (mtime, size) travel
// with the payload so the entry self-describes its validity.
func (t *RedisTier) SetWithStat(ctx context.Context, key string, payload []byte, mtimeNS, size int64) {
	if !t.available() {
		return
	}
	data, err := json.Marshal(redisEntry{MtimeNS: mtimeNS, Size: size, Payload: payload})
	if err != nil {
		return
	}
	if err := t.client.Set(ctx, redisKeyPrefix+key, data, t.ttl).Err(); err != nil {
		t.handleError(err, "set")
	}
}

// Delete drops an entry.
func (t *RedisTier) Delete(ctx context.Context, key string) {
	if !t.available() {
		return
	}
	if err := t.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		t.handleError(err, "delete")
	}
}

func (t *RedisTier) available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.disabled && t.client != nil
}

func (t *RedisTier) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	t.logger.Debug().Err(err).Str("operation", operation).Msg("cache tier operation failed")
	t.mu.Lock()
	t.disabled = true
	t.mu.Unlock()
	t.logger.Warn().Msg("disabling Redis cache tier after error")
}
