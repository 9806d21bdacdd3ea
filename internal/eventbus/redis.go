/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus to the UI process over
// Redis pub/sub or NATS. The player core publishes automix lifecycle events;
// the UI subscribes from its own process.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/events"
)

const redisSubjectPrefix = "skald.events."

// RedisBus mirrors local events onto Redis channels and local subscribers
// receive remote events. Falls back to the in-process bus when Redis is
// unreachable (circuit breaker).
type RedisBus struct {
	client   *redis.Client
	logger   zerolog.Logger
	fallback *events.Bus
	nodeID   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	useFallback bool
	failCount   int
	maxFails    int
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFailures int
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxFailures:  5,
	}
}

// NewRedisBus creates a Redis-backed event bridge over the given local bus.
func NewRedisBus(cfg RedisConfig, local *events.Bus, logger zerolog.Logger) (*RedisBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rb := &RedisBus{
		client:   client,
		logger:   logger.With().Str("component", "eventbus-redis").Logger(),
		fallback: local,
		nodeID:   uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		maxFails: cfg.MaxFailures,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Msg("Redis unreachable, event bridge degraded to in-process only")
		rb.useFallback = true
		return rb, nil
	}

	rb.wg.Add(1)
	go rb.receiveLoop()

	rb.logger.Info().Str("addr", cfg.Addr).Msg("Redis event bridge initialized")
	return rb, nil
}

// Publish delivers locally and mirrors the event onto Redis.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.fallback.Publish(eventType, payload)
	rb.PublishRemote(eventType, payload)
}

// PublishRemote mirrors an event onto Redis without re-delivering it
// locally. Used when the event already went through the local bus.
func (rb *RedisBus) PublishRemote(eventType events.EventType, payload events.Payload) {
	rb.mu.Lock()
	degraded := rb.useFallback
	rb.mu.Unlock()
	if degraded {
		return
	}

	data, err := marshalEnvelope(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Debug().Err(err).Str("event", string(eventType)).Msg("marshal event failed")
		return
	}

	pubCtx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()
	if err := rb.client.Publish(pubCtx, redisSubjectPrefix+string(eventType), data).Err(); err != nil {
		rb.recordFailure(err)
	}
}

// Subscribe registers a local subscriber; remote events are injected into the
// local bus by the receive loop.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	return rb.fallback.Subscribe(eventType)
}

// Unsubscribe removes a local subscriber.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.fallback.Unsubscribe(eventType, sub)
}

// Close stops the receive loop and releases the connection.
func (rb *RedisBus) Close() error {
	rb.cancel()
	rb.wg.Wait()
	return rb.client.Close()
}

func (rb *RedisBus) receiveLoop() {
	defer rb.wg.Done()

	pubsub := rb.client.PSubscribe(rb.ctx, redisSubjectPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := unmarshalEnvelope([]byte(msg.Payload))
			if err != nil {
				rb.logger.Debug().Err(err).Msg("bad event envelope")
				continue
			}
			if env.NodeID == rb.nodeID {
				continue // already delivered locally at Publish time
			}
			if env.Payload == nil {
				env.Payload = events.Payload{}
			}
			// Mark so local forwarders never echo it back out.
			env.Payload["_bridged"] = true
			rb.fallback.Publish(env.EventType, env.Payload)
		}
	}
}

func (rb *RedisBus) recordFailure(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.failCount++
	if rb.failCount >= rb.maxFails && !rb.useFallback {
		rb.useFallback = true
		rb.logger.Warn().Err(err).Int("failures", rb.failCount).Msg("disabling Redis bridge after repeated publish failures")
		return
	}
	rb.logger.Debug().Err(err).Msg("event publish failed")
}

// envelope is the wire format shared by the Redis and NATS bridges.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	return &env, nil
}
