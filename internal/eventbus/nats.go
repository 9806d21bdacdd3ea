/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/events"
)

const natsSubjectPrefix = "skald.events."

// NATSBus mirrors local events onto NATS subjects. Like the Redis bridge it
// degrades to in-process delivery when the server is unreachable.
type NATSBus struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	logger   zerolog.Logger
	fallback *events.Bus
	nodeID   string
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus creates a NATS-backed event bridge over the given local bus.
func NewNATSBus(cfg NATSConfig, local *events.Bus, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		logger:   logger.With().Str("component", "eventbus-nats").Logger(),
		fallback: local,
		nodeID:   nats.NewInbox(), // unique per process, cheap
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			nb.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("NATS unreachable, event bridge degraded to in-process only")
		return nb, nil
	}
	nb.conn = conn

	sub, err := conn.Subscribe(natsSubjectPrefix+">", nb.onMessage)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("NATS subscribe failed")
		conn.Close()
		nb.conn = nil
		return nb, nil
	}
	nb.sub = sub

	nb.logger.Info().Str("url", cfg.URL).Msg("NATS event bridge initialized")
	return nb, nil
}

// Publish delivers locally and mirrors the event onto NATS.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.fallback.Publish(eventType, payload)
	nb.PublishRemote(eventType, payload)
}

// PublishRemote mirrors an event onto NATS without re-delivering it locally.
func (nb *NATSBus) PublishRemote(eventType events.EventType, payload events.Payload) {
	if nb.conn == nil {
		return
	}
	data, err := marshalEnvelope(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Debug().Err(err).Str("event", string(eventType)).Msg("marshal event failed")
		return
	}
	if err := nb.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Debug().Err(err).Msg("event publish failed")
	}
}

// Subscribe registers a local subscriber.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.fallback.Subscribe(eventType)
}

// Unsubscribe removes a local subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.fallback.Unsubscribe(eventType, sub)
}

// Close drains the subscription and closes the connection.
func (nb *NATSBus) Close() error {
	if nb.sub != nil {
		_ = nb.sub.Unsubscribe()
	}
	if nb.conn != nil {
		nb.conn.Close()
	}
	return nil
}

func (nb *NATSBus) onMessage(msg *nats.Msg) {
	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		nb.logger.Debug().Err(err).Msg("bad event envelope")
		return
	}
	if env.NodeID == nb.nodeID {
		return
	}
	if env.Payload == nil {
		env.Payload = events.Payload{}
	}
	env.Payload["_bridged"] = true
	nb.fallback.Publish(env.EventType, env.Payload)
}
