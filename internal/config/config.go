/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection for the analysis cache store.
type DatabaseBackend string

const (
	DatabaseSQLite   DatabaseBackend = "sqlite"
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
)

// EventBridge selects the cross-process event transport towards the UI.
type EventBridge string

const (
	BridgeNone  EventBridge = "none"
	BridgeRedis EventBridge = "redis"
	BridgeNATS  EventBridge = "nats"
)

// FadeCurveName enumerates the configurable crossfade curves.
type FadeCurveName string

const (
	FadeLinear      FadeCurveName = "linear"
	FadeEqualPower  FadeCurveName = "equalPower"
	FadeExponential FadeCurveName = "exponential"
)

// Analysis window clamp, seconds.
const (
	MinAnalyzeWindow = 10
	MaxAnalyzeWindow = 300
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// AutoMix behaviour
	EnableAutoMix  bool
	MaxAnalyzeTime int // seconds, clamped to [MinAnalyzeWindow, MaxAnalyzeWindow]
	ReplayGainMode string
	FadeCurve      FadeCurveName

	// Analyser worker
	AnalyzerBin     string
	AnalyzerWorkDir string

	// Media + cache
	MediaRoot    string
	DBBackend    DatabaseBackend
	DBDSN        string
	GStreamerBin string

	// Shared cache / event bridge
	EventBridge   EventBridge
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	RedisCacheOn  bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Output
	SampleRate int
	Channels   int

	SchedulerTick time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"SKALD_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"SKALD_HTTP_BIND"}, "127.0.0.1"),
		HTTPPort:    getEnvIntAny([]string{"SKALD_HTTP_PORT"}, 9120),

		EnableAutoMix:  getEnvBoolAny([]string{"SKALD_AUTOMIX_ENABLED"}, true),
		MaxAnalyzeTime: getEnvIntAny([]string{"SKALD_AUTOMIX_MAX_ANALYZE_TIME"}, 60),
		ReplayGainMode: getEnvAny([]string{"SKALD_REPLAY_GAIN_MODE"}, "track"),
		FadeCurve:      FadeCurveName(getEnvAny([]string{"SKALD_FADE_CURVE"}, string(FadeEqualPower))),

		AnalyzerBin:     getEnvAny([]string{"SKALD_ANALYZER_BIN"}, "skald-analyzer"),
		AnalyzerWorkDir: getEnvAny([]string{"SKALD_ANALYZER_WORKDIR"}, ""),

		MediaRoot:    getEnvAny([]string{"SKALD_MEDIA_ROOT"}, "./media"),
		DBBackend:    DatabaseBackend(getEnvAny([]string{"SKALD_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:        getEnvAny([]string{"SKALD_DB_DSN"}, "./skald-analysis.db"),
		GStreamerBin: getEnvAny([]string{"SKALD_GSTREAMER_BIN"}, "gst-launch-1.0"),

		EventBridge:   EventBridge(getEnvAny([]string{"SKALD_EVENT_BRIDGE"}, string(BridgeNone))),
		RedisAddr:     getEnvAny([]string{"SKALD_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"SKALD_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"SKALD_REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"SKALD_NATS_URL"}, "nats://localhost:4222"),
		RedisCacheOn:  getEnvBoolAny([]string{"SKALD_REDIS_CACHE_ENABLED"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"SKALD_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SKALD_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SKALD_TRACING_SAMPLE_RATE"}, 1.0),

		SampleRate: getEnvIntAny([]string{"SKALD_SAMPLE_RATE"}, 44100),
		Channels:   getEnvIntAny([]string{"SKALD_CHANNELS"}, 2),

		SchedulerTick: time.Duration(getEnvIntAny([]string{"SKALD_SCHEDULER_TICK_MS"}, 75)) * time.Millisecond,
	}

	if cfg.MaxAnalyzeTime < MinAnalyzeWindow {
		cfg.MaxAnalyzeTime = MinAnalyzeWindow
	}
	if cfg.MaxAnalyzeTime > MaxAnalyzeWindow {
		cfg.MaxAnalyzeTime = MaxAnalyzeWindow
	}

	switch cfg.DBBackend {
	case DatabaseSQLite, DatabasePostgres, DatabaseMySQL:
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	switch cfg.EventBridge {
	case BridgeNone, BridgeRedis, BridgeNATS:
	default:
		return nil, fmt.Errorf("unsupported event bridge %q", cfg.EventBridge)
	}

	switch cfg.FadeCurve {
	case FadeLinear, FadeEqualPower, FadeExponential:
	default:
		return nil, fmt.Errorf("unsupported fade curve %q", cfg.FadeCurve)
	}

	if mode := strings.ToLower(cfg.ReplayGainMode); mode != "track" && mode != "album" {
		return nil, fmt.Errorf("unsupported replay gain mode %q", cfg.ReplayGainMode)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SKALD_DB_DSN must be provided")
	}

	if cfg.SchedulerTick <= 0 {
		cfg.SchedulerTick = 75 * time.Millisecond
	}

	return cfg, nil
}

// MonitorWindow derives the state machine's look-ahead window from the
// configured analysis window, clamped to [30, 300] seconds.
func (c *Config) MonitorWindow() time.Duration {
	w := c.MaxAnalyzeTime
	if w < 30 {
		w = 30
	}
	if w > 300 {
		w = 300
	}
	return time.Duration(w) * time.Second
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
