/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package analyzer wraps the native track analyser. Every call runs in a
// disposable worker process so a crash or hang in the native code never
// reaches the player's main loop.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/cache"
	"github.com/friendsincode/skald_automix/internal/config"
	"github.com/friendsincode/skald_automix/internal/telemetry"
)

// ErrAnalyzerUnavailable indicates the worker crashed, timed out, returned
// nothing, or the binary is missing. The automix engine degrades to a hard
// cut for the affected boundary.
var ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

// Worker operations.
const (
	opAnalyze           = "analyze"
	opAnalyzeHead       = "analyze-head"
	opSuggestTransition = "suggest-transition"
	opSuggestLongMix    = "suggest-long-mix"
)

// Config configures the gateway.
type Config struct {
	Bin     string
	WorkDir string

	// Wall-clock limits per §timeouts; zero values take the defaults.
	HeadTimeout time.Duration
	FullTimeout time.Duration
}

// DefaultConfig returns the gateway defaults for a binary path.
func DefaultConfig(bin string) Config {
	return Config{
		Bin:         bin,
		HeadTimeout: 4 * time.Second,
		FullTimeout: 30 * time.Second,
	}
}

// Gateway is the strongly-typed front over the four analyser operations.
// Results flow through the analysis cache; concurrent identical requests
// share one worker.
type Gateway struct {
	cfg     Config
	store   *cache.Store
	flights *cache.FlightGroup
	logger  zerolog.Logger
}

// New constructs a gateway over the given cache store.
func New(cfg Config, store *cache.Store, logger zerolog.Logger) *Gateway {
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = 4 * time.Second
	}
	if cfg.FullTimeout <= 0 {
		cfg.FullTimeout = 30 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		store:   store,
		flights: cache.NewFlightGroup(),
		logger:  logger.With().Str("component", "analyzer").Logger(),
	}
}

// workerRequest is the stdin payload handed to a worker process.
type workerRequest struct {
	Op        string  `json:"op"`
	Path      string  `json:"path"`
	NextPath  string  `json:"next_path,omitempty"`
	MaxWindow float64 `json:"max_window,omitempty"`
}

// Analyze runs a full analysis of path, at most maxWindow seconds of audio.
func (g *Gateway) Analyze(ctx context.Context, path string, maxWindow float64) (*analysis.AudioAnalysis, error) {
	return g.analyze(ctx, path, maxWindow, false)
}

// AnalyzeHead runs the fast intro-only analysis of path.
func (g *Gateway) AnalyzeHead(ctx context.Context, path string, maxWindow float64) (*analysis.AudioAnalysis, error) {
	return g.analyze(ctx, path, maxWindow, true)
}

func (g *Gateway) analyze(ctx context.Context, path string, maxWindow float64, head bool) (*analysis.AudioAnalysis, error) {
	maxWindow = clampWindow(maxWindow)

	flightKey := fmt.Sprintf("%s|%g", path, maxWindow)
	op := opAnalyze
	timeout := g.cfg.FullTimeout
	if head {
		flightKey = fmt.Sprintf("%s|head|%g", path, maxWindow)
		op = opAnalyzeHead
		timeout = g.cfg.HeadTimeout
	}

	ctx, span := telemetry.StartSpan(ctx, "skald.analyzer", op)
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"path":   path,
		"window": maxWindow,
		"head":   head,
	})

	result, err := g.flights.Do(flightKey, func() (any, error) {
		if cached, ok := g.store.Get(ctx, path, maxWindow, head); ok {
			telemetry.CacheHits.Inc()
			return cached, nil
		}
		telemetry.CacheMisses.Inc()

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s unreachable: %v", ErrAnalyzerUnavailable, path, err)
		}

		payload, err := g.runWorker(ctx, op, workerRequest{Op: op, Path: path, MaxWindow: maxWindow}, timeout)
		if err != nil {
			return nil, err
		}

		var a analysis.AudioAnalysis
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("%w: bad worker output: %v", ErrAnalyzerUnavailable, err)
		}
		if a.Version != analysis.Version {
			return nil, fmt.Errorf("%w: worker schema version %d", ErrAnalyzerUnavailable, a.Version)
		}
		a.Head = head
		a.Sanitize()

		// Re-encode so the cached payload carries the head flag and any
		// sanitisation.
		stored, err := json.Marshal(&a)
		if err == nil {
			g.store.Put(ctx, path, stored, info.ModTime().UnixNano(), info.Size(), head)
		}
		return &a, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return result.(*analysis.AudioAnalysis), nil
}

// SuggestTransition asks the analyser for a short-mix proposal.
func (g *Gateway) SuggestTransition(ctx context.Context, current, next string) (*analysis.TransitionProposal, error) {
	ctx, span := telemetry.StartSpan(ctx, "skald.analyzer", opSuggestTransition)
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"current": current, "next": next})

	flightKey := fmt.Sprintf("%s|%s|proposal", current, next)
	result, err := g.flights.Do(flightKey, func() (any, error) {
		if err := reachable(current, next); err != nil {
			return nil, err
		}
		payload, err := g.runWorker(ctx, opSuggestTransition,
			workerRequest{Op: opSuggestTransition, Path: current, NextPath: next}, g.cfg.FullTimeout)
		if err != nil {
			return nil, err
		}
		var p analysis.TransitionProposal
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: bad worker output: %v", ErrAnalyzerUnavailable, err)
		}
		return &p, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return result.(*analysis.TransitionProposal), nil
}

// SuggestLongMix asks the analyser for a mashup plan.
func (g *Gateway) SuggestLongMix(ctx context.Context, current, next string) (*analysis.AdvancedTransition, error) {
	ctx, span := telemetry.StartSpan(ctx, "skald.analyzer", opSuggestLongMix)
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"current": current, "next": next})

	flightKey := fmt.Sprintf("%s|%s|longmix", current, next)
	result, err := g.flights.Do(flightKey, func() (any, error) {
		if err := reachable(current, next); err != nil {
			return nil, err
		}
		payload, err := g.runWorker(ctx, opSuggestLongMix,
			workerRequest{Op: opSuggestLongMix, Path: current, NextPath: next}, g.cfg.FullTimeout)
		if err != nil {
			return nil, err
		}
		var t analysis.AdvancedTransition
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("%w: bad worker output: %v", ErrAnalyzerUnavailable, err)
		}
		return &t, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return result.(*analysis.AdvancedTransition), nil
}

// runWorker spawns one disposable worker process for the request and returns
// its stdout. The process is killed when the timeout elapses.
func (g *Gateway) runWorker(ctx context.Context, op string, req workerRequest, timeout time.Duration) ([]byte, error) {
	telemetry.AnalyzerCalls.WithLabelValues(op).Inc()
	start := time.Now()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, g.cfg.Bin, op)
	cmd.Stdin = bytes.NewReader(input)
	if g.cfg.WorkDir != "" {
		cmd.Dir = g.cfg.WorkDir
	}
	// A child of the worker may keep stdout open after the kill; stop
	// waiting for it shortly after the deadline.
	cmd.WaitDelay = 500 * time.Millisecond
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	runErr := cmd.Run()
	telemetry.AnalyzerDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if runErr != nil {
		telemetry.AnalyzerFailures.WithLabelValues(op).Inc()
		if cmdCtx.Err() == context.DeadlineExceeded {
			g.logger.Warn().Str("op", op).Dur("timeout", timeout).Msg("analyzer worker timed out")
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrAnalyzerUnavailable, op, timeout)
		}
		g.logger.Warn().Err(runErr).Str("op", op).Msg("analyzer worker failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalyzerUnavailable, op, runErr)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || bytes.Equal(out, []byte("null")) {
		telemetry.AnalyzerFailures.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%w: %s returned no result", ErrAnalyzerUnavailable, op)
	}
	return out, nil
}

func reachable(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s unreachable: %v", ErrAnalyzerUnavailable, p, err)
		}
	}
	return nil
}

func clampWindow(w float64) float64 {
	if w < config.MinAnalyzeWindow {
		return config.MinAnalyzeWindow
	}
	if w > config.MaxAnalyzeWindow {
		return config.MaxAnalyzeWindow
	}
	return w
}
