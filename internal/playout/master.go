/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FrameSource produces processed PCM frames for the master bus. Engines
// implement this.
type FrameSource interface {
	RenderFrame(dst []int16, now float64) bool
}

// MasterBusConfig configures the shared output bus.
type MasterBusConfig struct {
	GStreamerBin string
	SampleRate   int
	Channels     int
}

// MasterBus owns the output sink and mixes the attached engines' frames
// into it. It outlives the engines: during a crossfade both are attached,
// afterwards only the survivor. The bus position doubles as the audio
// output clock for the scheduler.
type MasterBus struct {
	cfg    MasterBusConfig
	logger zerolog.Logger

	mu      sync.Mutex
	sources []FrameSource
	sink    io.WriteCloser
	proc    *exec.Cmd
	cancel  context.CancelFunc
	closing bool

	frames atomic.Int64
}

// NewMasterBus creates the bus. The output sink process is spawned lazily
// by Pump; tests inject their own sink with SetSink.
func NewMasterBus(cfg MasterBusConfig, logger zerolog.Logger) *MasterBus {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	return &MasterBus{
		cfg:    cfg,
		logger: logger.With().Str("component", "master-bus").Logger(),
	}
}

// Now returns the audio output clock in seconds: samples written divided by
// the sample rate.
func (m *MasterBus) Now() float64 {
	return float64(m.frames.Load()) / float64(m.cfg.SampleRate)
}

// Attach plugs a source into the bus.
func (m *MasterBus) Attach(src FrameSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s == src {
			return
		}
	}
	m.sources = append(m.sources, src)
}

// Detach removes a source.
func (m *MasterBus) Detach(src FrameSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sources {
		if s == src {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			return
		}
	}
}

// SetSink overrides the output writer (tests, file capture).
func (m *MasterBus) SetSink(w io.WriteCloser) {
	m.mu.Lock()
	m.sink = w
	m.mu.Unlock()
}

// Close stops the mixer and tears down the sink.
func (m *MasterBus) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	sink := m.sink
	cancel := m.cancel
	proc := m.proc
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sink != nil {
		_ = sink.Close()
	}
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
		_ = proc.Wait()
	}
	return nil
}

// Pump runs the mix loop until context cancellation: 20 ms frames, each
// source rendered and summed with clamping, written to the sink. The sink's
// realtime pacing provides backpressure; without a sink process the loop
// paces itself.
func (m *MasterBus) Pump(ctx context.Context) error {
	frameSamples := m.cfg.SampleRate / 50
	if frameSamples <= 0 {
		frameSamples = 882
	}
	ch := m.cfg.Channels
	frameLen := frameSamples * ch

	scratch := make([]int16, frameLen)
	acc := make([]int32, frameLen)
	out := make([]byte, frameLen*2)

	paced := false
	if err := m.ensureSink(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("audio sink unavailable, pacing on wall clock")
		paced = true
	}

	frameDur := time.Duration(frameSamples) * time.Second / time.Duration(m.cfg.SampleRate)
	next := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return nil
		}
		sources := append([]FrameSource(nil), m.sources...)
		sink := m.sink
		m.mu.Unlock()

		now := m.Now()
		for i := range acc {
			acc[i] = 0
		}
		for _, src := range sources {
			for i := range scratch {
				scratch[i] = 0
			}
			if src.RenderFrame(scratch, now) {
				for i, s := range scratch {
					acc[i] += int32(s)
				}
			}
		}
		for i, s := range acc {
			if s > 32767 {
				s = 32767
			} else if s < -32768 {
				s = -32768
			}
			u := uint16(int16(s))
			out[i*2] = byte(u & 0xff)
			out[i*2+1] = byte(u >> 8)
		}

		if sink != nil {
			if _, err := sink.Write(out); err != nil {
				m.logger.Warn().Err(err).Msg("sink write failed, pacing on wall clock")
				m.mu.Lock()
				m.sink = nil
				m.mu.Unlock()
				paced = true
			}
		}
		m.frames.Add(int64(frameSamples))

		if sink == nil || paced {
			next = next.Add(frameDur)
			if d := time.Until(next); d > 0 {
				time.Sleep(d)
			} else if d < -time.Second {
				next = time.Now()
			}
		}
	}
}

func (m *MasterBus) ensureSink(ctx context.Context) error {
	m.mu.Lock()
	if m.sink != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	pipeline := fmt.Sprintf(
		`fdsrc fd=0 ! rawaudioparse use-sink-caps=false format=pcm pcm-format=s16le sample-rate=%d num-channels=%d ! audioconvert ! audioresample ! autoaudiosink`,
		m.cfg.SampleRate, m.cfg.Channels,
	)

	procCtx, cancel := context.WithCancel(ctx)
	shellCmd := fmt.Sprintf("%s -q %s", m.cfg.GStreamerBin, pipeline)
	cmd := exec.CommandContext(procCtx, "sh", "-c", shellCmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("sink stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start sink: %w", err)
	}

	m.logger.Info().Int("pid", cmd.Process.Pid).Msg("audio sink started")

	m.mu.Lock()
	m.sink = stdin
	m.proc = cmd
	m.cancel = cancel
	m.mu.Unlock()
	return nil
}
