/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// GStreamerConfig configures the subprocess engine.
type GStreamerConfig struct {
	Bin        string
	SampleRate int
	Channels   int
}

// GStreamerEngine decodes media to raw PCM with a GStreamer subprocess and
// applies its processed chain (rate, high/low pass, gain) in Go. Frames are
// pulled by the master bus, which paces decoding through pipe backpressure.
type GStreamerEngine struct {
	cfg    GStreamerConfig
	logger zerolog.Logger
	clock  func() float64 // shared audio-clock, seconds

	mu           sync.Mutex
	dec          *decoderProc
	ready        bool
	playing      bool
	pausePending bool
	closed       bool
	url          string
	seekBase     float64
	consumed     int64 // source frames consumed since seekBase
	duration     float64

	volume     float64
	replayGain float64
	ramp       *valueRamp

	rate     float64
	rateRamp *valueRamp

	hp *filterStage
	lp *filterStage
	eq *Equalizer

	// linear resampler state
	frac float64
	prev []int16
	next []int16

	sinkID string

	lastUpdate float64
	events     chan Event
}

// decoderProc is one GStreamer decode subprocess.
type decoderProc struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	raw    io.ReadCloser
	cancel context.CancelFunc
}

func (d *decoderProc) stop() {
	if d == nil {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.raw != nil {
		_ = d.raw.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
}

// valueRamp linearly or curvedly moves a scalar between two values on the
// audio clock.
type valueRamp struct {
	from, to   float64
	start, end float64
	curve      Curve
}

func (r *valueRamp) value(now float64) (float64, bool) {
	if now >= r.end {
		return r.to, true
	}
	if now <= r.start || r.end <= r.start {
		return r.from, false
	}
	p := (now - r.start) / (r.end - r.start)
	return r.curve.Interp(r.from, r.to, p), false
}

// NewGStreamerEngine creates an engine bound to the shared audio clock.
func NewGStreamerEngine(cfg GStreamerConfig, clock func() float64, logger zerolog.Logger) *GStreamerEngine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	rate := float64(cfg.SampleRate)
	return &GStreamerEngine{
		cfg:        cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		clock:      clock,
		volume:     1,
		replayGain: 1,
		rate:       1,
		hp:         newFilterStage(FilterHighPass, rate, 10),
		lp:         newFilterStage(FilterLowPass, rate, rate/2),
		eq:         NewEqualizer(rate),
		prev:       make([]int16, cfg.Channels),
		next:       make([]int16, cfg.Channels),
		events:     make(chan Event, 64),
	}
}

// Play starts decoding url, pre-seeked to opts.SeekSec.
func (e *GStreamerEngine) Play(url string, opts PlayOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	old := e.dec
	e.dec = nil
	e.ready = false
	e.url = url
	e.mu.Unlock()

	old.stop()
	e.emit(Event{Type: EventLoadStart})

	dec, err := e.startDecoder(url)
	if err != nil {
		e.emit(Event{Type: EventError, Code: 4, Message: err.Error()})
		return err
	}

	if opts.SeekSec > 0 {
		if err := discardSeconds(dec.stdout, opts.SeekSec, e.cfg.SampleRate, e.cfg.Channels); err != nil {
			dec.stop()
			e.emit(Event{Type: EventError, Code: 4, Message: fmt.Sprintf("seek prime: %v", err)})
			return fmt.Errorf("seek prime: %w", err)
		}
	}

	now := e.clock()
	e.mu.Lock()
	e.dec = dec
	e.ready = true
	e.seekBase = opts.SeekSec
	e.consumed = 0
	e.frac = 0
	e.playing = opts.AutoPlay
	e.pausePending = false
	if opts.FadeIn && opts.FadeDuration > 0 {
		e.ramp = &valueRamp{from: 0, to: e.volume, start: now, end: now + opts.FadeDuration, curve: opts.FadeCurve}
		e.volume = 0
	}
	e.mu.Unlock()

	e.emit(Event{Type: EventCanPlay, Position: opts.SeekSec})
	if opts.AutoPlay {
		e.emit(Event{Type: EventPlay, Position: opts.SeekSec})
		e.emit(Event{Type: EventPlaying, Position: opts.SeekSec})
	}
	return nil
}

// Pause stops pulling frames; the decoder stays alive. With a fade-out the
// engine keeps rendering until the ramp bottoms out.
func (e *GStreamerEngine) Pause(opts PauseOptions) error {
	now := e.clock()
	e.mu.Lock()
	if opts.FadeOut && opts.FadeDuration > 0 {
		e.ramp = &valueRamp{from: e.volume, to: 0, start: now, end: now + opts.FadeDuration, curve: opts.FadeCurve}
		e.pausePending = true
	} else {
		e.playing = false
	}
	pos := e.positionLocked()
	e.mu.Unlock()
	e.emit(Event{Type: EventPause, Position: pos})
	return nil
}

// Seek restarts the decoder at sec.
func (e *GStreamerEngine) Seek(sec float64) error {
	e.mu.Lock()
	url := e.url
	playing := e.playing
	e.mu.Unlock()
	if url == "" {
		return fmt.Errorf("nothing loaded")
	}

	e.emit(Event{Type: EventSeeking, Position: sec})
	err := e.Play(url, PlayOptions{AutoPlay: playing, SeekSec: sec})
	if err != nil {
		return err
	}
	e.emit(Event{Type: EventSeeked, Position: sec})
	return nil
}

// Stop kills the decoder and resets position.
func (e *GStreamerEngine) Stop() {
	e.mu.Lock()
	dec := e.dec
	e.dec = nil
	e.playing = false
	e.ready = false
	e.seekBase = 0
	e.consumed = 0
	e.mu.Unlock()
	dec.stop()
}

// SetVolume sets the user gain immediately and cancels any running ramp.
func (e *GStreamerEngine) SetVolume(v float64) {
	e.mu.Lock()
	e.volume = v
	e.ramp = nil
	e.mu.Unlock()
}

// RampVolumeTo automates the user gain from its current value to target.
func (e *GStreamerEngine) RampVolumeTo(target, durationSec float64, curve Curve) {
	now := e.clock()
	e.mu.Lock()
	e.ramp = &valueRamp{from: e.volume, to: target, start: now, end: now + durationSec, curve: curve}
	e.mu.Unlock()
}

// SetReplayGain sets the loudness-correction multiplier, applied after the
// user gain.
func (e *GStreamerEngine) SetReplayGain(linear float64) {
	e.mu.Lock()
	e.replayGain = linear
	e.mu.Unlock()
}

// SetRate sets the playback rate multiplier.
func (e *GStreamerEngine) SetRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("invalid rate %v", rate)
	}
	e.mu.Lock()
	e.rate = rate
	e.rateRamp = nil
	e.mu.Unlock()
	return nil
}

// RampRateTo linearly moves the rate to target over durationSec.
func (e *GStreamerEngine) RampRateTo(target, durationSec float64) {
	now := e.clock()
	e.mu.Lock()
	e.rateRamp = &valueRamp{from: e.rate, to: target, start: now, end: now + durationSec, curve: CurveLinear}
	e.mu.Unlock()
}

// Filter surface. The scheduled variants are evaluated against the shared
// audio clock, matching the scheduler's notion of time.

func (e *GStreamerEngine) SetHighPassFilter(hz, rampSec float64) {
	now := e.clock()
	e.mu.Lock()
	e.hp.set(hz, rampSec, now)
	e.mu.Unlock()
}

func (e *GStreamerEngine) SetHighPassQ(q float64) {
	e.mu.Lock()
	e.hp.setQ(q)
	e.mu.Unlock()
}

func (e *GStreamerEngine) SetHighPassFilterAt(hz, whenSec float64) {
	e.mu.Lock()
	e.hp.setAt(hz, whenSec)
	e.mu.Unlock()
}

func (e *GStreamerEngine) RampHighPassFilterToAt(hz, whenSec float64) {
	now := e.clock()
	e.mu.Lock()
	e.hp.rampToAt(hz, whenSec, now)
	e.mu.Unlock()
}

func (e *GStreamerEngine) SetLowPassFilter(hz, rampSec float64) {
	now := e.clock()
	e.mu.Lock()
	e.lp.set(hz, rampSec, now)
	e.mu.Unlock()
}

func (e *GStreamerEngine) SetLowPassQ(q float64) {
	e.mu.Lock()
	e.lp.setQ(q)
	e.mu.Unlock()
}

func (e *GStreamerEngine) SetLowPassFilterAt(hz, whenSec float64) {
	e.mu.Lock()
	e.lp.setAt(hz, whenSec)
	e.mu.Unlock()
}

func (e *GStreamerEngine) RampLowPassFilterToAt(hz, whenSec float64) {
	now := e.clock()
	e.mu.Lock()
	e.lp.rampToAt(hz, whenSec, now)
	e.mu.Unlock()
}

// Equalizer exposes the engine's 10-band EQ.
func (e *GStreamerEngine) Equalizer() *Equalizer {
	return e.eq
}

// SetSinkID records the requested output device. Device routing is owned by
// the master bus sink; the engine only reports the capability.
func (e *GStreamerEngine) SetSinkID(deviceID string) error {
	e.mu.Lock()
	e.sinkID = deviceID
	e.mu.Unlock()
	return nil
}

// Capabilities reports what this engine supports.
func (e *GStreamerEngine) Capabilities() Capabilities {
	return Capabilities{Rate: true, Equalizer: true, Spectrum: false, SinkID: false}
}

// Position returns the current source position in seconds.
func (e *GStreamerEngine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *GStreamerEngine) positionLocked() float64 {
	return e.seekBase + float64(e.consumed)/float64(e.cfg.SampleRate)
}

// Duration returns the known track duration, 0 when unknown.
func (e *GStreamerEngine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// SetDurationHint records the queue's idea of the track length.
func (e *GStreamerEngine) SetDurationHint(sec float64) {
	e.mu.Lock()
	changed := e.duration != sec
	e.duration = sec
	e.mu.Unlock()
	if changed {
		e.emit(Event{Type: EventDurationChange, Duration: sec})
	}
}

// Volume returns the current user gain.
func (e *GStreamerEngine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Events returns the engine event stream.
func (e *GStreamerEngine) Events() <-chan Event {
	return e.events
}

// Close tears the engine down and closes its event stream.
func (e *GStreamerEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	dec := e.dec
	e.dec = nil
	e.playing = false
	e.mu.Unlock()
	dec.stop()
	close(e.events)
}

// RenderFrame fills dst (interleaved S16LE samples, len = frame*channels)
// with the engine's processed output at audio-clock now. Returns false when
// the engine contributed silence.
func (e *GStreamerEngine) RenderFrame(dst []int16, now float64) bool {
	e.mu.Lock()
	if e.closed || !e.playing || !e.ready || e.dec == nil {
		e.mu.Unlock()
		return false
	}

	if e.ramp != nil {
		v, done := e.ramp.value(now)
		e.volume = v
		if done {
			e.ramp = nil
			if e.pausePending {
				e.pausePending = false
				e.playing = false
			}
		}
	}
	if e.rateRamp != nil {
		v, done := e.rateRamp.value(now)
		e.rate = v
		if done {
			e.rateRamp = nil
		}
	}
	e.hp.advance(now)
	e.lp.advance(now)

	gain := e.volume * e.replayGain
	useHP := !e.hp.transparent()
	useLP := !e.lp.transparent()
	useEQ := e.eq.Active()
	dec := e.dec
	ch := e.cfg.Channels

	frames := len(dst) / ch
	var ended bool
	for i := 0; i < frames; i++ {
		// Advance the linear resampler by rate source frames per output
		// frame.
		for e.frac >= 1 {
			copy(e.prev, e.next)
			if err := readFrameS16(dec.stdout, e.next); err != nil {
				ended = true
				break
			}
			e.consumed++
			e.frac--
		}
		if ended {
			break
		}
		for c := 0; c < ch; c++ {
			s := float64(e.prev[c]) + (float64(e.next[c])-float64(e.prev[c]))*e.frac
			v := s / 32768.0
			if useHP {
				v = e.hp.filter.Process(c, v)
			}
			if useLP {
				v = e.lp.filter.Process(c, v)
			}
			if useEQ {
				v = e.eq.Process(c, v)
			}
			v *= gain
			dst[i*ch+c] = clampS16(v * 32767.0)
		}
		e.frac += e.rate
	}

	pos := e.positionLocked()
	emitUpdate := now-e.lastUpdate >= 0.25
	if emitUpdate {
		e.lastUpdate = now
	}
	if ended {
		e.playing = false
		e.ready = false
		e.dec = nil
		e.mu.Unlock()
		dec.stop()
		e.emit(Event{Type: EventEnded, Position: pos})
		return true
	}
	e.mu.Unlock()

	if emitUpdate {
		e.emit(Event{Type: EventTimeUpdate, Position: pos})
	}
	return true
}

func (e *GStreamerEngine) startDecoder(url string) (*decoderProc, error) {
	pipeline := fmt.Sprintf(
		`filesrc location=%q ! decodebin ! audioconvert ! audioresample ! audio/x-raw,format=S16LE,rate=%d,channels=%d ! fdsink fd=1`,
		url, e.cfg.SampleRate, e.cfg.Channels,
	)

	cmdCtx, cancel := context.WithCancel(context.Background())
	shellCmd := fmt.Sprintf("%s -q %s", e.cfg.Bin, pipeline)
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", shellCmd)
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	e.logger.Debug().Int("pid", cmd.Process.Pid).Str("url", url).Msg("decoder started")

	return &decoderProc{
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, 1<<16),
		raw:    stdout,
		cancel: cancel,
	}, nil
}

// emit delivers an event without ever blocking the mixer; the send happens
// under the engine mutex so it cannot race Close's channel close.
func (e *GStreamerEngine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		// Consumer stalled; dropping one event beats blocking the mixer.
	}
}

// readFrameS16 reads one interleaved frame of little-endian int16 samples.
func readFrameS16(r *bufio.Reader, dst []int16) error {
	for c := range dst {
		lo, err := r.ReadByte()
		if err != nil {
			return err
		}
		hi, err := r.ReadByte()
		if err != nil {
			return err
		}
		dst[c] = int16(uint16(lo) | uint16(hi)<<8)
	}
	return nil
}

// discardSeconds skips decoded PCM to implement pre-seek.
func discardSeconds(r *bufio.Reader, sec float64, rate, ch int) error {
	bytes := int64(sec*float64(rate)) * int64(ch) * 2
	_, err := io.CopyN(io.Discard, r, bytes)
	return err
}

func clampS16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
