/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playouttest provides a scripted engine for exercising the automix
// protocol without audio hardware or subprocesses.
package playouttest

import (
	"sync"

	"github.com/friendsincode/skald_automix/internal/playout"
)

// Call records one engine mutation for assertions.
type Call struct {
	Op       string
	URL      string
	Value    float64
	Value2   float64
	Curve    playout.Curve
	AutoPlay bool
}

// FakeEngine is a scripted playout.Engine.
type FakeEngine struct {
	mu sync.Mutex

	Name       string
	Calls      []Call
	PlayErr    error
	caps       playout.Capabilities
	pos        float64
	dur        float64
	vol        float64
	rate       float64
	replayGain float64
	closed     bool
	events     chan playout.Event
}

// NewFakeEngine creates a fake with rate support enabled.
func NewFakeEngine(name string) *FakeEngine {
	return &FakeEngine{
		Name:   name,
		caps:   playout.Capabilities{Rate: true, Equalizer: true},
		vol:    1,
		rate:   1,
		events: make(chan playout.Event, 64),
	}
}

// SetCapabilities overrides the advertised capabilities.
func (f *FakeEngine) SetCapabilities(c playout.Capabilities) {
	f.mu.Lock()
	f.caps = c
	f.mu.Unlock()
}

// SetPosition moves the fake playhead.
func (f *FakeEngine) SetPosition(sec float64) {
	f.mu.Lock()
	f.pos = sec
	f.mu.Unlock()
}

// Emit pushes an event into the engine's stream.
func (f *FakeEngine) Emit(ev playout.Event) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.events <- ev
	}
}

// Closed reports whether Close ran.
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CallsOf filters recorded calls by op.
func (f *FakeEngine) CallsOf(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeEngine) record(c Call) {
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	f.mu.Unlock()
}

// Engine interface.

func (f *FakeEngine) Play(url string, opts playout.PlayOptions) error {
	if f.PlayErr != nil {
		return f.PlayErr
	}
	f.record(Call{Op: "play", URL: url, Value: opts.SeekSec, AutoPlay: opts.AutoPlay})
	f.mu.Lock()
	f.pos = opts.SeekSec
	f.mu.Unlock()
	f.Emit(playout.Event{Type: playout.EventPlaying, Position: opts.SeekSec})
	return nil
}

func (f *FakeEngine) Pause(opts playout.PauseOptions) error {
	f.record(Call{Op: "pause", Value: opts.FadeDuration})
	return nil
}

func (f *FakeEngine) Seek(sec float64) error {
	f.record(Call{Op: "seek", Value: sec})
	f.mu.Lock()
	f.pos = sec
	f.mu.Unlock()
	return nil
}

func (f *FakeEngine) Stop() {
	f.record(Call{Op: "stop"})
}

func (f *FakeEngine) SetVolume(v float64) {
	f.record(Call{Op: "setVolume", Value: v})
	f.mu.Lock()
	f.vol = v
	f.mu.Unlock()
}

func (f *FakeEngine) RampVolumeTo(target, durationSec float64, curve playout.Curve) {
	f.record(Call{Op: "rampVolume", Value: target, Value2: durationSec, Curve: curve})
	f.mu.Lock()
	f.vol = target
	f.mu.Unlock()
}

func (f *FakeEngine) SetReplayGain(linear float64) {
	f.record(Call{Op: "setReplayGain", Value: linear})
	f.mu.Lock()
	f.replayGain = linear
	f.mu.Unlock()
}

func (f *FakeEngine) SetRate(rate float64) error {
	f.record(Call{Op: "setRate", Value: rate})
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
	return nil
}

func (f *FakeEngine) RampRateTo(target, durationSec float64) {
	f.record(Call{Op: "rampRate", Value: target, Value2: durationSec})
	f.mu.Lock()
	f.rate = target
	f.mu.Unlock()
}

func (f *FakeEngine) SetHighPassFilter(hz, rampSec float64) {
	f.record(Call{Op: "setHighPass", Value: hz, Value2: rampSec})
}

func (f *FakeEngine) SetHighPassQ(q float64) {
	f.record(Call{Op: "setHighPassQ", Value: q})
}

func (f *FakeEngine) SetHighPassFilterAt(hz, whenSec float64) {
	f.record(Call{Op: "setHighPassAt", Value: hz, Value2: whenSec})
}

func (f *FakeEngine) RampHighPassFilterToAt(hz, whenSec float64) {
	f.record(Call{Op: "rampHighPassAt", Value: hz, Value2: whenSec})
}

func (f *FakeEngine) SetLowPassFilter(hz, rampSec float64) {
	f.record(Call{Op: "setLowPass", Value: hz, Value2: rampSec})
}

func (f *FakeEngine) SetLowPassQ(q float64) {
	f.record(Call{Op: "setLowPassQ", Value: q})
}

func (f *FakeEngine) SetLowPassFilterAt(hz, whenSec float64) {
	f.record(Call{Op: "setLowPassAt", Value: hz, Value2: whenSec})
}

func (f *FakeEngine) RampLowPassFilterToAt(hz, whenSec float64) {
	f.record(Call{Op: "rampLowPassAt", Value: hz, Value2: whenSec})
}

func (f *FakeEngine) SetSinkID(deviceID string) error {
	f.record(Call{Op: "setSinkID", URL: deviceID})
	return nil
}

func (f *FakeEngine) Capabilities() playout.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *FakeEngine) Position() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *FakeEngine) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dur
}

// SetDuration sets the reported duration.
func (f *FakeEngine) SetDuration(sec float64) {
	f.mu.Lock()
	f.dur = sec
	f.mu.Unlock()
}

func (f *FakeEngine) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vol
}

// Rate returns the current fake rate.
func (f *FakeEngine) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *FakeEngine) Events() <-chan playout.Event {
	return f.events
}

func (f *FakeEngine) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.record(Call{Op: "close"})
	close(f.events)
}
