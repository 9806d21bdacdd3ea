/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import "math"

// BiquadFilter is a second-order IIR section in direct form II transposed.
// Used for the bass-swap high/low pass stages of each engine chain.
type BiquadFilter struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             [2]float64 // per channel, stereo
}

// FilterKind selects the biquad response.
type FilterKind int

const (
	FilterHighPass FilterKind = iota
	FilterLowPass
	FilterPeaking
)

// NewBiquad creates a filter at the given cutoff and Q.
func NewBiquad(kind FilterKind, sampleRate, freq, q float64) *BiquadFilter {
	f := &BiquadFilter{}
	f.Configure(kind, sampleRate, freq, q)
	return f
}

// NewPeaking creates a peaking EQ section with the given gain in dB.
func NewPeaking(sampleRate, freq, q, gainDB float64) *BiquadFilter {
	f := &BiquadFilter{}
	f.ConfigurePeaking(sampleRate, freq, q, gainDB)
	return f
}

// ConfigurePeaking retunes a peaking section without resetting state.
func (f *BiquadFilter) ConfigurePeaking(sampleRate, freq, q, gainDB float64) {
	if freq <= 0 {
		freq = 1
	}
	if freq > sampleRate/2 {
		freq = sampleRate / 2
	}
	if q <= 0 {
		q = 0.7071
	}

	a := math.Pow(10, gainDB/40)
	omega := 2 * math.Pi * freq / sampleRate
	sin := math.Sin(omega)
	cos := math.Cos(omega)
	alpha := sin / (2 * q)
	a0 := 1 + alpha/a

	f.b0 = (1 + alpha*a) / a0
	f.b1 = -2 * cos / a0
	f.b2 = (1 - alpha*a) / a0
	f.a1 = -2 * cos / a0
	f.a2 = (1 - alpha/a) / a0
}

// Configure retunes the filter without resetting its delay state, so sweeps
// stay click-free.
func (f *BiquadFilter) Configure(kind FilterKind, sampleRate, freq, q float64) {
	if freq <= 0 {
		freq = 1
	}
	if freq > sampleRate/2 {
		freq = sampleRate / 2
	}
	if q <= 0 {
		q = 0.7071
	}

	omega := 2 * math.Pi * freq / sampleRate
	sin := math.Sin(omega)
	cos := math.Cos(omega)
	alpha := sin / (2 * q)
	a0 := 1 + alpha

	switch kind {
	case FilterHighPass:
		f.b0 = (1 + cos) / 2 / a0
		f.b1 = -(1 + cos) / a0
		f.b2 = (1 + cos) / 2 / a0
	case FilterLowPass:
		f.b0 = (1 - cos) / 2 / a0
		f.b1 = (1 - cos) / a0
		f.b2 = (1 - cos) / 2 / a0
	}
	f.a1 = -2 * cos / a0
	f.a2 = (1 - alpha) / a0
}

// Process filters one sample of the given channel (0 or 1).
func (f *BiquadFilter) Process(ch int, in float64) float64 {
	out := in*f.b0 + f.z1[ch]
	f.z1[ch] = in*f.b1 + f.z2[ch] - f.a1*out
	f.z2[ch] = in*f.b2 - f.a2*out
	return out
}

// Reset clears the delay lines.
func (f *BiquadFilter) Reset() {
	f.z1 = [2]float64{}
	f.z2 = [2]float64{}
}

// filterStage is a biquad plus its automation state. Frequencies sweep
// exponentially between Set/Ramp targets, recomputed per frame.
type filterStage struct {
	kind       FilterKind
	sampleRate float64
	filter     *BiquadFilter
	q          float64

	freq       float64 // current cutoff
	target     float64
	rampStart  float64 // audio-clock seconds
	rampEnd    float64
	rampFrom   float64
	neutralLow float64 // cutoff at which the stage is considered transparent
}

func newFilterStage(kind FilterKind, sampleRate, neutral float64) *filterStage {
	return &filterStage{
		kind:       kind,
		sampleRate: sampleRate,
		filter:     NewBiquad(kind, sampleRate, neutral, 1.0),
		q:          1.0,
		freq:       neutral,
		target:     neutral,
		neutralLow: neutral,
	}
}

// set jumps the cutoff, optionally over rampSec starting at now.
func (s *filterStage) set(hz, rampSec, now float64) {
	if rampSec <= 0 {
		s.freq = hz
		s.target = hz
		s.rampEnd = 0
		s.filter.Configure(s.kind, s.sampleRate, s.freq, s.q)
		return
	}
	s.rampFrom = s.freq
	s.target = hz
	s.rampStart = now
	s.rampEnd = now + rampSec
}

// setAt jumps the cutoff once the audio clock reaches whenSec.
func (s *filterStage) setAt(hz, whenSec float64) {
	s.rampFrom = s.freq
	s.target = hz
	s.rampStart = whenSec
	s.rampEnd = whenSec
}

// rampToAt sweeps from the current value, arriving at hz at whenSec.
func (s *filterStage) rampToAt(hz, whenSec, now float64) {
	s.rampFrom = s.freq
	s.target = hz
	s.rampStart = now
	s.rampEnd = whenSec
}

// advance recomputes the cutoff for the frame at audio-clock now.
func (s *filterStage) advance(now float64) {
	if s.rampEnd <= 0 || s.freq == s.target {
		return
	}
	if now >= s.rampEnd {
		s.freq = s.target
		s.rampEnd = 0
	} else if now > s.rampStart && s.rampEnd > s.rampStart {
		p := (now - s.rampStart) / (s.rampEnd - s.rampStart)
		// Exponential sweep: equal musical intervals per unit time.
		s.freq = s.rampFrom * math.Pow(s.target/s.rampFrom, p)
	}
	s.filter.Configure(s.kind, s.sampleRate, s.freq, s.q)
}

// transparent reports whether the stage can be bypassed.
func (s *filterStage) transparent() bool {
	if s.kind == FilterHighPass {
		return s.freq <= s.neutralLow && s.target <= s.neutralLow
	}
	return s.freq >= s.neutralLow && s.target >= s.neutralLow
}

func (s *filterStage) setQ(q float64) {
	s.q = q
	s.filter.Configure(s.kind, s.sampleRate, s.freq, s.q)
}
