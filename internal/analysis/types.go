/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package analysis defines the analyser result schema shared by the gateway,
// the cache, and the planner. Results are immutable once cached.
package analysis

import (
	"iter"
)

// Version is the current analysis schema version. Cached payloads carrying a
// different version are ignored.
const Version = 13

// KeyMode enumerates musical modes as reported by the analyser.
type KeyMode int

const (
	KeyModeMajor KeyMode = 0
	KeyModeMinor KeyMode = 1
)

// AudioAnalysis is the full analyser output for one track.
//
// Optional positions are pointers; nil means the analyser could not determine
// the value (head-only analyses never carry tail positions). All positions are
// seconds from the start of the track, loudness is LUFS, outro energy is dB.
type AudioAnalysis struct {
	Version       int     `json:"version"`
	AnalyzeWindow float64 `json:"analyze_window"`
	Head          bool    `json:"head,omitempty"`

	Duration float64 `json:"duration"`

	BPM           *float64 `json:"bpm,omitempty"`
	BPMConfidence *float64 `json:"bpm_confidence,omitempty"`
	FirstBeatPos  *float64 `json:"first_beat_pos,omitempty"`

	KeyRoot       *int     `json:"key_root,omitempty"`
	KeyMode       *KeyMode `json:"key_mode,omitempty"`
	KeyConfidence *float64 `json:"key_confidence,omitempty"`
	CamelotKey    string   `json:"camelot_key,omitempty"`

	Loudness *float64 `json:"loudness,omitempty"`

	FadeInPos  float64 `json:"fade_in_pos"`
	FadeOutPos float64 `json:"fade_out_pos"`

	CutInPos  *float64 `json:"cut_in_pos,omitempty"`
	CutOutPos *float64 `json:"cut_out_pos,omitempty"`

	VocalInPos     *float64 `json:"vocal_in_pos,omitempty"`
	VocalOutPos    *float64 `json:"vocal_out_pos,omitempty"`
	VocalLastInPos *float64 `json:"vocal_last_in_pos,omitempty"`

	DropPos      *float64 `json:"drop_pos,omitempty"`
	MixStartPos  *float64 `json:"mix_start_pos,omitempty"`
	MixCenterPos *float64 `json:"mix_center_pos,omitempty"`
	MixEndPos    *float64 `json:"mix_end_pos,omitempty"`

	OutroEnergyLevel *float64 `json:"outro_energy_level,omitempty"`

	// EnergyProfile is a finite RMS envelope on a 10 Hz grid. Access it
	// through Profile to keep callers off the backing slice.
	EnergyProfile []float64 `json:"energy_profile,omitempty"`
}

// Profile returns a restartable iterator over the energy profile. The
// sequence is empty when the analyser produced no profile.
func (a *AudioAnalysis) Profile() iter.Seq[float64] {
	return func(yield func(float64) bool) {
		for _, v := range a.EnergyProfile {
			if !yield(v) {
				return
			}
		}
	}
}

// HasBeatGrid reports whether the analysis carries both a tempo and a beat
// phase, the prerequisites for bar snapping.
func (a *AudioAnalysis) HasBeatGrid() bool {
	return a.BPM != nil && *a.BPM > 0 && a.FirstBeatPos != nil
}

// MixType selects the crossfade DSP style.
type MixType string

const (
	MixDefault  MixType = "default"
	MixBassSwap MixType = "bassSwap"
)

// TransitionProposal is the analyser's short-mix suggestion.
type TransitionProposal struct {
	Duration           float64 `json:"duration"`
	CurrentTrackMixOut float64 `json:"current_track_mix_out"`
	NextTrackMixIn     float64 `json:"next_track_mix_in"`
	MixTypeName        string  `json:"mix_type"`
	FilterStrategy     string  `json:"filter_strategy"`
	CompatibilityScore float64 `json:"compatibility_score"`
	KeyCompatible      bool    `json:"key_compatible"`
	BPMCompatible      bool    `json:"bpm_compatible"`
}

// AutomationPoint is one sample of a gain/filter automation curve, offset in
// seconds from the start of the crossfade.
type AutomationPoint struct {
	Time     float64 `json:"time_offset"`
	Gain     float64 `json:"volume"`
	FilterHz float64 `json:"filter_hz,omitempty"`
	Q        float64 `json:"q,omitempty"`
}

// AdvancedTransition is the analyser's long "mashup" plan: absolute anchor
// times in both tracks plus full automation for each deck.
type AdvancedTransition struct {
	StartTimeCurrent   float64           `json:"start_time_current"`
	StartTimeNext      float64           `json:"start_time_next"`
	Duration           float64           `json:"duration"`
	PitchShiftSemitone float64           `json:"pitch_shift_semitones"`
	PlaybackRate       float64           `json:"playback_rate"`
	AutomationCurrent  []AutomationPoint `json:"automation_current"`
	AutomationNext     []AutomationPoint `json:"automation_next"`
	Strategy           string            `json:"strategy"`
}
