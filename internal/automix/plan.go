/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package automix decides when and how consecutive tracks blend into each
// other: it plans transitions from analyser output, schedules them on the
// audio clock, and drives the two-engine crossfade handover.
package automix

import (
	"errors"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
)

// Error kinds, ascending severity. Session-stale drops are silent and have
// no sentinel.
var (
	// ErrPlanRejected means the planner cannot produce a plan yet; the
	// caller stays in monitoring and retries on a later tick.
	ErrPlanRejected = errors.New("transition plan rejected")

	// ErrEnginePrime means the pending engine failed to start; the caller
	// commits the UI switch immediately and falls back to a plain play.
	ErrEnginePrime = errors.New("pending engine failed to prime")
)

// Strategy names for logging and metrics.
const (
	StrategyMashup   = "mashup"
	StrategyProposal = "proposal"
	StrategyFallback = "fallback"
)

// TransitionPlan is the executable description of one crossfade.
type TransitionPlan struct {
	// Token is the session token captured at planning time; stale plans
	// are dropped at fire time.
	Token uint64

	NextTrack models.TrackRef
	NextIndex int

	// TriggerTime is in the current track's timeline, seconds.
	TriggerTime       float64
	CrossfadeDuration float64

	// StartSeek is milliseconds into the next track.
	StartSeek int64

	// InitialRate is applied to the new engine before it starts; 1.0
	// unless the plan BPM-aligns the decks.
	InitialRate float64

	// UISwitchDelay is seconds into the crossfade at which the logical
	// "now playing" flips.
	UISwitchDelay float64

	MixType analysis.MixType

	PitchShift   float64
	PlaybackRate float64

	AutomationCurrent []analysis.AutomationPoint
	AutomationNext    []analysis.AutomationPoint

	Strategy string
}

// StartSeekSec returns the next-track entry point in seconds.
func (p *TransitionPlan) StartSeekSec() float64 {
	return float64(p.StartSeek) / 1000.0
}
