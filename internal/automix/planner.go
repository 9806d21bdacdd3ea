/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"math"
	"strings"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
)

// Planner tunables.
const (
	minCrossfade     = 0.5
	fallbackFade     = 8.0
	minSnappedTail   = 4.0
	bpmConfidenceMin = 0.4
	rateWindowLow    = 0.97
	rateWindowHigh   = 1.03

	outroTailMin       = 8.0
	outroHighEnergyDB  = -12.0
	outroBeatsHigh     = 8
	outroBeatsLow      = 1
	outroFracRoundUp   = 0.9
	outroCapHighEnergy = 8.0
	outroCapLowEnergy  = 5.0
)

// PlanInput is everything the planner may look at. The planner is stateless
// and deterministic: identical inputs produce identical plans.
type PlanInput struct {
	Current  *analysis.AudioAnalysis
	Next     *analysis.AudioAnalysis
	Proposal *analysis.TransitionProposal
	LongMix  *analysis.AdvancedTransition

	// Position is the live playback position in the current track, seconds.
	Position float64

	Token     uint64
	NextTrack models.TrackRef
	NextIndex int
}

// Plan chooses exactly one strategy — mashup, native proposal, or snap-to-bar
// fallback — and returns the concrete transition, or ErrPlanRejected when no
// valid transition exists yet.
func Plan(in PlanInput) (*TransitionPlan, error) {
	cur := in.Current
	next := in.Next
	if cur == nil || next == nil || cur.Duration <= 0 {
		return nil, ErrPlanRejected
	}
	if cur.Version != next.Version {
		return nil, ErrPlanRejected
	}

	plan := &TransitionPlan{
		Token:       in.Token,
		NextTrack:   in.NextTrack,
		NextIndex:   in.NextIndex,
		InitialRate: 1.0,
	}

	switch {
	case in.LongMix != nil:
		planMashup(plan, in.LongMix)

	case in.Proposal != nil && in.Proposal.Duration > minCrossfade:
		planProposal(plan, cur, in.Proposal)
		alignBPM(plan, cur, next)
		aggressiveOutro(plan, cur)

	default:
		planFallback(plan, cur, next)
		alignBPM(plan, cur, next)
		aggressiveOutro(plan, cur)
	}

	// Final safety clamp, all strategies.
	if plan.TriggerTime < 0 {
		return nil, ErrPlanRejected
	}
	if plan.TriggerTime+plan.CrossfadeDuration > cur.Duration {
		plan.CrossfadeDuration = math.Max(minCrossfade, cur.Duration-plan.TriggerTime)
	}
	if plan.UISwitchDelay == 0 {
		plan.UISwitchDelay = plan.CrossfadeDuration * 0.5
	}

	// The fade must fit what is left of the current track.
	if cur.Duration-plan.TriggerTime < minCrossfade {
		return nil, ErrPlanRejected
	}
	// A start seek past the end of the next track cannot play.
	nextDur := next.Duration
	if nextDur <= 0 {
		nextDur = in.NextTrack.Duration().Seconds()
	}
	if nextDur > 0 && plan.StartSeekSec() >= nextDur {
		return nil, ErrPlanRejected
	}

	return plan, nil
}

// planMashup copies the analyser's long-mix plan verbatim.
func planMashup(plan *TransitionPlan, mix *analysis.AdvancedTransition) {
	plan.Strategy = StrategyMashup
	plan.TriggerTime = mix.StartTimeCurrent
	plan.StartSeek = int64(mix.StartTimeNext * 1000)
	plan.CrossfadeDuration = mix.Duration
	plan.PitchShift = mix.PitchShiftSemitone
	plan.PlaybackRate = mix.PlaybackRate
	plan.InitialRate = mix.PlaybackRate
	plan.AutomationCurrent = mix.AutomationCurrent
	plan.AutomationNext = mix.AutomationNext
	plan.MixType = mixTypeFromStrategy(mix.Strategy)
	plan.UISwitchDelay = mix.Duration * 0.5
}

// planProposal adopts the analyser's short-mix suggestion.
func planProposal(plan *TransitionPlan, cur *analysis.AudioAnalysis, prop *analysis.TransitionProposal) {
	plan.Strategy = StrategyProposal
	plan.TriggerTime = math.Min(prop.CurrentTrackMixOut, cur.Duration-1.0)
	plan.CrossfadeDuration = math.Min(prop.Duration, cur.Duration-plan.TriggerTime)
	plan.StartSeek = int64(prop.NextTrackMixIn * 1000)
	plan.MixType = mixTypeFromStrategy(prop.FilterStrategy)
}

// planFallback derives an exit point from the current analysis and fades
// over the default duration, snapped to the current track's bar grid when
// both tempos are known.
func planFallback(plan *TransitionPlan, cur, next *analysis.AudioAnalysis) {
	plan.Strategy = StrategyFallback
	exit := exitPoint(cur)

	trigger := exit - fallbackFade
	if cur.BPM != nil && *cur.BPM > 0 && next.BPM != nil && cur.FirstBeatPos != nil {
		snapped := snapToBar(trigger, *cur.BPM, *cur.FirstBeatPos)
		// Keep the fade length when bar alignment would push the trigger
		// too close to the end.
		if cur.Duration-snapped >= minSnappedTail {
			trigger = snapped
		}
	}

	plan.TriggerTime = trigger
	plan.CrossfadeDuration = fallbackFade
	plan.StartSeek = int64(next.FadeInPos * 1000)
	plan.MixType = analysis.MixDefault
}

// exitPoint resolves where perceptible audio effectively ends, preferring a
// smart cut-out over the raw fade-out when both agree with the vocals.
func exitPoint(cur *analysis.AudioAnalysis) float64 {
	exit := math.Min(cur.FadeOutPos, cur.Duration)

	// A fade-out detected before the last vocals is noise from a quiet
	// outro; fall back to the track end.
	if cur.VocalOutPos != nil && exit < *cur.VocalOutPos-0.1 {
		exit = cur.Duration
	}

	if cur.CutOutPos != nil {
		cutOut := *cur.CutOutPos
		entry := cur.FadeInPos
		if cur.CutInPos != nil {
			entry = *cur.CutInPos
		}
		usable := cutOut > 0 && cutOut <= cur.Duration && cutOut-entry > 30
		if usable && cur.VocalOutPos != nil && cutOut < *cur.VocalOutPos-0.1 {
			usable = false
		}
		if usable {
			exit = cutOut
		}
	}
	return exit
}

// snapToBar rounds t to the nearest bar (4 beats) of the given grid.
func snapToBar(t, bpm, firstBeat float64) float64 {
	bar := 4 * 60 / bpm
	return firstBeat + math.Round((t-firstBeat)/bar)*bar
}

// alignBPM matches deck tempos when both are confidently detected and the
// ratio is within the inaudible window (inclusive bounds).
func alignBPM(plan *TransitionPlan, cur, next *analysis.AudioAnalysis) {
	if cur.BPM == nil || next.BPM == nil || *next.BPM <= 0 {
		return
	}
	if conf(cur.BPMConfidence) <= bpmConfidenceMin || conf(next.BPMConfidence) <= bpmConfidenceMin {
		return
	}
	ratio := *cur.BPM / *next.BPM
	if ratio >= rateWindowLow && ratio <= rateWindowHigh {
		plan.InitialRate = ratio
	}
}

func conf(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}

// aggressiveOutro pulls the trigger back to just after the last vocals when
// the track trails off in a long instrumental outro. Head-only analyses are
// exempt: their vocal/outro positions do not cover the tail.
func aggressiveOutro(plan *TransitionPlan, cur *analysis.AudioAnalysis) {
	if cur.Head || cur.VocalOutPos == nil {
		return
	}
	exit := exitPoint(cur)
	vocalOut := *cur.VocalOutPos
	if exit-vocalOut <= outroTailMin {
		return
	}

	highEnergy := cur.OutroEnergyLevel != nil && *cur.OutroEnergyLevel > outroHighEnergyDB
	beatsToWait := outroBeatsLow
	if highEnergy {
		beatsToWait = outroBeatsHigh
	}

	var newTrigger float64
	if cur.BPM != nil && *cur.BPM > 0 && cur.FirstBeatPos != nil {
		spb := 60 / *cur.BPM
		beatPos := (vocalOut - *cur.FirstBeatPos) / spb
		beatIdx := math.Floor(beatPos)
		if beatPos-beatIdx > outroFracRoundUp {
			beatIdx++
		}
		target := beatIdx + float64(beatsToWait)
		if highEnergy {
			target = math.Ceil(target/4) * 4
		}
		newTrigger = *cur.FirstBeatPos + target*spb
	} else {
		wait := 0.5
		if highEnergy {
			wait = 4.0
		}
		newTrigger = vocalOut + wait
	}

	if newTrigger >= plan.TriggerTime || newTrigger > exit-1.0 {
		return
	}

	maxFade := outroCapLowEnergy
	if highEnergy {
		maxFade = outroCapHighEnergy
	}
	plan.TriggerTime = newTrigger
	plan.CrossfadeDuration = math.Min(plan.CrossfadeDuration, math.Min(maxFade, exit-newTrigger))
}

func mixTypeFromStrategy(s string) analysis.MixType {
	if strings.Contains(s, "Bass Swap") {
		return analysis.MixBassSwap
	}
	return analysis.MixDefault
}
