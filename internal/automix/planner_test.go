package automix

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
)

func f(v float64) *float64 { return &v }

func track(id string, durMS int64) models.TrackRef {
	return models.TrackRef{ID: id, Path: "/music/" + id + ".flac", DurationMS: durMS}
}

// barAlignedInput reproduces the clean bar-aligned fallback scenario:
// 180 s track at 128 BPM, next track entering at its fade-in.
func barAlignedInput() PlanInput {
	return PlanInput{
		Current: &analysis.AudioAnalysis{
			Version:       analysis.Version,
			Duration:      180,
			BPM:           f(128),
			BPMConfidence: f(0.8),
			FirstBeatPos:  f(0),
			FadeInPos:     2,
			FadeOutPos:    175,
			VocalOutPos:   f(170),
			CutInPos:      f(4),
			CutOutPos:     f(176),
			Loudness:      f(-9),
		},
		Next: &analysis.AudioAnalysis{
			Version:   analysis.Version,
			Duration:  200,
			BPM:       f(128),
			FadeInPos: 5,
			Loudness:  f(-9),
		},
		Position:  140,
		Token:     7,
		NextTrack: track("next", 200_000),
	}
}

func TestPlan_FallbackSnapsToBar(t *testing.T) {
	plan, err := Plan(barAlignedInput())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Exit point is the smart cut-out at 176; raw trigger 168 snaps to the
	// nearest bar of the 128 BPM grid.
	if math.Abs(plan.TriggerTime-168.75) > 1e-9 {
		t.Fatalf("trigger = %v, want 168.75", plan.TriggerTime)
	}
	if plan.CrossfadeDuration != 8.0 {
		t.Fatalf("duration = %v, want 8", plan.CrossfadeDuration)
	}
	if plan.StartSeek != 5000 {
		t.Fatalf("start seek = %v, want 5000", plan.StartSeek)
	}
	if plan.InitialRate != 1.0 {
		t.Fatalf("initial rate = %v, want 1.0 (next confidence unknown)", plan.InitialRate)
	}
	if plan.MixType != analysis.MixDefault {
		t.Fatalf("mix type = %v", plan.MixType)
	}
	if plan.UISwitchDelay != 4.0 {
		t.Fatalf("ui switch delay = %v, want half the fade", plan.UISwitchDelay)
	}
	if plan.Strategy != StrategyFallback {
		t.Fatalf("strategy = %v", plan.Strategy)
	}
}

func TestPlan_SnapRevertsWhenTailTooShort(t *testing.T) {
	// 24 BPM: a bar is 10 s, so snapping the raw trigger 165 rounds up to
	// 170 and would leave only 3 s of track. The unsnapped trigger wins.
	in := PlanInput{
		Current: &analysis.AudioAnalysis{
			Version:       analysis.Version,
			Duration:      173,
			BPM:           f(24),
			BPMConfidence: f(0.8),
			FirstBeatPos:  f(0),
			FadeOutPos:    173,
		},
		Next: &analysis.AudioAnalysis{
			Version:  analysis.Version,
			Duration: 300,
			BPM:      f(24),
		},
		NextTrack: track("next", 300_000),
	}

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TriggerTime != 165 {
		t.Fatalf("trigger = %v, want unsnapped 165", plan.TriggerTime)
	}
}

func TestPlan_AggressiveOutroHighEnergy(t *testing.T) {
	in := PlanInput{
		Current: &analysis.AudioAnalysis{
			Version:          analysis.Version,
			Duration:         240,
			BPM:              f(120),
			BPMConfidence:    f(0.8),
			FirstBeatPos:     f(0),
			FadeOutPos:       235,
			VocalOutPos:      f(180),
			CutOutPos:        f(235),
			OutroEnergyLevel: f(-8),
		},
		Next: &analysis.AudioAnalysis{
			Version:  analysis.Version,
			Duration: 300,
		},
		NextTrack: track("next", 300_000),
	}

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Vocals end on beat 360; waiting 8 beats and rounding to the bar puts
	// the trigger on beat 368 of the 120 BPM grid.
	if math.Abs(plan.TriggerTime-184) > 1e-9 {
		t.Fatalf("trigger = %v, want 184", plan.TriggerTime)
	}
	if plan.CrossfadeDuration != 8.0 {
		t.Fatalf("duration = %v, want 8", plan.CrossfadeDuration)
	}
}

func TestPlan_AggressiveOutroSkippedForHeadAnalysis(t *testing.T) {
	in := PlanInput{
		Current: &analysis.AudioAnalysis{
			Version:     analysis.Version,
			Head:        true,
			Duration:    240,
			FadeOutPos:  235,
			VocalOutPos: f(180),
		},
		Next:      &analysis.AudioAnalysis{Version: analysis.Version, Duration: 300},
		NextTrack: track("next", 300_000),
	}

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TriggerTime != 235-8 {
		t.Fatalf("head analysis must not trigger the outro rule, trigger = %v", plan.TriggerTime)
	}
}

func TestPlan_MashupWinsAndCopiesVerbatim(t *testing.T) {
	auto := []analysis.AutomationPoint{{Time: 0, Gain: 1}, {Time: 8, Gain: 0.9}, {Time: 16, Gain: 0}}
	in := PlanInput{
		Current: &analysis.AudioAnalysis{Version: analysis.Version, Duration: 200, FadeOutPos: 195},
		Next:    &analysis.AudioAnalysis{Version: analysis.Version, Duration: 300},
		LongMix: &analysis.AdvancedTransition{
			StartTimeCurrent:   100,
			StartTimeNext:      30,
			Duration:           16,
			PitchShiftSemitone: -1,
			PlaybackRate:       0.98,
			AutomationCurrent:  auto,
			AutomationNext:     auto,
			Strategy:           "Bass Swap+Mashup",
		},
		// A proposal is also on offer; the mashup outranks it.
		Proposal:  &analysis.TransitionProposal{Duration: 12, CurrentTrackMixOut: 190},
		NextTrack: track("next", 300_000),
	}

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Strategy != StrategyMashup {
		t.Fatalf("strategy = %v", plan.Strategy)
	}
	if plan.TriggerTime != 100 || plan.CrossfadeDuration != 16 || plan.StartSeek != 30000 {
		t.Fatalf("mashup fields not copied: %+v", plan)
	}
	if plan.InitialRate != 0.98 || plan.PlaybackRate != 0.98 || plan.PitchShift != -1 {
		t.Fatalf("rate fields not copied: %+v", plan)
	}
	if plan.UISwitchDelay != 8.0 {
		t.Fatalf("ui switch delay = %v, want 8", plan.UISwitchDelay)
	}
	if plan.MixType != analysis.MixBassSwap {
		t.Fatalf("mix type = %v, want bassSwap", plan.MixType)
	}
	if !reflect.DeepEqual(plan.AutomationCurrent, auto) || !reflect.DeepEqual(plan.AutomationNext, auto) {
		t.Fatalf("automation not preserved verbatim")
	}
}

func TestPlan_ProposalStrategy(t *testing.T) {
	in := PlanInput{
		Current: &analysis.AudioAnalysis{Version: analysis.Version, Duration: 200, FadeOutPos: 195},
		Next:    &analysis.AudioAnalysis{Version: analysis.Version, Duration: 300},
		Proposal: &analysis.TransitionProposal{
			Duration:           12,
			CurrentTrackMixOut: 250, // beyond the track: clamped to duration-1
			NextTrackMixIn:     7.5,
			FilterStrategy:     "Bass Swap / LPF",
		},
		NextTrack: track("next", 300_000),
	}

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TriggerTime != 199 {
		t.Fatalf("trigger = %v, want clamp to 199", plan.TriggerTime)
	}
	if plan.CrossfadeDuration != 1 {
		t.Fatalf("duration = %v, want min(12, 200-199)", plan.CrossfadeDuration)
	}
	if plan.StartSeek != 7500 {
		t.Fatalf("start seek = %v", plan.StartSeek)
	}
	if plan.MixType != analysis.MixBassSwap {
		t.Fatalf("mix type = %v, want bassSwap", plan.MixType)
	}
	if len(plan.AutomationCurrent) != 0 || len(plan.AutomationNext) != 0 {
		t.Fatalf("proposal strategy must not carry automation")
	}
}

func TestPlan_ProposalTooShortFallsThrough(t *testing.T) {
	in := barAlignedInput()
	in.Proposal = &analysis.TransitionProposal{Duration: 0.4}
	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Strategy != StrategyFallback {
		t.Fatalf("sub-minimum proposal should fall through, got %v", plan.Strategy)
	}
}

func TestPlan_BPMAlignment(t *testing.T) {
	in := barAlignedInput()
	in.Current.BPM = f(128)
	in.Current.BPMConfidence = f(0.8)
	in.Next.BPM = f(130)
	in.Next.BPMConfidence = f(0.8)

	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := 128.0 / 130.0
	if math.Abs(plan.InitialRate-want) > 1e-9 {
		t.Fatalf("initial rate = %v, want %v", plan.InitialRate, want)
	}
}

func TestPlan_BPMAlignmentInclusiveBounds(t *testing.T) {
	for _, ratio := range []float64{0.97, 1.03} {
		in := barAlignedInput()
		in.Current.BPM = f(100 * ratio)
		in.Current.BPMConfidence = f(0.8)
		in.Next.BPM = f(100)
		in.Next.BPMConfidence = f(0.8)

		plan, err := Plan(in)
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if math.Abs(plan.InitialRate-ratio) > 1e-9 {
			t.Fatalf("ratio %v exactly at bound must align, got %v", ratio, plan.InitialRate)
		}
	}

	in := barAlignedInput()
	in.Current.BPM = f(104)
	in.Current.BPMConfidence = f(0.8)
	in.Next.BPM = f(100)
	in.Next.BPMConfidence = f(0.8)
	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.InitialRate != 1.0 {
		t.Fatalf("ratio 1.04 outside window must not align, got %v", plan.InitialRate)
	}
}

func TestPlan_BPMAlignmentRequiresConfidence(t *testing.T) {
	in := barAlignedInput()
	in.Current.BPMConfidence = f(0.3)
	in.Next.BPM = f(128)
	in.Next.BPMConfidence = f(0.8)
	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.InitialRate != 1.0 {
		t.Fatalf("low confidence must not align, got %v", plan.InitialRate)
	}
}

func TestPlan_RejectsTrackTooShortForFade(t *testing.T) {
	in := PlanInput{
		Current:   &analysis.AudioAnalysis{Version: analysis.Version, Duration: 6, FadeOutPos: 6},
		Next:      &analysis.AudioAnalysis{Version: analysis.Version, Duration: 300},
		NextTrack: track("next", 300_000),
	}
	// Trigger would be negative: 6 - 8 s fade.
	if _, err := Plan(in); !errors.Is(err, ErrPlanRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestPlan_RejectsSeekBeyondNextTrack(t *testing.T) {
	in := PlanInput{
		Current: &analysis.AudioAnalysis{Version: analysis.Version, Duration: 200, FadeOutPos: 195},
		Next:    &analysis.AudioAnalysis{Version: analysis.Version, Duration: 100},
		Proposal: &analysis.TransitionProposal{
			Duration:           12,
			CurrentTrackMixOut: 180,
			NextTrackMixIn:     150, // beyond the next track
		},
		NextTrack: track("next", 100_000),
	}
	if _, err := Plan(in); !errors.Is(err, ErrPlanRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestPlan_RejectsMismatchedSchemaVersions(t *testing.T) {
	in := barAlignedInput()
	in.Next.Version = analysis.Version - 1
	if _, err := Plan(in); !errors.Is(err, ErrPlanRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	a, err := Plan(barAlignedInput())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	b, err := Plan(barAlignedInput())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("identical inputs produced different plans:\n%+v\n%+v", a, b)
	}
}

func TestPlan_SafetyClampKeepsInvariant(t *testing.T) {
	in := PlanInput{
		Current: &analysis.AudioAnalysis{Version: analysis.Version, Duration: 100, FadeOutPos: 99},
		Next:    &analysis.AudioAnalysis{Version: analysis.Version, Duration: 300},
		Proposal: &analysis.TransitionProposal{
			Duration:           30,
			CurrentTrackMixOut: 95,
		},
		NextTrack: track("next", 300_000),
	}
	plan, err := Plan(in)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TriggerTime+plan.CrossfadeDuration > in.Current.Duration {
		t.Fatalf("invariant violated: %v + %v > %v", plan.TriggerTime, plan.CrossfadeDuration, in.Current.Duration)
	}
	if plan.CrossfadeDuration < 0.5 {
		t.Fatalf("fade shorter than floor: %v", plan.CrossfadeDuration)
	}
}
