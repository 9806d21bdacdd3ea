/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
	"github.com/friendsincode/skald_automix/internal/playout"
	"github.com/friendsincode/skald_automix/internal/scheduler"
	"github.com/friendsincode/skald_automix/internal/telemetry"
)

// Crossfade protocol timings, seconds.
const (
	preArmDelay    = 0.02
	teardownMargin = 1.0
	abortRampSec   = 0.2
	rateRestoreSec = 2.0

	bassSwapHz      = 400.0
	bassSwapFloorHz = 10.0
	bassSwapQ       = 1.0
)

// EngineFactory creates a playback engine already plugged into the shared
// master bus.
type EngineFactory func() playout.Engine

// PairConfig configures the engine pair.
type PairConfig struct {
	Factory EngineFactory
	// Release unplugs a closed engine from the master bus.
	Release func(playout.Engine)

	Curve          playout.Curve
	ReplayGainMode models.ReplayGainMode
	// UserRate is the rate to restore after a BPM-aligned fade.
	UserRate float64
}

// durationHinter is implemented by engines that accept the queue's idea of
// track length.
type durationHinter interface {
	SetDurationHint(sec float64)
}

// Pair owns the at-most-two playback engines and runs the crossfade
// protocol between them. Terminal events from a retiring engine are masked
// so downstream consumers never see a stale "track ended".
type Pair struct {
	cfg     PairConfig
	sched   *scheduler.Scheduler
	clock   scheduler.Clock
	session *Session
	logger  zerolog.Logger

	mu        sync.Mutex
	primary   playout.Engine
	pending   playout.Engine
	retiring  playout.Engine
	groups    []string
	committed bool
	closed    bool

	events chan playout.Event
}

// NewPair creates the pair. No engines exist until the first Play.
func NewPair(cfg PairConfig, sched *scheduler.Scheduler, clock scheduler.Clock, session *Session, logger zerolog.Logger) *Pair {
	if cfg.UserRate <= 0 {
		cfg.UserRate = 1.0
	}
	return &Pair{
		cfg:     cfg,
		sched:   sched,
		clock:   clock,
		session: session,
		logger:  logger.With().Str("component", "engine-pair").Logger(),
		events:  make(chan playout.Event, 64),
	}
}

// Events returns the masked, merged event stream of the logical current
// engine.
func (p *Pair) Events() <-chan playout.Event {
	return p.events
}

// Position returns the current engine's playhead, seconds.
func (p *Pair) Position() float64 {
	p.mu.Lock()
	eng := p.primary
	p.mu.Unlock()
	if eng == nil {
		return 0
	}
	return eng.Position()
}

// Active reports whether any engine exists.
func (p *Pair) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary != nil || p.pending != nil
}

// Transitioning reports whether a crossfade is in flight (a pending engine
// exists, or the old engine is still fading out).
func (p *Pair) Transitioning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil || p.retiring != nil
}

// Play performs a plain (hard cut) playback of track: any existing engines
// are torn down immediately and a fresh primary starts.
func (p *Pair) Play(track models.TrackRef, seekSec float64) error {
	p.mu.Lock()
	old := []playout.Engine{p.primary, p.pending, p.retiring}
	p.primary, p.pending, p.retiring = nil, nil, nil
	p.mu.Unlock()

	for _, e := range old {
		p.destroy(e)
	}

	eng := p.cfg.Factory()
	if h, ok := eng.(durationHinter); ok && track.DurationMS > 0 {
		h.SetDurationHint(track.Duration().Seconds())
	}
	eng.SetReplayGain(replayGainLinear(track.ReplayGain, p.cfg.ReplayGainMode))

	if err := eng.Play(track.Path, playout.PlayOptions{AutoPlay: true, SeekSec: seekSec}); err != nil {
		p.destroy(eng)
		return err
	}

	p.mu.Lock()
	p.primary = eng
	p.mu.Unlock()
	p.forward(eng)
	return nil
}

// BeginCrossfade executes protocol steps 1-10 for the plan. onSwitch runs
// exactly once at trigger+uiSwitchDelay; onComplete runs when the old
// engine is torn down, a safety margin after the fade.
func (p *Pair) BeginCrossfade(plan *TransitionPlan, cur, next *analysis.AudioAnalysis, onSwitch, onComplete func()) error {
	_, span := telemetry.StartSpan(context.Background(), "skald.automix", "crossfade.begin")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"strategy":     plan.Strategy,
		"mix_type":     string(plan.MixType),
		"trigger_time": plan.TriggerTime,
		"duration":     plan.CrossfadeDuration,
		"initial_rate": plan.InitialRate,
		"next_track":   plan.NextTrack.ID,
	})

	p.mu.Lock()
	if p.pending != nil || p.primary == nil || p.closed {
		p.mu.Unlock()
		err := fmt.Errorf("%w: pair not ready", ErrEnginePrime)
		telemetry.RecordError(span, err)
		return err
	}
	primary := p.primary
	p.committed = false
	p.mu.Unlock()

	now := p.clock.Now()
	fadeStart := now
	fadeEnd := fadeStart + plan.CrossfadeDuration
	group := fmt.Sprintf("xfade-%d", plan.Token)
	teardownGroup := fmt.Sprintf("teardown-%d", plan.Token)

	// 1. Instantiate the pending engine muted, rate-matched.
	pending := p.cfg.Factory()
	pending.SetVolume(0)
	if plan.InitialRate != 1.0 && pending.Capabilities().Rate {
		if err := pending.SetRate(plan.InitialRate); err != nil {
			p.logger.Warn().Err(err).Float64("rate", plan.InitialRate).Msg("rate match failed")
		}
	}
	if h, ok := pending.(durationHinter); ok && plan.NextTrack.DurationMS > 0 {
		h.SetDurationHint(plan.NextTrack.Duration().Seconds())
	}

	// 2. Prime filters for a bass swap.
	if plan.MixType == analysis.MixBassSwap {
		primary.SetHighPassQ(bassSwapQ)
		pending.SetHighPassQ(bassSwapQ)
		pending.SetHighPassFilter(bassSwapHz, 0)
	}

	// 3. Loudness compensation, peak-safe, as the pre-fade gain target.
	target := preFadeGain(cur, next, plan.NextTrack.ReplayGain, p.cfg.ReplayGainMode)

	// 4. Start the pending engine at the plan's entry point.
	if err := pending.Play(plan.NextTrack.Path, playout.PlayOptions{
		AutoPlay: true,
		SeekSec:  plan.StartSeekSec(),
	}); err != nil {
		p.destroy(pending)
		err = fmt.Errorf("%w: %v", ErrEnginePrime, err)
		telemetry.RecordError(span, err)
		return err
	}

	p.mu.Lock()
	p.pending = pending
	p.groups = append(p.groups, group, teardownGroup)
	p.mu.Unlock()
	p.forward(pending)

	token := plan.Token
	fromVolume := primary.Volume()
	duration := plan.CrossfadeDuration

	// 5. Opposing gain ramps, pre-armed with a 20 ms anchor so the first
	// automation write never races the audio clock.
	primary.SetVolume(fromVolume)
	p.sched.RunAt(fadeStart+preArmDelay, group, func() {
		if !p.session.Valid(token) {
			return
		}
		pending.RampVolumeTo(target, duration, p.cfg.Curve)
		primary.RampVolumeTo(0, duration, p.cfg.Curve)
	})

	// 6. Bass-swap filter sweeps across the fade.
	if plan.MixType == analysis.MixBassSwap {
		p.sched.RunAt(fadeStart+preArmDelay, group, func() {
			if !p.session.Valid(token) {
				return
			}
			primary.SetHighPassFilter(bassSwapFloorHz, 0)
			primary.RampHighPassFilterToAt(bassSwapHz, fadeEnd)
			pending.RampHighPassFilterToAt(bassSwapFloorHz, fadeEnd)
		})
	}

	// 7. Mashup automation, scheduled point to point.
	p.scheduleAutomation(primary, plan.AutomationCurrent, fadeStart, group, token)
	p.scheduleAutomation(pending, plan.AutomationNext, fadeStart, group, token)

	// 8. UI commit.
	p.sched.RunAt(fadeStart+plan.UISwitchDelay, group, func() {
		p.commitSwitch(group, onSwitch)
	})

	// 9. Rate restoration after the fade.
	if plan.InitialRate != 1.0 && pending.Capabilities().Rate {
		p.sched.RunAt(fadeEnd, teardownGroup, func() {
			if !p.session.Valid(token) {
				return
			}
			pending.RampRateTo(p.cfg.UserRate, rateRestoreSec)
		})
	}

	// 10. Old-engine teardown, one safety margin after the fade.
	p.sched.RunAt(fadeEnd+teardownMargin, teardownGroup, func() {
		p.finishTeardown(onComplete)
	})

	telemetry.TransitionsTotal.WithLabelValues(plan.Strategy).Inc()
	telemetry.CrossfadeDuration.Observe(plan.CrossfadeDuration)

	p.logger.Info().
		Float64("trigger", plan.TriggerTime).
		Float64("duration", plan.CrossfadeDuration).
		Str("strategy", plan.Strategy).
		Str("mix_type", string(plan.MixType)).
		Float64("gain_target", target).
		Msg("crossfade started")
	return nil
}

// CommitImmediately is the engine-prime fallback: flip the UI switch with no
// crossfade and mark the old engine for teardown.
func (p *Pair) CommitImmediately(onSwitch func()) {
	p.mu.Lock()
	old := p.primary
	p.primary = nil
	p.mu.Unlock()

	onSwitch()
	p.destroy(old)
}

// Abort cancels an in-flight crossfade: both gains ramp down over 200 ms in
// parallel, every scheduled job for the fade dies, and both engines are
// destroyed. The pair is immediately ready for a fresh Play.
func (p *Pair) Abort() {
	p.mu.Lock()
	primary, pending, retiring := p.primary, p.pending, p.retiring
	groups := p.groups
	p.primary, p.pending, p.retiring = nil, nil, nil
	p.groups = nil
	p.mu.Unlock()

	for _, g := range groups {
		p.sched.ClearGroup(g)
	}

	doomed := make([]playout.Engine, 0, 3)
	for _, e := range []playout.Engine{primary, pending, retiring} {
		if e != nil {
			e.RampVolumeTo(0, abortRampSec, playout.CurveLinear)
			doomed = append(doomed, e)
		}
	}
	if len(doomed) == 0 {
		return
	}

	now := p.clock.Now()
	p.sched.RunAt(now+abortRampSec, "abort", func() {
		for _, e := range doomed {
			p.destroy(e)
		}
	})
	telemetry.TransitionsAborted.Inc()
	p.logger.Info().Int("engines", len(doomed)).Msg("crossfade aborted")
}

// Close tears everything down.
func (p *Pair) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	engines := []playout.Engine{p.primary, p.pending, p.retiring}
	groups := p.groups
	p.primary, p.pending, p.retiring = nil, nil, nil
	p.groups = nil
	p.mu.Unlock()

	for _, g := range groups {
		p.sched.ClearGroup(g)
	}
	for _, e := range engines {
		p.destroy(e)
	}
	close(p.events)
}

// commitSwitch flips roles: pending becomes primary, the old primary
// retires with its terminal events masked until teardown.
func (p *Pair) commitSwitch(group string, onSwitch func()) {
	p.mu.Lock()
	if p.committed || p.pending == nil {
		p.mu.Unlock()
		return
	}
	p.committed = true
	p.retiring = p.primary
	p.primary = p.pending
	p.pending = nil
	p.mu.Unlock()

	onSwitch()
	p.sched.ClearGroup(group)
	p.logger.Debug().Msg("ui switch committed")
}

// finishTeardown destroys the retired engine after the safety margin.
func (p *Pair) finishTeardown(onComplete func()) {
	p.mu.Lock()
	old := p.retiring
	p.retiring = nil
	p.groups = nil
	p.mu.Unlock()

	p.destroy(old)
	if onComplete != nil {
		onComplete()
	}
}

// scheduleAutomation plays an analyser automation curve onto one engine:
// each point is a linear ramp target reached at fadeStart+point.time.
func (p *Pair) scheduleAutomation(eng playout.Engine, points []analysis.AutomationPoint, fadeStart float64, group string, token uint64) {
	for i := range points {
		pt := points[i]
		at := fadeStart + pt.Time
		var rampDur float64
		if i+1 < len(points) {
			rampDur = points[i+1].Time - pt.Time
		}
		nextPt := analysis.AutomationPoint{}
		hasNext := i+1 < len(points)
		if hasNext {
			nextPt = points[i+1]
		}

		p.sched.Schedule(at, group, func() {
			if !p.session.Valid(token) {
				return
			}
			if pt.Q > 0 {
				eng.SetHighPassQ(pt.Q)
			}
			if i == 0 {
				eng.SetVolume(pt.Gain)
				if pt.FilterHz > 0 {
					eng.SetHighPassFilter(pt.FilterHz, 0)
				}
			}
			if hasNext {
				eng.RampVolumeTo(nextPt.Gain, rampDur, playout.CurveLinear)
				if nextPt.FilterHz > 0 {
					eng.RampHighPassFilterToAt(nextPt.FilterHz, at+rampDur)
				}
			}
		})
	}
}

// forward pumps an engine's events into the pair stream, masking terminal
// events from engines that are no longer the logical current track.
func (p *Pair) forward(eng playout.Engine) {
	go func() {
		for ev := range eng.Events() {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return
			}
			isCurrent := eng == p.primary
			isRetiring := eng == p.retiring
			if isRetiring || (!isCurrent && ev.Type != playout.EventError) {
				// pause/ended/error from the fading deck are stale; only
				// errors pass through from a not-yet-committed pending.
				p.mu.Unlock()
				continue
			}
			select {
			case p.events <- ev:
			default:
			}
			p.mu.Unlock()
		}
	}()
}

func (p *Pair) destroy(e playout.Engine) {
	if e == nil {
		return
	}
	e.Close()
	if p.cfg.Release != nil {
		p.cfg.Release(e)
	}
}

// replayGainLinear converts the track's ReplayGain metadata to a linear
// multiplier, peak-limited like the crossfade gain.
func replayGainLinear(rg *models.ReplayGain, mode models.ReplayGainMode) float64 {
	if rg == nil {
		return 1
	}
	linear := math.Pow(10, rg.Gain(mode)/20)
	if peak := rg.Peak(mode); peak > 0 && linear*peak > 1 {
		linear = 1 / peak
	}
	return linear
}
