/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package automix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/events"
	"github.com/friendsincode/skald_automix/internal/models"
	"github.com/friendsincode/skald_automix/internal/playout"
	"github.com/friendsincode/skald_automix/internal/scheduler"
	"github.com/friendsincode/skald_automix/internal/telemetry"
)

// State is the automix lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateMonitoring    State = "MONITORING"
	StateScheduled     State = "SCHEDULED"
	StateTransitioning State = "TRANSITIONING"
	StateCooldown      State = "COOLDOWN"
)

// cooldownDuration suppresses immediate re-planning after a handover.
const cooldownDuration = 500 * time.Millisecond

// automixGroup names the scheduler group holding the fire-once trigger job.
const automixGroup = "automix"

// Analyser is the gateway surface the service needs; satisfied by
// *analyzer.Gateway.
type Analyser interface {
	Analyze(ctx context.Context, path string, maxWindow float64) (*analysis.AudioAnalysis, error)
	AnalyzeHead(ctx context.Context, path string, maxWindow float64) (*analysis.AudioAnalysis, error)
	SuggestTransition(ctx context.Context, current, next string) (*analysis.TransitionProposal, error)
	SuggestLongMix(ctx context.Context, current, next string) (*analysis.AdvancedTransition, error)
}

// ServiceConfig carries the automix-relevant configuration.
type ServiceConfig struct {
	Enabled        bool
	MonitorWindow  time.Duration
	MaxAnalyzeTime float64
	NativeAnalysis bool
}

// planInputs are the analyses gathered for one track boundary.
type planInputs struct {
	token    uint64
	cur      *analysis.AudioAnalysis
	next     *analysis.AudioAnalysis
	proposal *analysis.TransitionProposal
	longMix  *analysis.AdvancedTransition
}

// Service is the automix engine: it watches playback, plans transitions near
// the current track's exit region, and drives the engine pair through them.
type Service struct {
	cfg     ServiceConfig
	gw      Analyser
	pair    *Pair
	sched   *scheduler.Scheduler
	clock   scheduler.Clock
	session *Session
	bus     *events.Bus
	logger  zerolog.Logger
	limiter *logLimiter
	history *History

	mu            sync.Mutex
	state         State
	enabled       bool
	personalRadio bool
	current       models.TrackRef
	index         int
	next          *models.TrackRef
	nextIndex     int
	inputs        *planInputs
	fetching      bool
	degraded      bool
	activePlan    *TransitionPlan
}

// NewService wires the automix engine.
func NewService(cfg ServiceConfig, gw Analyser, pair *Pair, sched *scheduler.Scheduler, clock scheduler.Clock, session *Session, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		gw:      gw,
		pair:    pair,
		sched:   sched,
		clock:   clock,
		session: session,
		bus:     bus,
		logger:  logger.With().Str("component", "automix").Logger(),
		limiter: newLogLimiter(5 * time.Second),
		history: NewHistory(64),
		state:   StateIdle,
		enabled: cfg.Enabled,
	}
}

// Run consumes the engine pair's event stream until context cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Msg("automix engine started")
	evs := s.pair.Events()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("automix engine stopped")
			return ctx.Err()
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			switch ev.Type {
			case playout.EventTimeUpdate:
				s.HandleTick(ev.Position)
			case playout.EventEnded:
				s.handleEnded()
			case playout.EventError:
				if s.limiter.allow("engine-error") {
					s.logger.Warn().Int("code", ev.Code).Str("message", ev.Message).Msg("engine error")
				}
				s.bus.Publish(events.EventEngineError, events.Payload{"code": ev.Code, "message": ev.Message})
			}
		case <-ticker.C:
			// Re-evaluate preconditions even while no audio flows.
			s.HandleTick(s.pair.Position())
		}
	}
}

// State returns the current automix state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot reports state for the status endpoint.
func (s *Service) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := map[string]any{
		"state":         string(s.state),
		"session_token": s.session.Current(),
		"current_track": s.current.ID,
		"queue_index":   s.index,
	}
	if s.activePlan != nil {
		snap["plan"] = map[string]any{
			"trigger_time":       s.activePlan.TriggerTime,
			"crossfade_duration": s.activePlan.CrossfadeDuration,
			"strategy":           s.activePlan.Strategy,
			"mix_type":           string(s.activePlan.MixType),
		}
	}
	return snap
}

// History returns the recent-transition record.
func (s *Service) History() *History {
	return s.history
}

// SetEnabled flips the automix setting.
func (s *Service) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
	if !on {
		s.cancelScheduled()
	}
}

// SetPersonalRadio marks personal-radio mode, which disables automix.
func (s *Service) SetPersonalRadio(on bool) {
	s.mu.Lock()
	s.personalRadio = on
	s.mu.Unlock()
}

// SetNextTrack tells the engine what follows the current track. A nil next
// empties the horizon and drops any gathered inputs.
func (s *Service) SetNextTrack(next *models.TrackRef, index int) {
	s.mu.Lock()
	changed := (s.next == nil) != (next == nil) || (s.next != nil && next != nil && s.next.ID != next.ID)
	s.next = next
	s.nextIndex = index
	if changed {
		s.inputs = nil
		s.degraded = false
	}
	s.mu.Unlock()
	if changed {
		s.cancelScheduled()
	}
}

// PlayTrack starts fresh playback of track: a new session, a plain play on
// the pair, and monitoring from scratch.
func (s *Service) PlayTrack(track models.TrackRef, index int) error {
	s.session.Bump()
	if err := s.pair.Play(track, 0); err != nil {
		return fmt.Errorf("play %s: %w", track.ID, err)
	}
	s.onTrackStarted(track, index)
	return nil
}

// OnUserSeek reacts to a manual seek: any scheduled trigger is invalid.
func (s *Service) OnUserSeek() {
	s.cancelScheduled()
	s.mu.Lock()
	if s.state == StateScheduled || s.state == StateMonitoring {
		s.setStateLocked(StateMonitoring)
		s.activePlan = nil
	}
	s.mu.Unlock()
}

// OnUserSkip reacts to the user pressing next. Mid-fade it aborts the
// crossfade (both engines die) and starts the selection plainly.
func (s *Service) OnUserSkip(track models.TrackRef, index int) error {
	s.cancelScheduled()

	s.mu.Lock()
	transitioning := s.state == StateTransitioning || s.pair.Transitioning()
	s.mu.Unlock()

	if transitioning {
		s.session.Bump() // kill the in-flight fade's continuations
		s.pair.Abort()
		s.bus.Publish(events.EventTransitionAbort, events.Payload{"track_id": track.ID})
		s.mu.Lock()
		s.history.Add(RecentTransition{
			FromTrackID: s.current.ID,
			ToTrackID:   track.ID,
			Aborted:     true,
			At:          time.Now(),
		})
		s.mu.Unlock()
	}
	return s.PlayTrack(track, index)
}

// HandleTick advances the state machine at the given playback position.
func (s *Service) HandleTick(pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		// A degraded boundary stays idle until the queue moves on.
		if s.eligibleLocked() && !s.degraded {
			s.setStateLocked(StateMonitoring)
			s.monitorLocked(pos)
		}
	case StateMonitoring:
		if !s.eligibleLocked() {
			s.setStateLocked(StateIdle)
			return
		}
		if s.degraded {
			// Analyser gave up on this boundary; hard cut at track end.
			s.setStateLocked(StateIdle)
			return
		}
		s.monitorLocked(pos)
	case StateScheduled:
		if !s.eligibleLocked() {
			s.mu.Unlock()
			s.cancelScheduled()
			s.mu.Lock()
			s.setStateLocked(StateMonitoring)
		}
	case StateTransitioning, StateCooldown:
		// Driven by the pair's callbacks.
	}
}

func (s *Service) eligibleLocked() bool {
	return s.enabled &&
		!s.personalRadio &&
		s.cfg.NativeAnalysis &&
		s.pair.Active() &&
		s.current.Local() &&
		s.next != nil
}

// monitorLocked plans once the exit region is inside the monitor window.
func (s *Service) monitorLocked(pos float64) {
	curDur := s.current.Duration().Seconds()
	if curDur <= 0 {
		return
	}
	remaining := curDur - pos
	if remaining >= s.cfg.MonitorWindow.Seconds() {
		return
	}

	if s.inputs == nil || s.inputs.token != s.session.Current() {
		s.fetchInputsLocked()
		return
	}

	plan, err := Plan(PlanInput{
		Current:   s.inputs.cur,
		Next:      s.inputs.next,
		Proposal:  s.inputs.proposal,
		LongMix:   s.inputs.longMix,
		Position:  pos,
		Token:     s.session.Current(),
		NextTrack: *s.next,
		NextIndex: s.nextIndex,
	})
	if err != nil {
		telemetry.PlannerRejections.Inc()
		if s.limiter.allow("plan-rejected") {
			s.logger.Debug().Err(err).Msg("no transition plan yet")
		}
		return
	}

	s.activePlan = plan
	if plan.TriggerTime > pos {
		fireAt := s.clock.Now() + (plan.TriggerTime - pos)
		token := plan.Token
		s.sched.RunAt(fireAt, automixGroup, func() {
			s.firePlan(plan, token)
		})
		s.setStateLocked(StateScheduled)
		s.bus.Publish(events.EventPlanScheduled, events.Payload{
			"trigger_time": plan.TriggerTime,
			"duration":     plan.CrossfadeDuration,
			"strategy":     plan.Strategy,
		})
		return
	}

	// Exit region already reached: fire immediately.
	go s.firePlan(plan, plan.Token)
	s.setStateLocked(StateTransitioning)
}

// fetchInputsLocked gathers analyses for the boundary off the main loop.
func (s *Service) fetchInputsLocked() {
	if s.fetching || s.next == nil {
		return
	}
	s.fetching = true

	token := s.session.Current()
	curPath := s.current.Path
	nextPath := s.next.Path
	window := s.cfg.MaxAnalyzeTime

	go func() {
		ctx := context.Background()

		cur, err := s.gw.Analyze(ctx, curPath, window)
		if err != nil {
			s.analysisFailed(token, "current", err)
			return
		}
		next, err := s.gw.AnalyzeHead(ctx, nextPath, window)
		if err != nil {
			s.analysisFailed(token, "next", err)
			return
		}

		// Proposals are best-effort; their absence only narrows strategy
		// choice.
		proposal, err := s.gw.SuggestTransition(ctx, curPath, nextPath)
		if err != nil {
			proposal = nil
		}
		longMix, err := s.gw.SuggestLongMix(ctx, curPath, nextPath)
		if err != nil {
			longMix = nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.fetching = false
		if !s.session.Valid(token) {
			return // superseded while we were away
		}
		s.inputs = &planInputs{
			token:    token,
			cur:      cur,
			next:     next,
			proposal: proposal,
			longMix:  longMix,
		}
		s.bus.Publish(events.EventAnalysisComplete, events.Payload{"track": curPath})
	}()
}

func (s *Service) analysisFailed(token uint64, which string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetching = false
	if !s.session.Valid(token) {
		return
	}
	s.degraded = true
	if s.limiter.allow("analysis-" + which) {
		s.logger.Warn().Err(err).Str("track", which).Msg("analysis failed, boundary degrades to hard cut")
	}
	s.bus.Publish(events.EventAnalysisFailed, events.Payload{"which": which, "error": err.Error()})
}

// firePlan runs when the scheduler reaches the trigger. The token decides
// whether the plan is still current; stale plans drop silently.
func (s *Service) firePlan(plan *TransitionPlan, token uint64) {
	if !s.session.Valid(token) {
		s.mu.Lock()
		if s.state == StateScheduled {
			s.setStateLocked(StateMonitoring)
		}
		s.activePlan = nil
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	inputs := s.inputs
	if inputs == nil {
		// The boundary changed under the plan; keep monitoring.
		s.setStateLocked(StateMonitoring)
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateTransitioning)
	s.mu.Unlock()

	// The crossfade start supersedes all earlier continuations; the fade's
	// own jobs carry the fresh token.
	plan.Token = s.session.Bump()

	err := s.pair.BeginCrossfade(plan, inputs.cur, inputs.next,
		func() { s.handleSwitch(plan) },
		func() { s.handleComplete(plan) },
	)
	if err != nil {
		s.handlePrimeFailure(plan, err)
		return
	}
	s.bus.Publish(events.EventTransitionStart, events.Payload{
		"strategy": plan.Strategy,
		"duration": plan.CrossfadeDuration,
		"mix_type": string(plan.MixType),
	})
}

// handleSwitch is the idempotent UI commit: the logical "now playing" flips
// to the next track and monitoring resumes from it.
func (s *Service) handleSwitch(plan *TransitionPlan) {
	s.mu.Lock()
	s.history.Add(RecentTransition{
		FromTrackID: s.current.ID,
		ToTrackID:   plan.NextTrack.ID,
		Strategy:    plan.Strategy,
		MixType:     string(plan.MixType),
		Duration:    plan.CrossfadeDuration,
		At:          time.Now(),
	})
	s.current = plan.NextTrack
	s.index = plan.NextIndex
	s.next = nil
	s.inputs = nil
	s.degraded = false
	s.activePlan = nil
	s.setStateLocked(StateMonitoring)
	s.mu.Unlock()

	s.bus.Publish(events.EventTransitionSwitch, events.Payload{
		"track_id": plan.NextTrack.ID,
		"index":    plan.NextIndex,
	})
	s.publishNowPlaying(plan.NextTrack, plan.NextIndex)
}

// handleComplete runs after the old engine's teardown; a short cooldown
// suppresses immediate re-planning.
func (s *Service) handleComplete(plan *TransitionPlan) {
	s.mu.Lock()
	s.setStateLocked(StateCooldown)
	s.mu.Unlock()
	s.bus.Publish(events.EventTransitionEnd, events.Payload{"track_id": plan.NextTrack.ID})

	token := s.session.Current()
	time.AfterFunc(cooldownDuration, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateCooldown && s.session.Valid(token) {
			s.setStateLocked(StateMonitoring)
		}
	})
}

// handlePrimeFailure falls back to an immediate switch and a plain play.
func (s *Service) handlePrimeFailure(plan *TransitionPlan, err error) {
	if s.limiter.allow("prime-failure") {
		s.logger.Warn().Err(err).Msg("pending engine failed, committing hard switch")
	}
	if errors.Is(err, ErrEnginePrime) {
		s.pair.CommitImmediately(func() { s.handleSwitch(plan) })
		if playErr := s.pair.Play(plan.NextTrack, plan.StartSeekSec()); playErr != nil {
			s.logger.Error().Err(playErr).Msg("fallback play failed")
		}
	}
	s.mu.Lock()
	s.setStateLocked(StateMonitoring)
	s.mu.Unlock()
}

// handleEnded covers the natural end of a track with no crossfade: a hard
// cut to the next queue entry.
func (s *Service) handleEnded() {
	s.mu.Lock()
	next := s.next
	nextIndex := s.nextIndex
	s.mu.Unlock()

	if next == nil {
		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		return
	}

	telemetry.HardCuts.Inc()
	s.mu.Lock()
	s.history.Add(RecentTransition{
		FromTrackID: s.current.ID,
		ToTrackID:   next.ID,
		HardCut:     true,
		At:          time.Now(),
	})
	s.mu.Unlock()
	s.bus.Publish(events.EventHardCut, events.Payload{"track_id": next.ID})
	if err := s.PlayTrack(*next, nextIndex); err != nil {
		s.logger.Error().Err(err).Msg("hard cut play failed")
	}
}

func (s *Service) onTrackStarted(track models.TrackRef, index int) {
	s.mu.Lock()
	s.current = track
	s.index = index
	s.next = nil
	s.inputs = nil
	s.degraded = false
	s.activePlan = nil
	if s.eligibleLocked() {
		s.setStateLocked(StateMonitoring)
	} else {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
	s.publishNowPlaying(track, index)
}

func (s *Service) cancelScheduled() {
	s.sched.ClearGroup(automixGroup)
}

func (s *Service) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("state transition")
	s.bus.Publish(events.EventAutomixState, events.Payload{
		"from": string(prev),
		"to":   string(next),
	})
}

func (s *Service) publishNowPlaying(track models.TrackRef, index int) {
	s.bus.Publish(events.EventNowPlaying, events.Payload{
		"track_id": track.ID,
		"index":    index,
	})
}
