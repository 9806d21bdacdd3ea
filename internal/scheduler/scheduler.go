/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler fires single-shot actions against the audio output
// clock. It exists because crossfade automation must land at sample
// positions, not wall-clock instants: the caller pre-arms graph parameters
// inside a look-ahead horizon and hard-deadline events fire on the tick that
// observes their time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/telemetry"
)

// Clock reports the audio output clock position in seconds. Implementations
// must be monotonic while playback runs.
type Clock interface {
	Now() float64
}

// ErrJobNotFound indicates a cancel for an unknown or already-fired job.
var ErrJobNotFound = errors.New("scheduler job not found")

// DefaultHorizon is the pre-arm look-ahead for Schedule jobs, seconds.
const DefaultHorizon = 1.5

// DefaultTick is the background wake-up cadence.
const DefaultTick = 75 * time.Millisecond

type jobKind int

const (
	kindSchedule jobKind = iota // fire when at <= now+horizon
	kindRun                     // fire when at <= now
)

type job struct {
	id        string
	group     string
	at        float64
	kind      jobKind
	action    func()
	cleanup   func()
	cancelled bool
}

// Scheduler is a single-producer, many-consumers tick source. Jobs fire at
// most once, in insertion order among jobs due on the same tick.
type Scheduler struct {
	clock   Clock
	horizon float64
	tick    time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	jobs []*job
	byID map[string]*job
}

// Option tweaks scheduler construction.
type Option func(*Scheduler)

// WithHorizon overrides the pre-arm horizon, seconds.
func WithHorizon(sec float64) Option {
	return func(s *Scheduler) { s.horizon = sec }
}

// WithTick overrides the wake-up cadence.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New creates a scheduler over the given audio clock.
func New(clock Clock, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock,
		horizon: DefaultHorizon,
		tick:    DefaultTick,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		byID:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the scheduler from a dedicated goroutine ticker until context
// cancellation. The ticker is deliberately not tied to any UI loop so it is
// never throttled by window visibility.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug().Dur("tick", s.tick).Float64("horizon", s.horizon).Msg("scheduler started")
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Schedule queues action to fire once the clock enters the pre-arm horizon
// of at (audio-clock seconds). Returns an opaque job id.
func (s *Scheduler) Schedule(at float64, group string, action func()) string {
	return s.add(at, group, kindSchedule, action, nil)
}

// RunAt queues action to fire once at <= now. Used for hard-deadline events.
func (s *Scheduler) RunAt(at float64, group string, action func()) string {
	return s.add(at, group, kindRun, action, nil)
}

// RunAtWithCleanup is RunAt with a cleanup invoked if the job is cancelled
// or its group cleared before it fires.
func (s *Scheduler) RunAtWithCleanup(at float64, group string, action, cleanup func()) string {
	return s.add(at, group, kindRun, action, cleanup)
}

func (s *Scheduler) add(at float64, group string, kind jobKind, action, cleanup func()) string {
	j := &job{
		id:      uuid.NewString(),
		group:   group,
		at:      at,
		kind:    kind,
		action:  action,
		cleanup: cleanup,
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.byID[j.id] = j
	telemetry.SchedulerJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	return j.id
}

// Cancel removes a single job. Cancelling a job that is currently executing
// does not affect the in-flight call but prevents any future fire; for these
// single-shot jobs that is trivially satisfied.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	j, ok := s.byID[id]
	if ok {
		j.cancelled = true
		s.removeLocked(j)
	}
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if j.cleanup != nil {
		j.cleanup()
	}
	return nil
}

// ClearGroup cancels every job in the group and runs their cleanups.
// Idempotent: clearing an empty or unknown group is a no-op. Jobs that were
// already due on the tick performing the clear do not fire.
func (s *Scheduler) ClearGroup(group string) {
	var cleared []*job
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.group == group {
			j.cancelled = true
			cleared = append(cleared, j)
		}
	}
	for _, j := range cleared {
		s.removeLocked(j)
	}
	s.mu.Unlock()

	for _, j := range cleared {
		if j.cleanup != nil {
			j.cleanup()
		}
	}
}

// Pending returns the number of queued jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Tick drains due jobs in insertion order. Called from the Run loop and
// directly by tests.
//
// Jobs are taken one at a time so a ClearGroup racing the tick still wins
// for every job not yet fired: the clear marks and removes them under the
// same mutex this loop takes between fires.
func (s *Scheduler) Tick() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		var next *job
		for _, j := range s.jobs {
			if !j.cancelled && j.due(now, s.horizon) {
				next = j
				break
			}
		}
		if next == nil {
			s.mu.Unlock()
			return
		}
		s.removeLocked(next)
		s.mu.Unlock()

		s.fire(next)
	}
}

func (j *job) due(now, horizon float64) bool {
	if j.kind == kindSchedule {
		return j.at <= now+horizon
	}
	return j.at <= now
}

func (s *Scheduler) fire(j *job) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.SchedulerActionPanics.Inc()
			s.logger.Error().Interface("panic", r).Str("group", j.group).Float64("at", j.at).Msg("scheduler action panicked, job discarded")
		}
	}()
	j.action()
}

func (s *Scheduler) removeLocked(target *job) {
	for i, j := range s.jobs {
		if j == target {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	delete(s.byID, target.id)
	telemetry.SchedulerJobs.Set(float64(len(s.jobs)))
}
