package automix

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/analyzer"
	"github.com/friendsincode/skald_automix/internal/events"
	"github.com/friendsincode/skald_automix/internal/models"
	"github.com/friendsincode/skald_automix/internal/playout"
	"github.com/friendsincode/skald_automix/internal/playout/playouttest"
	"github.com/friendsincode/skald_automix/internal/scheduler"
)

// stubAnalyser serves canned analyses without worker processes.
type stubAnalyser struct {
	cur      *analysis.AudioAnalysis
	next     *analysis.AudioAnalysis
	proposal *analysis.TransitionProposal
	longMix  *analysis.AdvancedTransition
	fullErr  error
	headErr  error
}

func (a *stubAnalyser) Analyze(_ context.Context, _ string, _ float64) (*analysis.AudioAnalysis, error) {
	if a.fullErr != nil {
		return nil, a.fullErr
	}
	return a.cur, nil
}

func (a *stubAnalyser) AnalyzeHead(_ context.Context, _ string, _ float64) (*analysis.AudioAnalysis, error) {
	if a.headErr != nil {
		return nil, a.headErr
	}
	return a.next, nil
}

func (a *stubAnalyser) SuggestTransition(_ context.Context, _, _ string) (*analysis.TransitionProposal, error) {
	if a.proposal == nil {
		return nil, analyzer.ErrAnalyzerUnavailable
	}
	return a.proposal, nil
}

func (a *stubAnalyser) SuggestLongMix(_ context.Context, _, _ string) (*analysis.AdvancedTransition, error) {
	if a.longMix == nil {
		return nil, analyzer.ErrAnalyzerUnavailable
	}
	return a.longMix, nil
}

type serviceFixture struct {
	svc     *Service
	pair    *Pair
	clock   *testClock
	sched   *scheduler.Scheduler
	session *Session
	bus     *events.Bus
	stub    *stubAnalyser
}

func newServiceFixture(t *testing.T, stub *stubAnalyser, engines ...*playouttest.FakeEngine) *serviceFixture {
	t.Helper()
	clock := &testClock{}
	sched := scheduler.New(clock, zerolog.Nop())
	session := &Session{}
	script := &engineScript{engines: engines}
	pair := NewPair(PairConfig{
		Factory:        script.factory,
		Curve:          playout.CurveEqualPower,
		ReplayGainMode: models.ReplayGainTrack,
		UserRate:       1.0,
	}, sched, clock, session, zerolog.Nop())
	bus := events.NewBus()
	svc := NewService(ServiceConfig{
		Enabled:        true,
		MonitorWindow:  60 * time.Second,
		MaxAnalyzeTime: 60,
		NativeAnalysis: true,
	}, stub, pair, sched, clock, session, bus, zerolog.Nop())
	return &serviceFixture{svc: svc, pair: pair, clock: clock, sched: sched, session: session, bus: bus, stub: stub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func currentTrack() models.TrackRef {
	return models.TrackRef{ID: "cur", Path: "/music/cur.flac", DurationMS: 180_000}
}

func nextTrack() models.TrackRef {
	return models.TrackRef{ID: "next", Path: "/music/next.flac", DurationMS: 200_000}
}

func fallbackStub() *stubAnalyser {
	return &stubAnalyser{
		cur: &analysis.AudioAnalysis{
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
		next: &analysis.AudioAnalysis{
			Version:   analysis.Version,
			Head:      true,
			Duration:  200,
			BPM:       f(128),
			FadeInPos: 5,
			Loudness:  f(-9),
		},
	}
}

func TestService_FullScheduledTransition(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newServiceFixture(t, fallbackStub(), old, incoming)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := fx.svc.State(); got != StateIdle {
		t.Fatalf("no next track yet, state = %v", got)
	}

	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(10)
	if got := fx.svc.State(); got != StateMonitoring {
		t.Fatalf("state = %v, want MONITORING", got)
	}

	// Outside the monitor window nothing happens.
	fx.svc.HandleTick(100)
	if got := fx.svc.State(); got != StateMonitoring {
		t.Fatalf("state = %v, want MONITORING before the window", got)
	}

	// Inside the window the analyses are gathered and a plan is scheduled.
	fx.svc.HandleTick(125)
	waitFor(t, "analysis inputs", func() bool {
		fx.svc.mu.Lock()
		defer fx.svc.mu.Unlock()
		return fx.svc.inputs != nil
	})
	fx.svc.HandleTick(125)
	if got := fx.svc.State(); got != StateScheduled {
		t.Fatalf("state = %v, want SCHEDULED", got)
	}

	// The trigger (bar-snapped 168.75) is 43.75 s ahead of position 125.
	fx.clock.advance(43.8)
	fx.sched.Tick()
	waitFor(t, "transitioning", func() bool { return fx.svc.State() == StateTransitioning })

	// Ramps arm shortly after the fire.
	fx.clock.advance(0.05)
	fx.sched.Tick()
	if ramps := incoming.CallsOf("rampVolume"); len(ramps) != 1 {
		t.Fatalf("pending ramp not armed: %+v", ramps)
	}

	// UI switch flips now playing and resumes monitoring.
	fx.clock.advance(4)
	fx.sched.Tick()
	waitFor(t, "switch", func() bool { return fx.svc.State() == StateMonitoring })
	fx.svc.mu.Lock()
	cur := fx.svc.current.ID
	fx.svc.mu.Unlock()
	if cur != "next" {
		t.Fatalf("current track = %q, want next", cur)
	}

	// Teardown a second after fade end drops us into cooldown, then back.
	fx.clock.advance(5.1)
	fx.sched.Tick()
	waitFor(t, "cooldown", func() bool { return fx.svc.State() == StateCooldown })
	if !old.Closed() {
		t.Fatalf("old engine should be gone")
	}
	waitFor(t, "cooldown expiry", func() bool { return fx.svc.State() == StateMonitoring })
}

func TestService_AnalyserFailureDegradesToIdleAndHardCut(t *testing.T) {
	stub := fallbackStub()
	stub.headErr = analyzer.ErrAnalyzerUnavailable

	old := playouttest.NewFakeEngine("old")
	fresh := playouttest.NewFakeEngine("fresh")
	fx := newServiceFixture(t, stub, old, fresh)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)

	fx.svc.HandleTick(125)
	waitFor(t, "degraded", func() bool {
		fx.svc.mu.Lock()
		defer fx.svc.mu.Unlock()
		return fx.svc.degraded
	})
	fx.svc.HandleTick(126)
	if got := fx.svc.State(); got != StateIdle {
		t.Fatalf("state = %v, want IDLE after analyser failure", got)
	}

	// End of track: hard cut to the next entry.
	before := fx.session.Current()
	old.Emit(playout.Event{Type: playout.EventEnded, Position: 180})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fx.svc.Run(ctx) }()

	waitFor(t, "hard cut", func() bool {
		return len(fresh.CallsOf("play")) == 1
	})
	if fx.session.Current() <= before {
		t.Fatalf("hard cut must bump the session token")
	}
}

func TestService_SeekCancelsScheduledPlan(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newServiceFixture(t, fallbackStub(), old, incoming)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(125)
	waitFor(t, "inputs", func() bool {
		fx.svc.mu.Lock()
		defer fx.svc.mu.Unlock()
		return fx.svc.inputs != nil
	})
	fx.svc.HandleTick(125)
	if fx.svc.State() != StateScheduled {
		t.Fatalf("expected SCHEDULED")
	}

	fx.svc.OnUserSeek()
	if fx.svc.State() != StateMonitoring {
		t.Fatalf("seek should return to MONITORING, got %v", fx.svc.State())
	}

	// The fire job is gone: advancing past the old trigger starts nothing.
	fx.clock.advance(60)
	fx.sched.Tick()
	if fx.svc.State() == StateTransitioning {
		t.Fatalf("cancelled plan must not fire")
	}
	if len(incoming.CallsOf("play")) != 0 {
		t.Fatalf("pending engine must not start after a seek")
	}
}

func TestService_SkipMidFadeBumpsTokenTwice(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fresh := playouttest.NewFakeEngine("fresh")
	fx := newServiceFixture(t, fallbackStub(), old, incoming, fresh)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(125)
	waitFor(t, "inputs", func() bool {
		fx.svc.mu.Lock()
		defer fx.svc.mu.Unlock()
		return fx.svc.inputs != nil
	})
	fx.svc.HandleTick(125)
	fx.clock.advance(43.8)
	fx.sched.Tick()
	waitFor(t, "transitioning", func() bool { return fx.svc.State() == StateTransitioning })

	before := fx.session.Current()
	skipTo := models.TrackRef{ID: "skip", Path: "/music/skip.flac", DurationMS: 100_000}
	if err := fx.svc.OnUserSkip(skipTo, 2); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := fx.session.Current(); got != before+2 {
		t.Fatalf("token bumped %d times, want 2", got-before)
	}

	// The abort ramp finishes and both fade engines are destroyed.
	fx.clock.advance(0.3)
	fx.sched.Tick()
	if !old.Closed() || !incoming.Closed() {
		t.Fatalf("both fade engines should be destroyed after a skip")
	}
	if fresh.Closed() {
		t.Fatalf("the user's selection must keep playing")
	}
	if len(fresh.CallsOf("play")) != 1 {
		t.Fatalf("fresh playback not started")
	}
}

func TestService_DisabledNeverLeavesIdle(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	fx := newServiceFixture(t, fallbackStub(), old)
	fx.svc.SetEnabled(false)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(125)
	if got := fx.svc.State(); got != StateIdle {
		t.Fatalf("disabled automix must stay IDLE, got %v", got)
	}
}

func TestService_PersonalRadioSuppressesMonitoring(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	fx := newServiceFixture(t, fallbackStub(), old)
	fx.svc.SetPersonalRadio(true)

	if err := fx.svc.PlayTrack(currentTrack(), 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(10)
	if got := fx.svc.State(); got != StateIdle {
		t.Fatalf("personal radio must stay IDLE, got %v", got)
	}
}

func TestService_RemoteTrackNotEligible(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	fx := newServiceFixture(t, fallbackStub(), old)

	remote := models.TrackRef{ID: "stream", Path: "", DurationMS: 180_000}
	if err := fx.svc.PlayTrack(remote, 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	next := nextTrack()
	fx.svc.SetNextTrack(&next, 1)
	fx.svc.HandleTick(10)
	if got := fx.svc.State(); got != StateIdle {
		t.Fatalf("remote tracks cannot automix, got %v", got)
	}
}
