package automix

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/skald_automix/internal/analysis"
	"github.com/friendsincode/skald_automix/internal/models"
	"github.com/friendsincode/skald_automix/internal/playout"
	"github.com/friendsincode/skald_automix/internal/playout/playouttest"
	"github.com/friendsincode/skald_automix/internal/scheduler"
)

// testClock is a hand-advanced audio clock shared by pair and scheduler.
type testClock struct {
	mu  sync.Mutex
	pos float64
}

func (c *testClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *testClock) advance(sec float64) {
	c.mu.Lock()
	c.pos += sec
	c.mu.Unlock()
}

// engineScript hands out fake engines in order.
type engineScript struct {
	mu      sync.Mutex
	engines []*playouttest.FakeEngine
	next    int
}

func (f *engineScript) factory() playout.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.engines) {
		eng := playouttest.NewFakeEngine("extra")
		f.engines = append(f.engines, eng)
	}
	e := f.engines[f.next]
	f.next++
	return e
}

type pairFixture struct {
	pair    *Pair
	clock   *testClock
	sched   *scheduler.Scheduler
	session *Session
	script  *engineScript
}

func newPairFixture(t *testing.T, engines ...*playouttest.FakeEngine) *pairFixture {
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
	return &pairFixture{pair: pair, clock: clock, sched: sched, session: session, script: script}
}

func basicPlan(token uint64) *TransitionPlan {
	return &TransitionPlan{
		Token:             token,
		NextTrack:         models.TrackRef{ID: "next", Path: "/music/next.flac", DurationMS: 200_000},
		TriggerTime:       168,
		CrossfadeDuration: 8,
		StartSeek:         5000,
		InitialRate:       1.0,
		UISwitchDelay:     4,
		MixType:           analysis.MixDefault,
		Strategy:          StrategyFallback,
	}
}

func analyses() (*analysis.AudioAnalysis, *analysis.AudioAnalysis) {
	return &analysis.AudioAnalysis{Version: analysis.Version, Duration: 180, Loudness: f(-9)},
		&analysis.AudioAnalysis{Version: analysis.Version, Duration: 200, Loudness: f(-9)}
}

func TestPair_CrossfadeProtocol(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newPairFixture(t, old, incoming)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac", DurationMS: 180_000}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	token := fx.session.Bump()
	plan := basicPlan(token)
	cur, next := analyses()

	var switched, completed int
	if err := fx.pair.BeginCrossfade(plan, cur, next, func() { switched++ }, func() { completed++ }); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	// Step 1+4: pending muted, playing from the plan's seek.
	plays := incoming.CallsOf("play")
	if len(plays) != 1 || plays[0].Value != 5.0 || !plays[0].AutoPlay {
		t.Fatalf("pending play calls: %+v", plays)
	}
	if vols := incoming.CallsOf("setVolume"); len(vols) == 0 || vols[0].Value != 0 {
		t.Fatalf("pending must start muted: %+v", vols)
	}

	// Step 5: ramps pre-armed 20 ms after the fade start.
	fx.clock.advance(0.05)
	fx.sched.Tick()

	up := incoming.CallsOf("rampVolume")
	if len(up) != 1 || up[0].Value != 1.0 || up[0].Value2 != 8 || up[0].Curve != playout.CurveEqualPower {
		t.Fatalf("pending ramp: %+v", up)
	}
	down := old.CallsOf("rampVolume")
	if len(down) != 1 || down[0].Value != 0 || down[0].Value2 != 8 {
		t.Fatalf("primary ramp: %+v", down)
	}

	// Step 8: UI commit at uiSwitchDelay, exactly once.
	fx.clock.advance(4)
	fx.sched.Tick()
	if switched != 1 {
		t.Fatalf("onSwitch ran %d times, want 1", switched)
	}
	fx.sched.Tick()
	if switched != 1 {
		t.Fatalf("onSwitch must be idempotent")
	}
	if fx.pair.Position() != incoming.Position() {
		t.Fatalf("pending should be logical current after switch")
	}

	// Step 10: old engine destroyed one second after fade end.
	fx.clock.advance(4.9) // 8.95 total: before teardown
	fx.sched.Tick()
	if old.Closed() {
		t.Fatalf("old engine closed before the safety margin")
	}
	fx.clock.advance(0.2)
	fx.sched.Tick()
	if !old.Closed() {
		t.Fatalf("old engine should be torn down after trigger+duration+1s")
	}
	if completed != 1 {
		t.Fatalf("onComplete ran %d times, want 1", completed)
	}
}

func TestPair_BassSwapPrimesAndSweepsFilters(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newPairFixture(t, old, incoming)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	plan := basicPlan(fx.session.Bump())
	plan.MixType = analysis.MixBassSwap
	cur, next := analyses()
	if err := fx.pair.BeginCrossfade(plan, cur, next, func() {}, func() {}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	// Step 2: Q primed on both, pending high-passed at 400 Hz immediately.
	if q := old.CallsOf("setHighPassQ"); len(q) != 1 || q[0].Value != 1.0 {
		t.Fatalf("primary Q: %+v", q)
	}
	if q := incoming.CallsOf("setHighPassQ"); len(q) != 1 || q[0].Value != 1.0 {
		t.Fatalf("pending Q: %+v", q)
	}
	if hp := incoming.CallsOf("setHighPass"); len(hp) != 1 || hp[0].Value != 400 {
		t.Fatalf("pending high pass: %+v", hp)
	}

	// Step 6: sweeps armed with the ramps.
	fx.clock.advance(0.05)
	fx.sched.Tick()
	if sweeps := old.CallsOf("rampHighPassAt"); len(sweeps) != 1 || sweeps[0].Value != 400 || sweeps[0].Value2 != 8 {
		t.Fatalf("primary sweep: %+v", sweeps)
	}
	if sweeps := incoming.CallsOf("rampHighPassAt"); len(sweeps) != 1 || sweeps[0].Value != 10 {
		t.Fatalf("pending sweep: %+v", sweeps)
	}
}

func TestPair_RateMatchAndRestoration(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newPairFixture(t, old, incoming)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	plan := basicPlan(fx.session.Bump())
	plan.InitialRate = 128.0 / 130.0
	cur, next := analyses()
	if err := fx.pair.BeginCrossfade(plan, cur, next, func() {}, func() {}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	if rates := incoming.CallsOf("setRate"); len(rates) != 1 || rates[0].Value != plan.InitialRate {
		t.Fatalf("initial rate: %+v", rates)
	}

	// Restoration: a 2 s linear ramp back to the user rate at fade end.
	fx.clock.advance(8.01)
	fx.sched.Tick()
	ramps := incoming.CallsOf("rampRate")
	if len(ramps) != 1 || ramps[0].Value != 1.0 || ramps[0].Value2 != 2.0 {
		t.Fatalf("rate restoration: %+v", ramps)
	}
}

func TestPair_PrimeFailure(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	broken := playouttest.NewFakeEngine("broken")
	broken.PlayErr = errors.New("device lost")
	fx := newPairFixture(t, old, broken)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	plan := basicPlan(fx.session.Bump())
	cur, next := analyses()
	err := fx.pair.BeginCrossfade(plan, cur, next, func() {}, func() {})
	if !errors.Is(err, ErrEnginePrime) {
		t.Fatalf("expected ErrEnginePrime, got %v", err)
	}
	if !broken.Closed() {
		t.Fatalf("failed pending engine must be destroyed")
	}
	if fx.pair.Transitioning() {
		t.Fatalf("pair must not be left mid-transition")
	}
}

func TestPair_AbortMidFade(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fresh := playouttest.NewFakeEngine("fresh")
	fx := newPairFixture(t, old, incoming, fresh)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	plan := basicPlan(fx.session.Bump())
	cur, next := analyses()
	if err := fx.pair.BeginCrossfade(plan, cur, next, func() {}, func() {}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	// 3 s into the 8 s fade the user presses next.
	fx.clock.advance(3)
	fx.sched.Tick()
	fx.session.Bump()
	fx.pair.Abort()

	// Both gains ramp to zero over 200 ms.
	for _, e := range []*playouttest.FakeEngine{old, incoming} {
		ramps := e.CallsOf("rampVolume")
		last := ramps[len(ramps)-1]
		if last.Value != 0 || last.Value2 != abortRampSec {
			t.Fatalf("%s abort ramp: %+v", e.Name, last)
		}
	}

	// A fresh play may start immediately.
	if err := fx.pair.Play(models.TrackRef{ID: "new", Path: "/music/new.flac"}, 0); err != nil {
		t.Fatalf("fresh play: %v", err)
	}

	// After the ramp both doomed engines are destroyed; the teardown job
	// from the aborted fade must never fire.
	fx.clock.advance(0.3)
	fx.sched.Tick()
	if !old.Closed() || !incoming.Closed() {
		t.Fatalf("aborted engines should be destroyed")
	}

	fx.clock.advance(20)
	fx.sched.Tick()
	if fresh.Closed() {
		t.Fatalf("fresh engine must survive the aborted fade's teardown schedule")
	}
}

func TestPair_StaleTokenSkipsRamps(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	incoming := playouttest.NewFakeEngine("incoming")
	fx := newPairFixture(t, old, incoming)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	plan := basicPlan(fx.session.Bump())
	cur, next := analyses()
	if err := fx.pair.BeginCrossfade(plan, cur, next, func() {}, func() {}); err != nil {
		t.Fatalf("begin crossfade: %v", err)
	}

	// The session moves on before the pre-arm job fires.
	fx.session.Bump()
	fx.clock.advance(0.05)
	fx.sched.Tick()

	if ramps := incoming.CallsOf("rampVolume"); len(ramps) != 0 {
		t.Fatalf("stale token must suppress ramps: %+v", ramps)
	}
}

func TestPair_CommitImmediately(t *testing.T) {
	old := playouttest.NewFakeEngine("old")
	fx := newPairFixture(t, old)

	if err := fx.pair.Play(models.TrackRef{ID: "cur", Path: "/music/cur.flac"}, 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	ran := false
	fx.pair.CommitImmediately(func() { ran = true })
	if !ran {
		t.Fatalf("onSwitch must run")
	}
	if !old.Closed() {
		t.Fatalf("old engine must be marked for teardown")
	}
}
