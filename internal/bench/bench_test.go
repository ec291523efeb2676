package bench

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/trackside/speedcal/internal/audio"
	"github.com/trackside/speedcal/internal/config"
	"github.com/trackside/speedcal/internal/loadcell"
	"github.com/trackside/speedcal/internal/pulltest"
	"github.com/trackside/speedcal/internal/speed"
	"github.com/trackside/speedcal/internal/throttle"
	"github.com/trackside/speedcal/internal/timeutil"
	"github.com/trackside/speedcal/internal/trackswitch"
	"github.com/trackside/speedcal/internal/trap"
	"github.com/trackside/speedcal/internal/vibration"
)

type fakeExpander struct {
	capture uint16
	active  uint16
}

func (f *fakeExpander) ReadAndClearLatch() uint16 {
	v := f.capture
	f.capture = 0xFFFF
	return v
}

func (f *fakeExpander) ReadActiveMask() uint16 { return f.active }

// setCapture marks the given sensors as detecting (active low).
func (f *fakeExpander) setCapture(mask uint16) {
	f.capture = ^mask
}

type fakeRaw struct {
	raw int32
	ok  bool
}

func (f *fakeRaw) ReadRaw() (int32, bool) { return f.raw, f.ok }

type fakeSampler struct{ v uint16 }

func (f *fakeSampler) Sample() (uint16, bool) { return f.v, true }

type fakeStats struct{}

func (f *fakeStats) ReadStats() (audio.BlockStats, bool) {
	return audio.BlockStats{Samples: 256, SumOfSquares: 1 << 20, PeakAbs: 2048}, true
}

type fakePins struct {
	prog, dc, ok bool
}

func (f *fakePins) Read() (bool, bool, bool) { return f.prog, f.dc, f.ok }

type fakeStore struct {
	mu        sync.Mutex
	passes    []*trap.PassRecord
	pullTests []*pulltest.Results
	nextID    string
}

func (s *fakeStore) RecordPass(rec *trap.PassRecord, res *speed.Result) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes = append(s.passes, rec)
	return s.nextID, nil
}

func (s *fakeStore) RecordPullTest(res *pulltest.Results) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullTests = append(s.pullTests, res)
	return s.nextID, nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (h *fakeHub) Broadcast(eventType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

func (h *fakeHub) has(eventType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	bench    *Bench
	clock    *timeutil.MockClock
	expander *fakeExpander
	latch    *trap.Latch
	raw      *fakeRaw
	pins     *fakePins
	loco     *throttle.Loopback
	store    *fakeStore
	hub      *fakeHub
}

func newHarness(t *testing.T, switchesEnabled bool) *harness {
	t.Helper()

	clock := timeutil.NewMockClock(time.Unix(9000, 0))
	expander := &fakeExpander{capture: 0xFFFF, active: 0xFFFF}
	latch := &trap.Latch{}
	raw := &fakeRaw{raw: 8_400_000, ok: true}
	pins := &fakePins{prog: true, ok: true}
	loco := throttle.NewLoopback()
	store := &fakeStore{nextID: "test-id-1"}
	hub := &fakeHub{}

	det := trap.NewDetector(trap.DefaultConfig(), expander, latch, clock)
	load := loadcell.NewCell(loadcell.DefaultConfig(), raw, clock)
	vib := vibration.NewCapture(vibration.DefaultConfig(), &fakeSampler{v: 2048}, clock)
	aud := audio.NewCapture(audio.DefaultConfig(), &fakeStats{}, clock)
	switches := trackswitch.NewMonitor(pins, switchesEnabled, 50*time.Millisecond, clock)

	b := New(Deps{
		Config:   config.EmptyBenchConfig(),
		Detector: det,
		Load:     load,
		Vib:      vib,
		Audio:    aud,
		Switches: switches,
		Throttle: loco,
		Store:    store,
		Hub:      hub,
		Clock:    clock,
	})

	return &harness{
		bench:    b,
		clock:    clock,
		expander: expander,
		latch:    latch,
		raw:      raw,
		pins:     pins,
		loco:     loco,
		store:    store,
		hub:      hub,
	}
}

// trigger latches an interrupt with the given sensors detecting.
func (h *harness) trigger(micros uint32, mask uint16) {
	h.expander.setCapture(mask)
	h.latch.Fire(micros, ^mask)
	h.bench.Tick()
}

func TestCompletePassFlow(t *testing.T) {
	h := newHarness(t, false)

	if err := h.bench.Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	h.clock.Advance(100 * time.Millisecond)

	for i, micros := range []uint32{100000, 250000, 400000, 550000} {
		h.trigger(micros, 1<<uint(i))
		h.clock.Advance(10 * time.Millisecond)
	}

	pass, ok := h.bench.LastPass()
	if !ok {
		t.Fatal("no pass recorded")
	}
	if pass.Direction != "forward" {
		t.Errorf("direction = %q, want forward", pass.Direction)
	}
	if pass.Speed == nil {
		t.Fatal("expected computed speed")
	}
	if pass.Speed.IntervalCount != 3 {
		t.Errorf("interval count = %d, want 3", pass.Speed.IntervalCount)
	}
	if pass.ID != "test-id-1" {
		t.Errorf("pass id = %q", pass.ID)
	}
	if len(h.store.passes) != 1 {
		t.Errorf("store recorded %d passes", len(h.store.passes))
	}
	if pass.Units != "mph" {
		t.Errorf("units = %q, want mph", pass.Units)
	}
	if math.Abs(pass.AvgSpeed-pass.Speed.AvgScaleMPH) > 1e-9 {
		t.Errorf("avg speed = %f, want %f", pass.AvgSpeed, pass.Speed.AvgScaleMPH)
	}
	if !h.hub.has("pass_complete") {
		t.Errorf("hub events = %v, want pass_complete", h.hub.events)
	}
}

func TestPartialPassStoredWithoutSpeed(t *testing.T) {
	h := newHarness(t, false)

	if err := h.bench.Arm(); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(100 * time.Millisecond)
	h.trigger(100000, 1<<0)

	// Only one sensor fired; run out the detection timeout.
	h.clock.Advance(61 * time.Second)
	h.bench.Tick()

	pass, ok := h.bench.LastPass()
	if !ok {
		t.Fatal("no pass recorded after timeout")
	}
	if pass.Speed != nil {
		t.Errorf("expected nil speed for single-sensor pass, got %+v", pass.Speed)
	}
	if pass.Record.SensorsTriggered != 1 {
		t.Errorf("sensors triggered = %d, want 1", pass.Record.SensorsTriggered)
	}
}

func TestArmBlockedByLayoutRouting(t *testing.T) {
	h := newHarness(t, true)
	h.pins.prog = false // routed to the layout bus
	h.bench.Tick()

	if err := h.bench.Arm(); err == nil {
		t.Error("expected arm to be refused on layout routing")
	}

	h.pins.prog = true
	h.bench.Tick() // seeds debouncer after mode reset
	h.clock.Advance(100 * time.Millisecond)
	h.bench.Tick()
	if err := h.bench.Arm(); err != nil {
		t.Errorf("Arm on programming track: %v", err)
	}
}

func TestPullTestAbortRecordsPartial(t *testing.T) {
	h := newHarness(t, false)

	// A tick readies the load cell; loopback acquisition satisfies the
	// throttle precondition.
	h.bench.Tick()
	h.loco.Acquire(3, false)

	if err := h.bench.StartPullTest(0, 0); err != nil {
		t.Fatalf("StartPullTest: %v", err)
	}
	if !h.bench.PullProgress().Running {
		t.Fatal("pull test not running after start")
	}
	if !h.hub.has("pulltest_started") {
		t.Error("missing pulltest_started event")
	}

	// Tare completes after its delay, then the first step is commanded.
	h.clock.Advance(600 * time.Millisecond)
	h.bench.Tick()
	if got := h.loco.Speeds(); len(got) == 0 {
		t.Fatal("no speed commanded after taring")
	}

	h.bench.AbortPullTest()
	if h.bench.PullProgress().Running {
		t.Error("still running after abort")
	}
	if len(h.store.pullTests) != 1 {
		t.Fatalf("store recorded %d pull tests, want 1", len(h.store.pullTests))
	}
	if h.store.pullTests[0].Complete {
		t.Error("aborted test marked complete")
	}
	if !h.hub.has("pulltest_complete") {
		t.Error("missing pulltest_complete event")
	}
	if !h.loco.Stopped() {
		t.Error("locomotive not stopped on abort")
	}
}

func TestStartPullTestRequiresThrottle(t *testing.T) {
	h := newHarness(t, false)
	h.bench.Tick()

	if err := h.bench.StartPullTest(5, time.Second); err == nil {
		t.Error("expected start to fail without an acquired throttle")
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, false)
	h.bench.Tick()
	h.loco.Acquire(4449, true)

	s := h.bench.Status()
	if s.DetectorState != "idle" {
		t.Errorf("detector state = %q, want idle", s.DetectorState)
	}
	if !s.LoadReady {
		t.Error("load not ready after tick")
	}
	if !s.ThrottleAcquired {
		t.Error("throttle not reported acquired")
	}
	if s.Units != "mph" {
		t.Errorf("units = %q, want mph", s.Units)
	}
	if s.PullTest.Running {
		t.Error("pull test reported running")
	}
}

func TestProgressBroadcastThrottled(t *testing.T) {
	h := newHarness(t, false)
	h.bench.Tick()
	h.loco.Acquire(3, false)

	if err := h.bench.StartPullTest(5, time.Second); err != nil {
		t.Fatal(err)
	}

	// Many ticks inside one progress window produce at most the initial
	// broadcasts, not one per tick.
	for i := 0; i < 20; i++ {
		h.clock.Advance(time.Millisecond)
		h.bench.Tick()
	}

	h.hub.mu.Lock()
	var progressCount int
	for _, e := range h.hub.events {
		if e == "pulltest_progress" {
			progressCount++
		}
	}
	h.hub.mu.Unlock()
	if progressCount > 1 {
		t.Errorf("got %d progress events in one window, want at most 1", progressCount)
	}

	h.clock.Advance(600 * time.Millisecond)
	h.bench.Tick()
	if !h.hub.has("pulltest_progress") {
		t.Error("no progress event after window elapsed")
	}
}

func TestWsCommands(t *testing.T) {
	h := newHarness(t, false)

	h.bench.HandleCommand("arm")
	if got := h.bench.Status().DetectorState; got != "armed" {
		t.Errorf("detector state = %q after ws arm, want armed", got)
	}

	h.bench.HandleCommand("disarm")
	if got := h.bench.Status().DetectorState; got != "idle" {
		t.Errorf("detector state = %q after ws disarm, want idle", got)
	}

	h.bench.HandleCommand("status")
	if !h.hub.has("status") {
		t.Error("missing status event")
	}

	h.bench.HandleCommand("warp-drive") // unknown actions are ignored
}

func TestPassReportedInConfiguredUnits(t *testing.T) {
	h := newHarness(t, false)
	kph := "kph"
	h.bench.cfg = &config.BenchConfig{Units: &kph}

	if err := h.bench.Arm(); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	h.clock.Advance(100 * time.Millisecond)
	for i, micros := range []uint32{100000, 250000, 400000, 550000} {
		h.trigger(micros, 1<<uint(i))
		h.clock.Advance(10 * time.Millisecond)
	}

	pass, ok := h.bench.LastPass()
	if !ok {
		t.Fatal("no pass recorded")
	}
	if pass.Units != "kph" {
		t.Errorf("units = %q, want kph", pass.Units)
	}
	want := pass.Speed.AvgScaleMPH * 1.609344
	if math.Abs(pass.AvgSpeed-want) > 1e-9 {
		t.Errorf("avg speed = %f, want %f", pass.AvgSpeed, want)
	}
}
