// Package bench owns the control loop. Every subsystem on the bench is a
// non-blocking state machine; this package calls each one's Process/Update
// on a fixed cadence, reacts to completions, and fans results out to
// storage, websocket clients, and MQTT.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/trackside/speedcal/internal/audio"
	"github.com/trackside/speedcal/internal/config"
	"github.com/trackside/speedcal/internal/loadcell"
	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/pulltest"
	"github.com/trackside/speedcal/internal/speed"
	"github.com/trackside/speedcal/internal/timeutil"
	"github.com/trackside/speedcal/internal/trackswitch"
	"github.com/trackside/speedcal/internal/trap"
	"github.com/trackside/speedcal/internal/vibration"
)

// DefaultTickInterval is the control loop cadence. Interrupt timestamps come
// from the head, so a slow tick costs latency, never accuracy.
const DefaultTickInterval = 10 * time.Millisecond

// progressInterval throttles pull-test progress broadcasts.
const progressInterval = 500 * time.Millisecond

// Throttle is what the bench needs from the locomotive throttle: the
// sequencer contract plus acquisition control.
type Throttle interface {
	pulltest.Throttle
	Acquire(address int, long bool) error
	Release() error
}

// Store persists finished measurements. Satisfied by *db.DB.
type Store interface {
	RecordPass(*trap.PassRecord, *speed.Result) (string, error)
	RecordPullTest(*pulltest.Results) (string, error)
}

// Broadcaster pushes events to connected UI clients. Satisfied by *ws.Hub.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// EventSink ships results off-box. Satisfied by *throttle.Events.
type EventSink interface {
	PublishResult(payload []byte)
	PublishStatus(payload []byte)
}

// Deps collects the bench's collaborators. Store, Hub, and Events may be
// nil; the loop runs fine without persistence or consumers.
type Deps struct {
	Config   *config.BenchConfig
	Detector *trap.Detector
	Load     *loadcell.Cell
	Vib      *vibration.Capture
	Audio    *audio.Capture
	Switches *trackswitch.Monitor
	Throttle Throttle
	Store    Store
	Hub      Broadcaster
	Events   EventSink
	Clock    timeutil.Clock
}

// PassResult is a finalised trap measurement with its computed speeds.
// AvgSpeed is expressed in the configured display units.
type PassResult struct {
	ID        string          `json:"pass_id,omitempty"`
	Record    trap.PassRecord `json:"record"`
	Direction string          `json:"direction"`
	Speed     *speed.Result   `json:"speed,omitempty"`
	AvgSpeed  float64         `json:"avg_speed,omitempty"`
	Units     string          `json:"units,omitempty"`
	When      time.Time       `json:"when"`
}

// Snapshot is the live bench status served by /api/status and streamed on
// state changes.
type Snapshot struct {
	DetectorState    string            `json:"detector_state"`
	SensorsTriggered int               `json:"sensors_triggered"`
	SensorCount      int               `json:"sensor_count"`
	LoadReady        bool              `json:"load_ready"`
	LoadGrams        float64           `json:"load_grams"`
	TrackMode        string            `json:"track_mode"`
	SwitchesEnabled  bool              `json:"switches_enabled"`
	ThrottleAcquired bool              `json:"throttle_acquired"`
	Units            string            `json:"units"`
	PullTest         pulltest.Progress `json:"pull_test"`
}

// Bench runs the control loop and answers API queries. All exported methods
// are safe for concurrent use; the loop and the HTTP handlers share one
// mutex.
type Bench struct {
	mu sync.Mutex

	cfg      *config.BenchConfig
	clock    timeutil.Clock
	det      *trap.Detector
	load     *loadcell.Cell
	vib      *vibration.Capture
	aud      *audio.Capture
	switches *trackswitch.Monitor
	thr      Throttle
	seq      *pulltest.Sequencer
	store    Store
	hub      Broadcaster
	events   EventSink

	lastPass     *PassResult
	lastProgress time.Time
}

// New wires the bench. The pull-test sequencer is built here so it shares
// the bench's clock and collaborators.
func New(d Deps) *Bench {
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Config == nil {
		d.Config = config.EmptyBenchConfig()
	}
	b := &Bench{
		cfg:      d.Config,
		clock:    d.Clock,
		det:      d.Detector,
		load:     d.Load,
		vib:      d.Vib,
		aud:      d.Audio,
		switches: d.Switches,
		thr:      d.Throttle,
		store:    d.Store,
		hub:      d.Hub,
		events:   d.Events,
	}
	b.seq = pulltest.NewSequencer(d.Load, d.Vib, d.Audio, d.Throttle, d.Switches, d.Clock)
	return b
}

// Run drives the control loop until the context is cancelled.
func (b *Bench) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.seq.Running() {
				b.AbortPullTest()
			}
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick runs one control-loop pass.
func (b *Bench) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.switches.Process()
	b.load.Process()
	b.vib.Process()
	b.aud.Process()

	if b.det.Update() {
		b.finishPass()
	}

	wasRunning := b.seq.Running()
	b.seq.Process()
	if wasRunning && !b.seq.Running() {
		b.finishPullTest()
	}

	if b.switches.Changed() {
		b.broadcast("track_mode", map[string]string{"mode": b.switches.Mode().String()})
	}

	if b.seq.Running() && b.clock.Now().Sub(b.lastProgress) >= progressInterval {
		b.lastProgress = b.clock.Now()
		b.broadcast("pulltest_progress", b.seq.Progress())
	}
}

func (b *Bench) finishPass() {
	rec := b.det.Result()
	res, ok := speed.Compute(&rec, b.cfg.GetSensorSpacingMM(), b.cfg.GetScaleFactor())
	if !ok {
		res = nil
	}

	pass := &PassResult{
		Record:    rec,
		Direction: rec.Direction.String(),
		Speed:     res,
		When:      b.clock.Now(),
	}
	if res != nil {
		pass.AvgSpeed = res.AvgIn(b.cfg.GetScaleFactor(), b.cfg.ReportUnits())
		pass.Units = b.cfg.GetUnits()
	}

	if b.store != nil {
		id, err := b.store.RecordPass(&rec, res)
		if err != nil {
			monitoring.Logf("bench: record pass failed: %v", err)
		} else {
			pass.ID = id
		}
	}

	b.lastPass = pass
	b.broadcast("pass_complete", pass)
	b.publishResult(pass)
	monitoring.Logf("bench: pass complete, %d/%d sensors, direction %s",
		rec.SensorsTriggered, rec.SensorCount, pass.Direction)
}

func (b *Bench) finishPullTest() {
	res := b.seq.Results()

	var id string
	if b.store != nil {
		var err error
		id, err = b.store.RecordPullTest(&res)
		if err != nil {
			monitoring.Logf("bench: record pull test failed: %v", err)
		}
	}

	payload := struct {
		ID string `json:"test_id,omitempty"`
		pulltest.Results
	}{ID: id, Results: res}

	b.broadcast("pulltest_complete", payload)
	b.publishResult(payload)
	monitoring.Logf("bench: pull test finished, complete=%v peak=%.1fg at step %d",
		res.Complete, res.PeakGrams, res.PeakStep)
}

func (b *Bench) broadcast(eventType string, data interface{}) {
	if b.hub != nil {
		b.hub.Broadcast(eventType, data)
	}
}

func (b *Bench) publishResult(v interface{}) {
	if b.events == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("bench: marshal result failed: %v", err)
		return
	}
	b.events.PublishResult(payload)
}

// Arm readies the detector for the next pass.
func (b *Bench) Arm() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.switches.AllowOperation() {
		return fmt.Errorf("track is routed to the layout; move the switch to the programming track")
	}
	b.det.Arm()
	b.broadcast("armed", nil)
	return nil
}

// Disarm cancels the current measurement.
func (b *Bench) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.det.Disarm()
	b.broadcast("disarmed", nil)
}

// Status returns the live snapshot.
func (b *Bench) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Bench) statusLocked() Snapshot {
	rec := b.det.Result()
	return Snapshot{
		DetectorState:    b.det.State().String(),
		SensorsTriggered: rec.SensorsTriggered,
		SensorCount:      rec.SensorCount,
		LoadReady:        b.load.IsReady(),
		LoadGrams:        b.load.Grams(),
		TrackMode:        b.switches.Mode().String(),
		SwitchesEnabled:  b.switches.Enabled(),
		ThrottleAcquired: b.thr.Acquired(),
		Units:            b.cfg.GetUnits(),
		PullTest:         b.seq.Progress(),
	}
}

// LastPass returns the most recent finalised pass, or ok=false when none
// has completed since startup.
func (b *Bench) LastPass() (*PassResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastPass == nil {
		return nil, false
	}
	out := *b.lastPass
	return &out, true
}

// AcquireThrottle requests a locomotive from the throttle relay.
func (b *Bench) AcquireThrottle(address int, long bool) error {
	return b.thr.Acquire(address, long)
}

// ReleaseThrottle gives the locomotive back.
func (b *Bench) ReleaseThrottle() error {
	return b.thr.Release()
}

// StartPullTest begins an automated pull test. Zero values select the
// configured defaults.
func (b *Bench) StartPullTest(stepInc int, settle time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stepInc <= 0 {
		stepInc = b.cfg.GetSpeedStepIncrement()
	}
	if settle <= 0 {
		settle = b.cfg.GetStepSettle()
	}
	if err := b.seq.Start(stepInc, settle); err != nil {
		return err
	}
	b.lastProgress = b.clock.Now()
	b.broadcast("pulltest_started", b.seq.Progress())
	return nil
}

// AbortPullTest stops a running test, keeping the partial table.
func (b *Bench) AbortPullTest() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seq.Running() {
		return
	}
	b.seq.Abort()
	b.finishPullTest()
}

// PullProgress returns the live pull-test snapshot.
func (b *Bench) PullProgress() pulltest.Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq.Progress()
}

// PullResults returns the table recorded so far.
func (b *Bench) PullResults() pulltest.Results {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq.Results()
}

// HandleCommand services inbound websocket actions.
func (b *Bench) HandleCommand(action string) {
	switch action {
	case "arm":
		if err := b.Arm(); err != nil {
			monitoring.Logf("bench: arm via ws refused: %v", err)
		}
	case "disarm":
		b.Disarm()
	case "status":
		b.broadcast("status", b.Status())
	default:
		monitoring.Logf("bench: unknown ws action %q", action)
	}
}
