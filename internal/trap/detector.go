// Package trap implements the sensor pass detector: an interrupt-driven,
// non-blocking state machine that reconstructs which beam-break sensors
// fired, when, and in what direction as a locomotive crosses the array.
package trap

import (
	"time"

	"github.com/trackside/speedcal/internal/timeutil"
)

// MaxSensors is the hard upper bound on the sensor array size. The actual
// count is configuration, not a type parameter.
const MaxSensors = 16

// Direction is the traversal direction inferred from endpoint trigger order.
type Direction int

const (
	DirectionUnknown Direction = iota
	// DirectionForward means the lowest-indexed sensor (end A) fired first.
	DirectionForward
	// DirectionReverse means the highest-indexed sensor (end B) fired first.
	DirectionReverse
)

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// State is the detector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateMeasuring
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateMeasuring:
		return "measuring"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// PortExpander is the contract the detector needs from the GPIO expander.
// Both reads return all-bits-set on communication failure; the detector
// interprets that as "no sensors active", so a dead link can never produce
// a false trigger.
type PortExpander interface {
	// ReadAndClearLatch returns the port state captured at interrupt time
	// and clears the pending interrupt condition.
	ReadAndClearLatch() uint16

	// ReadActiveMask returns the live port state.
	ReadActiveMask() uint16
}

// Config holds the detector timing parameters.
type Config struct {
	// SensorCount is the configured array size, 1..MaxSensors.
	SensorCount int

	// DetectionTimeout is the maximum time after the first trigger before
	// the pass is finalised as a partial result.
	DetectionTimeout time.Duration

	// SettleWindow is the grace period after arming during which triggers
	// are discarded as arm-time bounce.
	SettleWindow time.Duration

	// MinRetrigger is the minimum interval between two recorded triggers
	// within one pass; closer events are dropped as contact bounce.
	MinRetrigger time.Duration
}

// DefaultConfig mirrors the bench defaults: four sensors, 60 s timeout,
// 50 ms arm settle, 1 ms retrigger guard.
func DefaultConfig() Config {
	return Config{
		SensorCount:      4,
		DetectionTimeout: 60 * time.Second,
		SettleWindow:     50 * time.Millisecond,
		MinRetrigger:     time.Millisecond,
	}
}

func (c *Config) normalise() {
	if c.SensorCount < 1 {
		c.SensorCount = 1
	}
	if c.SensorCount > MaxSensors {
		c.SensorCount = MaxSensors
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 60 * time.Second
	}
	if c.MinRetrigger <= 0 {
		c.MinRetrigger = time.Millisecond
	}
	if c.SettleWindow < 0 {
		c.SettleWindow = 0
	}
}

// PassRecord is one measurement attempt. It is mutated only by Update and
// becomes immutable once the detector reaches StateComplete.
type PassRecord struct {
	SensorCount      int                `json:"sensor_count"`
	Triggered        [MaxSensors]bool   `json:"triggered"`
	Timestamps       [MaxSensors]uint32 `json:"timestamps_us"`
	SensorsTriggered int                `json:"sensors_triggered"`
	Direction        Direction          `json:"-"`
	RunStart         time.Time          `json:"run_start"`
	RunDurationUs    uint32             `json:"run_duration_us"`
}

// latestTimestamp returns the most recent recorded trigger timestamp.
func (r *PassRecord) latestTimestamp() uint32 {
	var last uint32
	for i := 0; i < r.SensorCount; i++ {
		if r.Triggered[i] && r.Timestamps[i] > last {
			last = r.Timestamps[i]
		}
	}
	return last
}

// Detector reconstructs complete pass records from latched interrupt events
// and on-demand expander reads. All methods must be called from the control
// loop; only the Latch is shared with the interrupt source.
type Detector struct {
	cfg   Config
	clock timeutil.Clock
	port  PortExpander
	latch *Latch

	state   State
	rec     PassRecord
	armTime time.Time
}

// NewDetector builds a detector over the given expander and latch. Invalid
// config fields are corrected to safe defaults.
func NewDetector(cfg Config, port PortExpander, latch *Latch, clock timeutil.Clock) *Detector {
	cfg.normalise()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{
		cfg:   cfg,
		clock: clock,
		port:  port,
		latch: latch,
		state: StateIdle,
	}
}

// State returns the current detector state.
func (d *Detector) State() State { return d.state }

// Result returns the pass record. The returned copy is only meaningful once
// State is StateComplete; during StateMeasuring it reflects partial progress
// for status reporting.
func (d *Detector) Result() PassRecord { return d.rec }

// Arm resets the pass record and starts waiting for a locomotive. Any
// pending interrupt condition is cleared first so stale events cannot be
// attributed to the new pass.
func (d *Detector) Arm() {
	// Clear hardware interrupt state, then the software latch.
	d.port.ReadAndClearLatch()
	d.port.ReadActiveMask()
	d.latch.Take()

	d.rec = PassRecord{SensorCount: d.cfg.SensorCount, Direction: DirectionUnknown}
	d.armTime = d.clock.Now()
	d.state = StateArmed
}

// Disarm cancels an in-progress measurement, discarding any partial data.
func (d *Detector) Disarm() {
	d.state = StateIdle
	d.latch.Take()
}

// Update advances the state machine by at most one latched event. It is
// called from the control loop at whatever cadence the loop runs; more
// frequent calls reduce latency but never change correctness. Returns true
// exactly once, on the call where the state transitions to StateComplete.
func (d *Detector) Update() bool {
	if d.state == StateIdle || d.state == StateComplete {
		return false
	}

	// Timeout finalises a partial pass; fewer than all sensors is a valid
	// result, not an error.
	if d.state == StateMeasuring {
		if d.clock.Since(d.rec.RunStart) > d.cfg.DetectionTimeout {
			d.finalise()
			return true
		}
	}

	ev, ok := d.latch.Take()
	if !ok {
		return false
	}

	// Settle guard: triggers right after arming are relay bounce from the
	// arm action itself. Clear the hardware latch but record nothing.
	if d.state == StateArmed && d.clock.Since(d.armTime) < d.cfg.SettleWindow {
		d.port.ReadAndClearLatch()
		return false
	}

	// The capture register holds the port state at interrupt time; reading
	// clears it so the expander can signal the next event.
	captured := d.port.ReadAndClearLatch()

	// Sensors pull low on detection. Invert and mask to get "which sensors
	// are currently detecting". The all-ones I/O failure sentinel inverts
	// to zero: no sensors active.
	sensorMask := uint16(1)<<uint(d.cfg.SensorCount) - 1
	active := ^captured & sensorMask

	for i := 0; i < d.cfg.SensorCount; i++ {
		if d.rec.Triggered[i] {
			continue
		}
		if active&(1<<uint(i)) == 0 {
			continue
		}

		// Retrigger guard: events closer together than the guard window
		// are indistinguishable from bounce and the later one is dropped.
		if d.rec.SensorsTriggered > 0 {
			if ev.Micros-d.rec.latestTimestamp() < uint32(d.cfg.MinRetrigger.Microseconds()) {
				continue
			}
		}

		d.rec.Triggered[i] = true
		d.rec.Timestamps[i] = ev.Micros
		d.rec.SensorsTriggered++

		if d.rec.SensorsTriggered == 1 {
			d.rec.RunStart = d.clock.Now()
			d.state = StateMeasuring
		}
	}

	d.inferDirection()

	if d.rec.SensorsTriggered >= d.cfg.SensorCount {
		d.finalise()
		return true
	}
	return false
}

// inferDirection locks the direction as soon as possible and never revisits
// it. With both endpoints triggered the order is definitive; with only one,
// the inference is optimistic and accepted as an approximation. A pass where
// neither endpoint ever fires leaves the direction unknown.
func (d *Detector) inferDirection() {
	if d.rec.Direction != DirectionUnknown || d.rec.SensorsTriggered < 2 {
		return
	}
	last := d.cfg.SensorCount - 1
	switch {
	case d.rec.Triggered[0] && d.rec.Triggered[last]:
		if d.rec.Timestamps[0] < d.rec.Timestamps[last] {
			d.rec.Direction = DirectionForward
		} else {
			d.rec.Direction = DirectionReverse
		}
	case d.rec.Triggered[0]:
		d.rec.Direction = DirectionForward
	case d.rec.Triggered[last]:
		d.rec.Direction = DirectionReverse
	}
}

func (d *Detector) finalise() {
	var first, last uint32
	first = ^uint32(0)
	for i := 0; i < d.cfg.SensorCount; i++ {
		if !d.rec.Triggered[i] {
			continue
		}
		if d.rec.Timestamps[i] < first {
			first = d.rec.Timestamps[i]
		}
		if d.rec.Timestamps[i] > last {
			last = d.rec.Timestamps[i]
		}
	}
	if d.rec.SensorsTriggered > 0 {
		d.rec.RunDurationUs = last - first
	}
	d.state = StateComplete
}
