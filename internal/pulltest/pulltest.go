// Package pulltest implements the automated drawbar pull test: a
// non-blocking state machine that sweeps the locomotive through a throttle
// step sequence, waiting for mechanical settling and for vibration and audio
// captures at each step, and recording a pull-force-vs-speed table.
package pulltest

import (
	"errors"
	"fmt"
	"time"

	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
)

// MaxSpeedStep is the top DCC speed step. The step sequence always ends at
// exactly this value.
const MaxSpeedStep = 126

// MaxEntries bounds the results table. Exceeding it silently stops
// recording; the test still runs the full sequence.
const MaxEntries = 128

// tareDelay is how long the locomotive sits at speed 0 before the load
// reference is zeroed.
const tareDelay = 500 * time.Millisecond

// Start precondition failures.
var (
	ErrAlreadyRunning   = errors.New("pull test already running")
	ErrLoadCellNotReady = errors.New("load cell not ready")
	ErrThrottleDropped  = errors.New("throttle has no locomotive acquired")
	ErrInterlockBlocked = errors.New("track interlock blocks automated testing")
)

// State is the sequencer phase. Progression is strictly linear; Done is also
// reachable from any active state via Abort.
type State int

const (
	StateIdle State = iota
	StateTaring
	StateSettling
	StateCapturingVibration
	StateCapturingAudio
	StateReading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTaring:
		return "taring"
	case StateSettling:
		return "settling"
	case StateCapturingVibration:
		return "capturing_vibration"
	case StateCapturingAudio:
		return "capturing_audio"
	case StateReading:
		return "reading"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// LoadCell is the pull-force measurement contract.
type LoadCell interface {
	IsReady() bool
	Grams() float64
	Tare()
}

// VibrationCapture is the asynchronous vibration capture contract. Starting
// while already capturing is a no-op at the implementation.
type VibrationCapture interface {
	StartCapture()
	IsCapturing() bool
	PeakToPeak() uint16
	RMS() float64
}

// AudioCapture is the asynchronous audio capture contract.
type AudioCapture interface {
	StartCapture()
	IsCapturing() bool
	RMSDb() float64
	PeakDb() float64
}

// Throttle drives the locomotive. SetSpeed takes the speed as a fraction of
// MaxSpeedStep formatted to three decimals; acquisition state is reported
// asynchronously by the relay.
type Throttle interface {
	SetSpeed(fraction string) error
	Stop() error
	Acquired() bool
}

// Interlock gates automated testing on the physical track configuration.
type Interlock interface {
	AllowAutomatedTest() bool
}

// Entry is one row of the results table.
type Entry struct {
	Step          int     `json:"step"`
	ThrottlePct   float64 `json:"pct"`
	PullGrams     float64 `json:"grams"`
	VibPeakToPeak uint16  `json:"vib_pp"`
	VibRMS        float64 `json:"vib_rms"`
	AudioRMSDb    float64 `json:"aud_rms"`
	AudioPeakDb   float64 `json:"aud_peak"`
}

// Progress is a point-in-time snapshot queryable without disturbing the
// sequencer.
type Progress struct {
	Running    bool    `json:"running"`
	State      string  `json:"state"`
	Step       int     `json:"step"`
	StepNum    int     `json:"current_step_num"`
	TotalSteps int     `json:"total_steps"`
	Grams      float64 `json:"grams"`
	PeakGrams  float64 `json:"peak_grams"`
	PeakStep   int     `json:"peak_step"`
}

// Results is the completed (or aborted, partial) test outcome.
type Results struct {
	Complete      bool    `json:"complete"`
	StepIncrement int     `json:"step_inc"`
	SettleMs      int64   `json:"settle_ms"`
	PeakGrams     float64 `json:"peak_grams"`
	PeakStep      int     `json:"peak_step"`
	Entries       []Entry `json:"entries"`
}

// Sequencer advances the pull test from repeated Process calls on the
// control loop. Nothing here blocks.
type Sequencer struct {
	clock timeutil.Clock
	load  LoadCell
	vib   VibrationCapture
	audio AudioCapture
	thr   Throttle
	lock  Interlock

	state        State
	stateEntered time.Time
	stepInc      int
	settle       time.Duration
	currentStep  int
	stepNum      int
	totalSteps   int
	complete     bool

	entries   []Entry
	peakGrams float64
	peakStep  int
}

// NewSequencer wires the sequencer to its collaborators.
func NewSequencer(load LoadCell, vib VibrationCapture, audio AudioCapture, thr Throttle, lock Interlock, clock timeutil.Clock) *Sequencer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sequencer{
		clock: clock,
		load:  load,
		vib:   vib,
		audio: audio,
		thr:   thr,
		lock:  lock,
		state: StateIdle,
	}
}

// State returns the current phase.
func (s *Sequencer) State() State { return s.state }

// Running reports whether a test is in progress.
func (s *Sequencer) Running() bool {
	return s.state != StateIdle && s.state != StateDone
}

// Start begins a new test. All preconditions must hold or the start is
// rejected with no state change. Non-positive config values are corrected to
// the defaults (increment 5, settle 3s) rather than rejected.
func (s *Sequencer) Start(stepInc int, settle time.Duration) error {
	if s.Running() {
		return ErrAlreadyRunning
	}
	if !s.load.IsReady() {
		return ErrLoadCellNotReady
	}
	if !s.thr.Acquired() {
		return ErrThrottleDropped
	}
	if !s.lock.AllowAutomatedTest() {
		return ErrInterlockBlocked
	}

	if stepInc <= 0 {
		stepInc = 5
	}
	if settle <= 0 {
		settle = 3 * time.Second
	}
	s.stepInc = stepInc
	s.settle = settle

	s.entries = s.entries[:0]
	s.peakGrams = 0
	s.peakStep = 0
	s.currentStep = 0
	s.stepNum = 0
	s.complete = false
	s.totalSteps = countSteps(stepInc)

	// The loco must be stopped before the load reference is zeroed.
	s.stopLoco()
	s.enter(StateTaring)

	monitoring.Logf("pull test started: inc=%d settle=%s steps=%d", stepInc, settle, s.totalSteps)
	return nil
}

// Abort stops the throttle immediately and terminates the test, preserving
// entries already recorded. A partial table is a valid result.
func (s *Sequencer) Abort() {
	if !s.Running() {
		return
	}
	s.stopLoco()
	s.complete = false
	s.state = StateDone
	monitoring.Logf("pull test aborted at step %d (%d entries collected)", s.currentStep, len(s.entries))
}

// Process advances the state machine. Call every control-loop pass; each
// phase progresses only when its elapsed-time or capture-completion
// precondition holds.
func (s *Sequencer) Process() {
	if !s.Running() {
		return
	}

	elapsed := s.clock.Since(s.stateEntered)

	switch s.state {
	case StateTaring:
		if elapsed < tareDelay {
			return
		}
		s.load.Tare()

		next := nextStep(0, s.stepInc)
		if next < 0 {
			s.finish()
			return
		}
		s.currentStep = next
		s.stepNum = 1
		s.setSpeed(next)
		s.enter(StateSettling)

	case StateSettling:
		if elapsed < s.settle {
			return
		}
		s.vib.StartCapture()
		s.enter(StateCapturingVibration)

	case StateCapturingVibration:
		// Audio never starts until vibration has finished, keeping the two
		// windows non-overlapping and attributable to this step.
		if s.vib.IsCapturing() {
			return
		}
		s.audio.StartCapture()
		s.enter(StateCapturingAudio)

	case StateCapturingAudio:
		if s.audio.IsCapturing() {
			return
		}
		s.enter(StateReading)

	case StateReading:
		s.record()

		next := nextStep(s.currentStep, s.stepInc)
		if next < 0 {
			s.finish()
			return
		}
		s.currentStep = next
		s.stepNum++
		s.setSpeed(next)
		s.enter(StateSettling)
	}
}

// Progress returns the live snapshot for UI streaming.
func (s *Sequencer) Progress() Progress {
	return Progress{
		Running:    s.Running(),
		State:      s.state.String(),
		Step:       s.currentStep,
		StepNum:    s.stepNum,
		TotalSteps: s.totalSteps,
		Grams:      s.load.Grams(),
		PeakGrams:  s.peakGrams,
		PeakStep:   s.peakStep,
	}
}

// Results returns a copy of the table recorded so far.
func (s *Sequencer) Results() Results {
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	return Results{
		Complete:      s.complete,
		StepIncrement: s.stepInc,
		SettleMs:      s.settle.Milliseconds(),
		PeakGrams:     s.peakGrams,
		PeakStep:      s.peakStep,
		Entries:       entries,
	}
}

func (s *Sequencer) enter(st State) {
	s.state = st
	s.stateEntered = s.clock.Now()
}

func (s *Sequencer) record() {
	grams := s.load.Grams()
	entry := Entry{
		Step:          s.currentStep,
		ThrottlePct:   float64(s.currentStep) / MaxSpeedStep * 100,
		PullGrams:     grams,
		VibPeakToPeak: s.vib.PeakToPeak(),
		VibRMS:        s.vib.RMS(),
		AudioRMSDb:    s.audio.RMSDb(),
		AudioPeakDb:   s.audio.PeakDb(),
	}
	if len(s.entries) < MaxEntries {
		s.entries = append(s.entries, entry)
	}

	// Strictly greater: the first occurrence wins on ties.
	if grams > s.peakGrams {
		s.peakGrams = grams
		s.peakStep = s.currentStep
	}

	monitoring.Logf("pull test: step %d (%.1f%%) = %.1fg, vib p2p=%d rms=%.1f, audio rms=%.1fdB peak=%.1fdB",
		entry.Step, entry.ThrottlePct, entry.PullGrams, entry.VibPeakToPeak,
		entry.VibRMS, entry.AudioRMSDb, entry.AudioPeakDb)
}

func (s *Sequencer) finish() {
	s.stopLoco()
	s.complete = true
	s.state = StateDone
	monitoring.Logf("pull test complete: %d entries, peak=%.1fg at step %d",
		len(s.entries), s.peakGrams, s.peakStep)
}

func (s *Sequencer) setSpeed(step int) {
	fraction := fmt.Sprintf("%.3f", float64(step)/MaxSpeedStep)
	if err := s.thr.SetSpeed(fraction); err != nil {
		monitoring.Logf("pull test: throttle set speed: %v", err)
	}
}

func (s *Sequencer) stopLoco() {
	if err := s.thr.Stop(); err != nil {
		monitoring.Logf("pull test: throttle stop: %v", err)
	}
}

// nextStep computes the next speed step in the sequence, or -1 when the
// sequence is exhausted. The final step is always exactly MaxSpeedStep,
// inserted even when the increment does not land on it and never duplicated
// when it does.
func nextStep(current, inc int) int {
	if current == 0 {
		if inc >= MaxSpeedStep {
			return MaxSpeedStep
		}
		return inc
	}
	next := current + inc
	if next > MaxSpeedStep {
		if current >= MaxSpeedStep {
			return -1
		}
		return MaxSpeedStep
	}
	return next
}

// countSteps precomputes the sequence length for progress reporting.
func countSteps(inc int) int {
	count := 0
	for s := nextStep(0, inc); s > 0; s = nextStep(s, inc) {
		count++
	}
	return count
}
