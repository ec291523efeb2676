// Package trackswitch reads the track-routing switches and derives the
// interlock that gates automated testing. Two debounced inputs select
// between the layout bus and the programming track, and between DCC and DC
// supply on the programming track.
package trackswitch

import (
	"time"

	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
)

// Mode is the derived track routing.
type Mode int

const (
	ModeUnknown Mode = iota
	// ModeLayout routes the test track to the layout bus.
	ModeLayout
	// ModeProgDCC routes to the programming track with DCC supply.
	ModeProgDCC
	// ModeProgDC routes to the programming track with DC supply.
	ModeProgDC
)

func (m Mode) String() string {
	switch m {
	case ModeLayout:
		return "layout"
	case ModeProgDCC:
		return "prog_dcc"
	case ModeProgDC:
		return "prog_dc"
	default:
		return "unknown"
	}
}

// Pins reads the raw switch inputs. ok=false means the inputs are
// unavailable (link down); the monitor holds its last debounced state.
type Pins interface {
	// Read returns switch 1 (true = programming track) and switch 2
	// (true = DC supply).
	Read() (prog, dc, ok bool)
}

// Monitor debounces the switch inputs and exposes the interlock decisions.
type Monitor struct {
	clock    timeutil.Clock
	pins     Pins
	enabled  bool
	debounce time.Duration

	initialised bool
	rawProg     bool
	rawDC       bool
	progStable  time.Time
	dcStable    time.Time
	debProg     bool
	debDC       bool

	mode    Mode
	changed bool
}

// NewMonitor builds a switch monitor. When enabled is false the interlock is
// bypassed and both Allow checks pass.
func NewMonitor(pins Pins, enabled bool, debounce time.Duration, clock timeutil.Clock) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Monitor{
		clock:    clock,
		pins:     pins,
		enabled:  enabled,
		debounce: debounce,
		mode:     ModeUnknown,
	}
}

// Process reads and debounces the inputs. Call every control-loop pass.
func (m *Monitor) Process() {
	if !m.enabled {
		return
	}

	prog, dc, ok := m.pins.Read()
	if !ok {
		return
	}
	now := m.clock.Now()

	if !m.initialised {
		// First reading seeds the debouncers directly.
		m.initialised = true
		m.rawProg, m.rawDC = prog, dc
		m.debProg, m.debDC = prog, dc
		m.progStable, m.dcStable = now, now
		m.setMode(deriveMode(prog, dc))
		return
	}

	if prog != m.rawProg {
		m.rawProg = prog
		m.progStable = now
	} else if prog != m.debProg && now.Sub(m.progStable) >= m.debounce {
		m.debProg = prog
	}

	if dc != m.rawDC {
		m.rawDC = dc
		m.dcStable = now
	} else if dc != m.debDC && now.Sub(m.dcStable) >= m.debounce {
		m.debDC = dc
	}

	m.setMode(deriveMode(m.debProg, m.debDC))
}

func (m *Monitor) setMode(mode Mode) {
	if mode == m.mode {
		return
	}
	m.mode = mode
	m.changed = true
	monitoring.Logf("track switch: mode changed to %s", mode)
}

// Mode returns the current debounced routing mode.
func (m *Monitor) Mode() Mode {
	if !m.enabled {
		return ModeUnknown
	}
	return m.mode
}

// Enabled reports whether the switches are installed.
func (m *Monitor) Enabled() bool { return m.enabled }

// SetEnabled installs or bypasses the interlock at runtime.
func (m *Monitor) SetEnabled(enabled bool) {
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	m.initialised = false
	m.mode = ModeUnknown
	m.changed = true
}

// AllowAutomatedTest permits automated throttle tests only on the DCC
// programming track. Bypassed when switches are not installed.
func (m *Monitor) AllowAutomatedTest() bool {
	if !m.enabled {
		return true
	}
	return m.mode == ModeProgDCC
}

// AllowOperation permits manual measurement in any non-layout routing.
// Bypassed when switches are not installed.
func (m *Monitor) AllowOperation() bool {
	if !m.enabled {
		return true
	}
	return m.mode != ModeLayout
}

// Changed reports, and clears, the mode-change notification flag.
func (m *Monitor) Changed() bool {
	if m.changed {
		m.changed = false
		return true
	}
	return false
}

func deriveMode(prog, dc bool) Mode {
	if !prog {
		return ModeLayout
	}
	if dc {
		return ModeProgDC
	}
	return ModeProgDCC
}
