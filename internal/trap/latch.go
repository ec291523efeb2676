package trap

import "sync/atomic"

// Event is one latched sensor-array interrupt: the microsecond timestamp
// taken the instant the interrupt line transitioned, plus the port state the
// expander captured at that moment.
type Event struct {
	Micros  uint32
	Capture uint16
}

// Latch is the only state shared between the interrupt source and the
// control loop. The interrupt side calls Fire; the control loop calls Take.
// Both sides operate on a single packed word so the read-and-clear is one
// atomic exchange and an event arriving between check and clear cannot be
// lost or double-consumed.
type Latch struct {
	cell atomic.Uint64
}

// Bit layout: [63] fired, [47:16] timestamp micros, [15:0] capture mask.
const latchFired = uint64(1) << 63

// Fire latches an event, overwriting any event not yet consumed. Safe to
// call from any goroutine.
func (l *Latch) Fire(micros uint32, capture uint16) {
	l.cell.Store(latchFired | uint64(micros)<<16 | uint64(capture))
}

// Take consumes the pending event, if any, clearing it in the same atomic
// swap. Returns false when no event was pending.
func (l *Latch) Take() (Event, bool) {
	v := l.cell.Swap(0)
	if v&latchFired == 0 {
		return Event{}, false
	}
	return Event{
		Micros:  uint32(v >> 16),
		Capture: uint16(v),
	}, true
}

// Pending reports whether an event is waiting without consuming it.
func (l *Latch) Pending() bool {
	return l.cell.Load()&latchFired != 0
}
