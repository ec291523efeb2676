// Package benchhead talks to the bench head: the microcontroller that owns
// the sensor array expander, load cell, vibration and audio front ends, and
// the track routing switches. The head streams readings as newline-delimited
// text; this package parses the stream into the mirrors the control loop
// polls, and sends the few commands the head accepts.
package benchhead

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trackside/speedcal/internal/audio"
	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
	"github.com/trackside/speedcal/internal/trap"
)

var ErrWriteFailed = fmt.Errorf("failed to write to bench head")

// commFailure is the all-bits-set sentinel returned by expander reads when
// the link is down or no reading has arrived yet.
const commFailure = uint16(0xFFFF)

// staleAfter bounds how old a streamed reading may be and still count as a
// live value. The head reports every few hundred milliseconds.
const staleAfter = 2 * time.Second

// Porter defines the minimal interface needed for the head's serial port.
// This abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Head multiplexes the bench head's line protocol. Inbound lines update the
// state mirrors; the trap latch is fired directly so interrupt events reach
// the detector with their original microsecond timestamps.
type Head struct {
	port  Porter
	clock timeutil.Clock
	latch *trap.Latch

	commandMu sync.Mutex

	mu      sync.Mutex
	closing bool

	capture      uint16
	captureValid bool
	active       uint16
	activeTime   time.Time

	loadRaw  int32
	loadTime time.Time

	vib      uint16
	vibFresh bool

	aud      audio.BlockStats
	audFresh bool

	swProg bool
	swDC   bool
	swTime time.Time
}

// New builds a head over an open port. The latch receives interrupt events
// as they are parsed.
func New(port Porter, latch *trap.Latch, clock timeutil.Clock) *Head {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Head{
		port:  port,
		clock: clock,
		latch: latch,
	}
}

// SendCommand writes one command line to the head.
func (h *Head) SendCommand(command string) error {
	h.commandMu.Lock()
	defer h.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := h.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the head until the context is cancelled or the
// port fails. Run it in its own goroutine.
func (h *Head) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(h.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop
	// can also watch for context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			h.mu.Lock()
			if h.closing {
				h.mu.Unlock()
				return nil
			}
			h.mu.Unlock()
			h.handleLine(line)
		}
	}
}

// Close stops the monitor and closes the port.
func (h *Head) Close() error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	return h.port.Close()
}

// handleLine parses one protocol line and updates the mirrors. Unknown or
// malformed lines are logged and dropped; the head also emits free-form
// boot chatter.
func (h *Head) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "INT":
		// INT <micros> <capture-hex>: expander interrupt with the port
		// state captured at interrupt time.
		if len(fields) != 3 {
			monitoring.Logf("bench head: bad INT line %q", line)
			return
		}
		micros, err1 := strconv.ParseUint(fields[1], 10, 32)
		capture, err2 := strconv.ParseUint(fields[2], 16, 16)
		if err1 != nil || err2 != nil {
			monitoring.Logf("bench head: bad INT line %q", line)
			return
		}
		h.mu.Lock()
		h.capture = uint16(capture)
		h.captureValid = true
		h.mu.Unlock()
		h.latch.Fire(uint32(micros), uint16(capture))

	case "PORT":
		// PORT <hex>: live expander port state.
		if len(fields) != 2 {
			return
		}
		v, err := strconv.ParseUint(fields[1], 16, 16)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.active = uint16(v)
		h.activeTime = h.clock.Now()
		h.mu.Unlock()

	case "LOAD":
		// LOAD <raw>: signed 24-bit load cell reading.
		if len(fields) != 2 {
			return
		}
		v, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.loadRaw = int32(v)
		h.loadTime = h.clock.Now()
		h.mu.Unlock()

	case "VIB":
		// VIB <adc>: one accelerometer ADC sample.
		if len(fields) != 2 {
			return
		}
		v, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.vib = uint16(v)
		h.vibFresh = true
		h.mu.Unlock()

	case "AUD":
		// AUD <n> <sumsq> <peak>: aggregate stats for one audio block.
		if len(fields) != 4 {
			return
		}
		n, err1 := strconv.Atoi(fields[1])
		sumSq, err2 := strconv.ParseInt(fields[2], 10, 64)
		peak, err3 := strconv.ParseInt(fields[3], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			monitoring.Logf("bench head: bad AUD line %q", line)
			return
		}
		h.mu.Lock()
		h.aud = audio.BlockStats{Samples: n, SumOfSquares: sumSq, PeakAbs: int32(peak)}
		h.audFresh = true
		h.mu.Unlock()

	case "SW":
		// SW <prog> <dc>: track routing switch states, 0 or 1.
		if len(fields) != 3 {
			return
		}
		h.mu.Lock()
		h.swProg = fields[1] == "1"
		h.swDC = fields[2] == "1"
		h.swTime = h.clock.Now()
		h.mu.Unlock()

	default:
		// Boot banner and diagnostics pass through to the log.
		monitoring.Logf("bench head: %s", line)
	}
}

// ReadAndClearLatch returns the port state captured at the last interrupt
// and clears the head's interrupt condition so it can signal the next one.
func (h *Head) ReadAndClearLatch() uint16 {
	h.mu.Lock()
	valid := h.captureValid
	capture := h.capture
	h.captureValid = false
	h.mu.Unlock()

	if err := h.SendCommand("CLR"); err != nil {
		monitoring.Logf("bench head: clear latch failed: %v", err)
		return commFailure
	}
	if !valid {
		return commFailure
	}
	return capture
}

// ReadActiveMask returns the live expander port state, or the failure
// sentinel when the stream has gone quiet.
func (h *Head) ReadActiveMask() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeTime.IsZero() || h.clock.Now().Sub(h.activeTime) > staleAfter {
		return commFailure
	}
	return h.active
}

// ReadRaw returns the latest load cell reading. ok is false when the stream
// has gone quiet.
func (h *Head) ReadRaw() (int32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadTime.IsZero() || h.clock.Now().Sub(h.loadTime) > staleAfter {
		return 0, false
	}
	return h.loadRaw, true
}

// Sample returns one vibration sample. Each streamed sample is consumed
// exactly once.
func (h *Head) Sample() (uint16, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.vibFresh {
		return 0, false
	}
	h.vibFresh = false
	return h.vib, true
}

// ReadStats returns one audio block's aggregate stats. Each streamed block
// is consumed exactly once.
func (h *Head) ReadStats() (audio.BlockStats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.audFresh {
		return audio.BlockStats{}, false
	}
	h.audFresh = false
	return h.aud, true
}

// Read returns the track routing switch states. ok is false when the stream
// has gone quiet.
func (h *Head) Read() (prog, dc, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.swTime.IsZero() || h.clock.Now().Sub(h.swTime) > staleAfter {
		return false, false, false
	}
	return h.swProg, h.swDC, true
}
