// Package vibration captures a fixed window of piezo ADC samples and reduces
// it to peak-to-peak and RMS figures. Capture is asynchronous and
// non-reentrant; Process must be called every control-loop pass while a
// capture is active.
package vibration

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
)

// Sampler supplies raw ADC samples. Sample returns ok=false when no new
// sample is available; it must never block.
type Sampler interface {
	Sample() (uint16, bool)
}

// Config holds the capture window parameters.
type Config struct {
	// Window is the fixed capture duration.
	Window time.Duration

	// SampleInterval is the target sampling period.
	SampleInterval time.Duration

	// MaxSamples bounds the sample buffer.
	MaxSamples int
}

// DefaultConfig returns the bench defaults: a 2 s window at 500 µs pitch.
func DefaultConfig() Config {
	return Config{
		Window:         2 * time.Second,
		SampleInterval: 500 * time.Microsecond,
		MaxSamples:     4096,
	}
}

func (c *Config) normalise() {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 500 * time.Microsecond
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 4096
	}
}

// Capture is the vibration capture state machine.
type Capture struct {
	cfg     Config
	clock   timeutil.Clock
	sampler Sampler

	buf        []uint16
	capturing  bool
	hasResult  bool
	startedAt  time.Time
	lastSample time.Time

	resultPeakToPeak uint16
	resultRMS        float64
	resultSamples    int
}

// NewCapture builds a capture over the given sampler.
func NewCapture(cfg Config, sampler Sampler, clock timeutil.Clock) *Capture {
	cfg.normalise()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Capture{
		cfg:     cfg,
		clock:   clock,
		sampler: sampler,
		buf:     make([]uint16, 0, cfg.MaxSamples),
	}
}

// StartCapture begins a new capture window. Starting while already capturing
// is a no-op.
func (c *Capture) StartCapture() {
	if c.capturing {
		return
	}
	c.buf = c.buf[:0]
	c.capturing = true
	c.hasResult = false
	c.startedAt = c.clock.Now()
	c.lastSample = c.startedAt
}

// IsCapturing reports whether a capture window is open.
func (c *Capture) IsCapturing() bool { return c.capturing }

// Process samples at the target rate and closes the window when it expires,
// computing the results.
func (c *Capture) Process() {
	if !c.capturing {
		return
	}

	now := c.clock.Now()
	if now.Sub(c.startedAt) >= c.cfg.Window {
		c.capturing = false
		c.hasResult = true
		c.resultSamples = len(c.buf)
		c.resultPeakToPeak = PeakToPeak(c.buf)
		c.resultRMS = RMS(c.buf)
		monitoring.Logf("vibration capture done: %d samples, p2p=%d, rms=%.1f",
			c.resultSamples, c.resultPeakToPeak, c.resultRMS)
		return
	}

	if now.Sub(c.lastSample) >= c.cfg.SampleInterval && len(c.buf) < c.cfg.MaxSamples {
		if v, ok := c.sampler.Sample(); ok {
			c.buf = append(c.buf, v)
			c.lastSample = now
		}
	}
}

// HasResult reports whether a completed capture result is available.
func (c *Capture) HasResult() bool { return c.hasResult }

// PeakToPeak returns the last capture's peak-to-peak amplitude.
func (c *Capture) PeakToPeak() uint16 { return c.resultPeakToPeak }

// RMS returns the last capture's mean-removed RMS.
func (c *Capture) RMS() float64 { return c.resultRMS }

// Samples returns the last capture's sample count.
func (c *Capture) Samples() int { return c.resultSamples }

// PeakToPeak returns max-min over the samples, 0 for an empty slice.
func PeakToPeak(samples []uint16) uint16 {
	if len(samples) == 0 {
		return 0
	}
	minV, maxV := samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	return maxV - minV
}

// RMS returns the RMS of the AC component: the DC offset from the sensor
// bias is removed before squaring.
func RMS(samples []uint16) float64 {
	if len(samples) == 0 {
		return 0
	}
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = float64(s)
	}
	mean := stat.Mean(vals, nil)

	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)))
}
