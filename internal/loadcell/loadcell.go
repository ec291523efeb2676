// Package loadcell turns raw 24-bit bridge ADC samples into a smoothed,
// tared pull-force reading in grams. The bit-level ADC protocol runs on the
// bench head; this package consumes raw values from a RawSource.
package loadcell

import (
	"time"

	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
)

// RawSource supplies raw load ADC samples. ReadRaw returns ok=false when no
// new sample is available; it must never block.
type RawSource interface {
	ReadRaw() (int32, bool)
}

// Config holds smoothing and conversion parameters.
type Config struct {
	// Alpha is the EMA smoothing factor, 0 < Alpha <= 1.
	Alpha float64

	// CalFactor converts tared raw counts to grams.
	CalFactor float64

	// SampleInterval rate-limits how often Process polls the source.
	SampleInterval time.Duration
}

// DefaultConfig returns the bench defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.2,
		CalFactor:      420.0,
		SampleInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalise() {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.2
	}
	if c.CalFactor == 0 {
		c.CalFactor = 420.0
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 100 * time.Millisecond
	}
}

// Cell is the smoothed load measurement. All methods are called from the
// control loop.
type Cell struct {
	cfg   Config
	clock timeutil.Clock
	src   RawSource

	raw        int32
	smoothed   float64
	tareOffset int32
	tared      bool
	ready      bool
	lastRead   time.Time
}

// NewCell builds a load cell over the given raw source.
func NewCell(cfg Config, src RawSource, clock timeutil.Clock) *Cell {
	cfg.normalise()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cell{cfg: cfg, clock: clock, src: src}
}

// Process polls the source at the configured rate and folds any new sample
// into the EMA. Call every control-loop pass.
func (c *Cell) Process() {
	now := c.clock.Now()
	if !c.lastRead.IsZero() && now.Sub(c.lastRead) < c.cfg.SampleInterval {
		return
	}
	c.lastRead = now

	raw, ok := c.src.ReadRaw()
	if !ok {
		return
	}
	c.raw = raw

	if !c.ready {
		// First reading seeds the filter.
		c.smoothed = float64(raw)
		c.ready = true
		return
	}
	c.smoothed = EMA(c.smoothed, float64(raw), c.cfg.Alpha)
}

// Tare zeroes the reference point at the current smoothed value so
// subsequent readings exclude the resting load.
func (c *Cell) Tare() {
	if !c.ready {
		monitoring.Logf("load cell not ready, cannot tare yet")
		return
	}
	c.tareOffset = int32(c.smoothed)
	c.tared = true
	monitoring.Logf("load cell tared at raw=%d", c.tareOffset)
}

// Grams returns the current smoothed, tared reading.
func (c *Cell) Grams() float64 {
	return RawToGrams(int32(c.smoothed), c.tareOffset, c.cfg.CalFactor)
}

// Raw returns the most recent unsmoothed sample.
func (c *Cell) Raw() int32 { return c.raw }

// IsReady reports whether at least one sample has been read.
func (c *Cell) IsReady() bool { return c.ready }

// IsTared reports whether a tare reference has been set.
func (c *Cell) IsTared() bool { return c.tared }

// RawToGrams converts a raw reading to grams given a tare offset and
// calibration factor.
func RawToGrams(raw, tare int32, calFactor float64) float64 {
	return float64(raw-tare) / calFactor
}

// EMA applies one step of exponential smoothing.
func EMA(previous, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*previous
}
