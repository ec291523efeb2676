// Package audio captures a fixed window of microphone PCM statistics and
// reduces it to RMS and peak levels in dB relative to full scale. The bench
// head pre-aggregates each DMA buffer into sample count, sum of squares, and
// peak so raw PCM never crosses the link.
package audio

import (
	"math"
	"time"

	"github.com/trackside/speedcal/internal/monitoring"
	"github.com/trackside/speedcal/internal/timeutil"
)

// SilenceDb is the floor reported when a capture contains no signal.
const SilenceDb = -100.0

// fullScale is the 16-bit PCM full-scale amplitude.
const fullScale = 32767.0

// BlockStats summarises one PCM block.
type BlockStats struct {
	Samples      int
	SumOfSquares int64
	PeakAbs      int32
}

// StatsSource supplies pre-aggregated PCM block statistics. ReadStats
// returns ok=false when no new block is available; it must never block.
type StatsSource interface {
	ReadStats() (BlockStats, bool)
}

// Config holds the capture window parameters.
type Config struct {
	// Window is the fixed capture duration.
	Window time.Duration
}

// DefaultConfig returns the bench default 2 s window.
func DefaultConfig() Config {
	return Config{Window: 2 * time.Second}
}

func (c *Config) normalise() {
	if c.Window <= 0 {
		c.Window = 2 * time.Second
	}
}

// Capture accumulates running statistics over the window instead of storing
// samples.
type Capture struct {
	cfg   Config
	clock timeutil.Clock
	src   StatsSource

	capturing bool
	hasResult bool
	startedAt time.Time

	sumOfSquares int64
	peakAbs      int32
	totalSamples int

	resultRMSDb   float64
	resultPeakDb  float64
	resultSamples int
}

// NewCapture builds a capture over the given stats source.
func NewCapture(cfg Config, src StatsSource, clock timeutil.Clock) *Capture {
	cfg.normalise()
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Capture{
		cfg:          cfg,
		clock:        clock,
		src:          src,
		resultRMSDb:  SilenceDb,
		resultPeakDb: SilenceDb,
	}
}

// StartCapture begins a new capture window. Starting while already capturing
// is a no-op.
func (c *Capture) StartCapture() {
	if c.capturing {
		return
	}
	c.sumOfSquares = 0
	c.peakAbs = 0
	c.totalSamples = 0
	c.capturing = true
	c.hasResult = false
	c.startedAt = c.clock.Now()
}

// IsCapturing reports whether a capture window is open.
func (c *Capture) IsCapturing() bool { return c.capturing }

// Process folds pending block stats into the accumulators and closes the
// window when it expires.
func (c *Capture) Process() {
	if !c.capturing {
		return
	}

	if c.clock.Since(c.startedAt) >= c.cfg.Window {
		c.capturing = false
		c.hasResult = true
		c.resultSamples = c.totalSamples
		c.resultRMSDb = RMSDb(c.sumOfSquares, c.totalSamples)
		c.resultPeakDb = PeakDb(c.peakAbs)
		monitoring.Logf("audio capture done: %d samples, rms=%.1f dB, peak=%.1f dB",
			c.resultSamples, c.resultRMSDb, c.resultPeakDb)
		return
	}

	stats, ok := c.src.ReadStats()
	if !ok {
		return
	}
	c.sumOfSquares += stats.SumOfSquares
	if stats.PeakAbs > c.peakAbs {
		c.peakAbs = stats.PeakAbs
	}
	c.totalSamples += stats.Samples
}

// HasResult reports whether a completed capture result is available.
func (c *Capture) HasResult() bool { return c.hasResult }

// RMSDb returns the last capture's RMS level in dBFS.
func (c *Capture) RMSDb() float64 { return c.resultRMSDb }

// PeakDb returns the last capture's peak level in dBFS.
func (c *Capture) PeakDb() float64 { return c.resultPeakDb }

// Samples returns the last capture's sample count.
func (c *Capture) Samples() int { return c.resultSamples }

// SummarizeBlock reduces a raw PCM block to BlockStats. Used by the bench
// head simulator and tests.
func SummarizeBlock(samples []int16) BlockStats {
	var st BlockStats
	st.Samples = len(samples)
	for _, s := range samples {
		v := int64(s)
		st.SumOfSquares += v * v
		a := int32(s)
		if a < 0 {
			a = -a
		}
		if a > st.PeakAbs {
			st.PeakAbs = a
		}
	}
	return st
}

// RMSDb converts a sum of squares over n samples to dB relative to 16-bit
// full scale, flooring at SilenceDb.
func RMSDb(sumOfSquares int64, n int) float64 {
	if n < 1 {
		return SilenceDb
	}
	rms := math.Sqrt(float64(sumOfSquares) / float64(n))
	if rms < 1 {
		return SilenceDb
	}
	return 20 * math.Log10(rms/fullScale)
}

// PeakDb converts a peak amplitude to dB relative to 16-bit full scale,
// flooring at SilenceDb.
func PeakDb(peakAbs int32) float64 {
	if peakAbs < 1 {
		return SilenceDb
	}
	return 20 * math.Log10(float64(peakAbs)/fullScale)
}
