// Package speed converts a completed pass record into physical and
// scale-equivalent speeds. Compute is a pure function: deterministic,
// side-effect-free, and independent of wall-clock time.
package speed

import (
	"github.com/trackside/speedcal/internal/trap"
	"github.com/trackside/speedcal/internal/units"
)

// Result holds per-interval and average speeds derived from one pass. It is
// a value owned by the caller and never mutated after creation.
type Result struct {
	IntervalCount int       `json:"interval_count"`
	IntervalsUs   []uint32  `json:"intervals_us"`
	ModelMMPerS   []float64 `json:"speeds_mm_s"`
	ScaleMPH      []float64 `json:"speeds_mph"`
	AvgScaleMPH   float64   `json:"avg_speed_mph"`
}

// Compute derives speeds from a pass record given the physical sensor
// spacing and the model scale factor. It returns ok=false when fewer than
// two sensors triggered or no valid interval could be formed.
//
// The sensor array is laid out once, physically, but traversal order depends
// on direction: a reverse pass walks the array from the highest index down.
// Adjacent pairs spanning an untriggered sensor are skipped; missed
// detections degrade the result rather than invalidating it.
func Compute(rec *trap.PassRecord, spacingMM, scaleFactor float64) (*Result, bool) {
	if rec == nil || rec.SensorsTriggered < 2 {
		return nil, false
	}

	n := rec.SensorCount
	ordered := make([]uint32, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		src := i
		if rec.Direction == trap.DirectionReverse {
			src = n - 1 - i
		}
		ordered[i] = rec.Timestamps[src]
		valid[i] = rec.Triggered[src]
	}

	res := &Result{}
	var total float64
	for i := 0; i < n-1; i++ {
		if !valid[i] || !valid[i+1] {
			continue
		}
		dt := ordered[i+1] - ordered[i]
		if dt == 0 {
			continue
		}

		mmPerS := spacingMM / (float64(dt) / 1e6)
		mph := units.ModelToScaleMPH(mmPerS, scaleFactor)

		res.IntervalsUs = append(res.IntervalsUs, dt)
		res.ModelMMPerS = append(res.ModelMMPerS, mmPerS)
		res.ScaleMPH = append(res.ScaleMPH, mph)
		total += mph
	}

	res.IntervalCount = len(res.IntervalsUs)
	if res.IntervalCount == 0 {
		return nil, false
	}
	// Equal weight per interval, not distance-weighted.
	res.AvgScaleMPH = total / float64(res.IntervalCount)
	return res, true
}

// AvgIn returns the average speed converted to the requested reporting
// units (units.ScaleMPH, units.ScaleKPH, or units.MMPerSec).
func (r *Result) AvgIn(scaleFactor float64, targetUnits string) float64 {
	if r.IntervalCount == 0 {
		return 0
	}
	var total float64
	for _, mmPerS := range r.ModelMMPerS {
		total += mmPerS
	}
	avgModel := total / float64(len(r.ModelMMPerS))
	return units.ConvertModelSpeed(avgModel, scaleFactor, targetUnits)
}
