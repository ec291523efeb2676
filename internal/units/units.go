// Package units provides shared constants and conversions for model and
// prototype (scale) speed units.
package units

// Unit constants for reporting speeds.
const (
	MMPerSec = "mmps"
	ScaleMPH = "smph"
	ScaleKPH = "skph"
)

// ValidUnits contains all valid reporting unit values.
var ValidUnits = []string{MMPerSec, ScaleMPH, ScaleKPH}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, v := range ValidUnits {
		if unit == v {
			return true
		}
	}
	return false
}

const (
	secondsPerHour = 3600.0
	mmPerKM        = 1_000_000.0
	kmPerMile      = 1.609344
)

// ModelToScaleMPH converts a model speed in mm/s to the prototype-equivalent
// speed in miles per hour, given the scale factor (e.g. 87.1 for HO).
func ModelToScaleMPH(mmPerS, scaleFactor float64) float64 {
	return mmPerS * scaleFactor * secondsPerHour / (mmPerKM * kmPerMile)
}

// ModelToScaleKPH converts a model speed in mm/s to the prototype-equivalent
// speed in kilometres per hour.
func ModelToScaleKPH(mmPerS, scaleFactor float64) float64 {
	return mmPerS * scaleFactor * secondsPerHour / mmPerKM
}

// ConvertModelSpeed converts a model speed in mm/s to the target units.
// Unknown units return the model speed unchanged.
func ConvertModelSpeed(mmPerS, scaleFactor float64, targetUnits string) float64 {
	switch targetUnits {
	case ScaleMPH:
		return ModelToScaleMPH(mmPerS, scaleFactor)
	case ScaleKPH:
		return ModelToScaleKPH(mmPerS, scaleFactor)
	default:
		return mmPerS
	}
}
