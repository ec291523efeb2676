package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"valid mmps", MMPerSec, true},
		{"valid scale mph", ScaleMPH, true},
		{"valid scale kph", ScaleKPH, true},
		{"invalid unit", "mph", false},
		{"empty unit", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.unit); got != tt.expected {
				t.Errorf("IsValid(%s) = %v, want %v", tt.unit, got, tt.expected)
			}
		})
	}
}

func TestModelToScaleMPH(t *testing.T) {
	// 1000 mm/s at HO scale (87.1) is about 194.7 prototype mph.
	got := ModelToScaleMPH(1000, 87.1)
	if math.Abs(got-194.7) > 1.0 {
		t.Errorf("ModelToScaleMPH(1000, 87.1) = %.2f, want ~194.7", got)
	}

	if got := ModelToScaleMPH(0, 87.1); got != 0 {
		t.Errorf("ModelToScaleMPH(0, 87.1) = %v, want 0", got)
	}
}

func TestModelToScaleKPH(t *testing.T) {
	// mph and kph differ by exactly the km-per-mile factor.
	mph := ModelToScaleMPH(500, 160)
	kph := ModelToScaleKPH(500, 160)
	if math.Abs(kph/mph-1.609344) > 1e-9 {
		t.Errorf("kph/mph = %v, want 1.609344", kph/mph)
	}
}

func TestConvertModelSpeed(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected float64
	}{
		{"scale mph", ScaleMPH, ModelToScaleMPH(1000, 87.1)},
		{"scale kph", ScaleKPH, ModelToScaleKPH(1000, 87.1)},
		{"model mmps", MMPerSec, 1000},
		{"unknown falls back", "furlongs", 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertModelSpeed(1000, 87.1, tt.unit)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("ConvertModelSpeed(1000, 87.1, %s) = %v, want %v", tt.unit, got, tt.expected)
			}
		})
	}
}
