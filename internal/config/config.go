// Package config holds the bench tuning parameters. The schema matches the
// /api/config endpoint so the same JSON serves both startup configuration
// and runtime updates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trackside/speedcal/internal/trap"
	"github.com/trackside/speedcal/internal/units"
)

// DefaultConfigPath is the path to the canonical bench defaults file.
const DefaultConfigPath = "config/bench.defaults.json"

// BenchConfig represents the root tuning configuration. All fields are
// pointers so a partial JSON file only overrides what it names; the Get*
// methods supply defaults for the rest.
type BenchConfig struct {
	// Sensor array params
	SensorCount     *int     `json:"sensor_count,omitempty"`
	SensorSpacingMM *float64 `json:"sensor_spacing_mm,omitempty"`
	ScaleFactor     *float64 `json:"scale_factor,omitempty"`
	Units           *string  `json:"units,omitempty"` // "mph" or "kph"

	// Detector params
	DetectionTimeout *string `json:"detection_timeout,omitempty"` // duration string like "60s"
	SettleWindow     *string `json:"settle_window,omitempty"`
	MinRetrigger     *string `json:"min_retrigger,omitempty"`

	// Pull test params
	SpeedStepIncrement *int    `json:"speed_step_increment,omitempty"`
	StepSettle         *string `json:"step_settle,omitempty"`

	// Load cell params
	LoadAlpha          *float64 `json:"load_alpha,omitempty"`
	LoadCalFactor      *float64 `json:"load_cal_factor,omitempty"`
	LoadSampleInterval *string  `json:"load_sample_interval,omitempty"`

	// Capture params
	VibrationWindow *string `json:"vibration_window,omitempty"`
	AudioWindow     *string `json:"audio_window,omitempty"`

	// Track switch params
	SwitchesEnabled *bool   `json:"switches_enabled,omitempty"`
	SwitchDebounce  *string `json:"switch_debounce,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBenchConfig returns a BenchConfig with all fields set to nil.
func EmptyBenchConfig() *BenchConfig {
	return &BenchConfig{}
}

// LoadBenchConfig loads a BenchConfig from a JSON file. Fields omitted from
// the file retain their defaults, so partial configs are safe.
func LoadBenchConfig(path string) (*BenchConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBenchConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that set values are in range and duration strings parse.
func (c *BenchConfig) Validate() error {
	if c.SensorCount != nil {
		if *c.SensorCount < 1 || *c.SensorCount > trap.MaxSensors {
			return fmt.Errorf("sensor_count must be between 1 and %d, got %d", trap.MaxSensors, *c.SensorCount)
		}
	}
	if c.SensorSpacingMM != nil && *c.SensorSpacingMM <= 0 {
		return fmt.Errorf("sensor_spacing_mm must be positive, got %f", *c.SensorSpacingMM)
	}
	if c.ScaleFactor != nil && *c.ScaleFactor <= 0 {
		return fmt.Errorf("scale_factor must be positive, got %f", *c.ScaleFactor)
	}
	if c.Units != nil && *c.Units != "mph" && *c.Units != "kph" {
		return fmt.Errorf("units must be \"mph\" or \"kph\", got %q", *c.Units)
	}
	if c.LoadAlpha != nil {
		if *c.LoadAlpha <= 0 || *c.LoadAlpha > 1 {
			return fmt.Errorf("load_alpha must be in (0, 1], got %f", *c.LoadAlpha)
		}
	}
	if c.SpeedStepIncrement != nil {
		if *c.SpeedStepIncrement < 1 || *c.SpeedStepIncrement > 126 {
			return fmt.Errorf("speed_step_increment must be between 1 and 126, got %d", *c.SpeedStepIncrement)
		}
	}

	durations := map[string]*string{
		"detection_timeout":    c.DetectionTimeout,
		"settle_window":        c.SettleWindow,
		"min_retrigger":        c.MinRetrigger,
		"step_settle":          c.StepSettle,
		"load_sample_interval": c.LoadSampleInterval,
		"vibration_window":     c.VibrationWindow,
		"audio_window":         c.AudioWindow,
		"switch_debounce":      c.SwitchDebounce,
	}
	for name, val := range durations {
		if val != nil && *val != "" {
			if _, err := time.ParseDuration(*val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *val, err)
			}
		}
	}

	return nil
}

func (c *BenchConfig) duration(val *string, def time.Duration) time.Duration {
	if val == nil || *val == "" {
		return def
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return def
	}
	return d
}

// GetSensorCount returns the sensor_count value or the default.
func (c *BenchConfig) GetSensorCount() int {
	if c.SensorCount == nil {
		return 4
	}
	return *c.SensorCount
}

// GetSensorSpacingMM returns the sensor_spacing_mm value or the default.
func (c *BenchConfig) GetSensorSpacingMM() float64 {
	if c.SensorSpacingMM == nil {
		return 100.0
	}
	return *c.SensorSpacingMM
}

// GetScaleFactor returns the scale_factor value or the default (HO scale).
func (c *BenchConfig) GetScaleFactor() float64 {
	if c.ScaleFactor == nil {
		return 87.1
	}
	return *c.ScaleFactor
}

// GetUnits returns the display units, "mph" or "kph".
func (c *BenchConfig) GetUnits() string {
	if c.Units == nil {
		return "mph"
	}
	return *c.Units
}

// ReportUnits maps the configured display units onto the reporting-unit
// vocabulary used for speed conversion.
func (c *BenchConfig) ReportUnits() string {
	if c.GetUnits() == "kph" {
		return units.ScaleKPH
	}
	return units.ScaleMPH
}

// GetDetectionTimeout parses and returns the detection_timeout.
func (c *BenchConfig) GetDetectionTimeout() time.Duration {
	return c.duration(c.DetectionTimeout, 60*time.Second)
}

// GetSettleWindow parses and returns the settle_window.
func (c *BenchConfig) GetSettleWindow() time.Duration {
	return c.duration(c.SettleWindow, 50*time.Millisecond)
}

// GetMinRetrigger parses and returns the min_retrigger.
func (c *BenchConfig) GetMinRetrigger() time.Duration {
	return c.duration(c.MinRetrigger, time.Millisecond)
}

// GetSpeedStepIncrement returns the speed_step_increment value or the default.
func (c *BenchConfig) GetSpeedStepIncrement() int {
	if c.SpeedStepIncrement == nil {
		return 5
	}
	return *c.SpeedStepIncrement
}

// GetStepSettle parses and returns the step_settle.
func (c *BenchConfig) GetStepSettle() time.Duration {
	return c.duration(c.StepSettle, 3*time.Second)
}

// GetLoadAlpha returns the load_alpha value or the default.
func (c *BenchConfig) GetLoadAlpha() float64 {
	if c.LoadAlpha == nil {
		return 0.2
	}
	return *c.LoadAlpha
}

// GetLoadCalFactor returns the load_cal_factor value or the default.
func (c *BenchConfig) GetLoadCalFactor() float64 {
	if c.LoadCalFactor == nil {
		return 420.0
	}
	return *c.LoadCalFactor
}

// GetLoadSampleInterval parses and returns the load_sample_interval.
func (c *BenchConfig) GetLoadSampleInterval() time.Duration {
	return c.duration(c.LoadSampleInterval, 100*time.Millisecond)
}

// GetVibrationWindow parses and returns the vibration_window.
func (c *BenchConfig) GetVibrationWindow() time.Duration {
	return c.duration(c.VibrationWindow, 2*time.Second)
}

// GetAudioWindow parses and returns the audio_window.
func (c *BenchConfig) GetAudioWindow() time.Duration {
	return c.duration(c.AudioWindow, 2*time.Second)
}

// GetSwitchesEnabled returns the switches_enabled value or the default.
func (c *BenchConfig) GetSwitchesEnabled() bool {
	if c.SwitchesEnabled == nil {
		return false
	}
	return *c.SwitchesEnabled
}

// GetSwitchDebounce parses and returns the switch_debounce.
func (c *BenchConfig) GetSwitchDebounce() time.Duration {
	return c.duration(c.SwitchDebounce, 50*time.Millisecond)
}

// DetectorConfig maps the tuning values onto the detector's config struct.
func (c *BenchConfig) DetectorConfig() trap.Config {
	return trap.Config{
		SensorCount:      c.GetSensorCount(),
		DetectionTimeout: c.GetDetectionTimeout(),
		SettleWindow:     c.GetSettleWindow(),
		MinRetrigger:     c.GetMinRetrigger(),
	}
}

// Merge overlays the set fields of other onto a copy of c.
func (c *BenchConfig) Merge(other *BenchConfig) *BenchConfig {
	out := *c
	if other == nil {
		return &out
	}
	if other.SensorCount != nil {
		out.SensorCount = other.SensorCount
	}
	if other.SensorSpacingMM != nil {
		out.SensorSpacingMM = other.SensorSpacingMM
	}
	if other.ScaleFactor != nil {
		out.ScaleFactor = other.ScaleFactor
	}
	if other.Units != nil {
		out.Units = other.Units
	}
	if other.DetectionTimeout != nil {
		out.DetectionTimeout = other.DetectionTimeout
	}
	if other.SettleWindow != nil {
		out.SettleWindow = other.SettleWindow
	}
	if other.MinRetrigger != nil {
		out.MinRetrigger = other.MinRetrigger
	}
	if other.SpeedStepIncrement != nil {
		out.SpeedStepIncrement = other.SpeedStepIncrement
	}
	if other.StepSettle != nil {
		out.StepSettle = other.StepSettle
	}
	if other.LoadAlpha != nil {
		out.LoadAlpha = other.LoadAlpha
	}
	if other.LoadCalFactor != nil {
		out.LoadCalFactor = other.LoadCalFactor
	}
	if other.LoadSampleInterval != nil {
		out.LoadSampleInterval = other.LoadSampleInterval
	}
	if other.VibrationWindow != nil {
		out.VibrationWindow = other.VibrationWindow
	}
	if other.AudioWindow != nil {
		out.AudioWindow = other.AudioWindow
	}
	if other.SwitchesEnabled != nil {
		out.SwitchesEnabled = other.SwitchesEnabled
	}
	if other.SwitchDebounce != nil {
		out.SwitchDebounce = other.SwitchDebounce
	}
	return &out
}
