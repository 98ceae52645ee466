package models

import (
	"fmt"
	"time"
)

// Metric identifies one physiological measurement stream.
type Metric string

const (
	MetricHeartRate       Metric = "heart_rate"
	MetricSystolicBP      Metric = "bp_systolic"
	MetricDiastolicBP     Metric = "bp_diastolic"
	MetricTemperature     Metric = "temperature"
	MetricSpO2            Metric = "spo2"
	MetricRespiratoryRate Metric = "respiratory_rate"
)

// Level is the reading position relative to its reference range.
type Level string

const (
	LevelLow    Level = "low"
	LevelNormal Level = "normal"
	LevelHigh   Level = "high"
)

// Trend compares a reading with the previous one of the same series.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// VitalReading a timestamped measurement. Immutable once recorded.
type VitalReading struct {
	PatientID  string    `json:"patientId"`
	Metric     Metric    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Clone returns a copy of the reading.
func (r VitalReading) Clone() VitalReading { return r }

// Validate checks the identity fields needed to route the reading.
func (r VitalReading) Validate() error {
	if r.PatientID == "" {
		return fmt.Errorf("vital reading: missing patientId")
	}
	if r.Metric == "" {
		return fmt.Errorf("vital reading: missing metric")
	}
	if r.RecordedAt.IsZero() {
		return fmt.Errorf("vital reading: missing recordedAt")
	}
	return nil
}

// ReferenceRange clinical bounds for one metric, inclusive on both ends.
type ReferenceRange struct {
	Metric Metric  `json:"metric"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
}

// Classification derived from a reading, never stored upstream.
type Classification struct {
	Level Level `json:"level"`
	Trend Trend `json:"trend"`
}

// VitalSeries the two most recent readings of one patient metric.
type VitalSeries struct {
	Latest   VitalReading  `json:"latest"`
	Previous *VitalReading `json:"previous,omitempty"`
}

// Push returns the series after appending r. Readings that are not newer than
// the current latest leave the series unchanged.
func (s VitalSeries) Push(r VitalReading) VitalSeries {
	if s.Latest.RecordedAt.IsZero() {
		return VitalSeries{Latest: r}
	}
	if !r.RecordedAt.After(s.Latest.RecordedAt) {
		return s
	}
	prev := s.Latest
	return VitalSeries{Latest: r, Previous: &prev}
}

// MetricStatus one row of the vitals panel.
type MetricStatus struct {
	Latest         VitalReading   `json:"latest"`
	Previous       *VitalReading  `json:"previous,omitempty"`
	Classification Classification `json:"classification"`
}

// VitalsPanel per-patient rollup of every metric with its classification.
type VitalsPanel struct {
	PatientID string                  `json:"patientId"`
	Metrics   map[Metric]MetricStatus `json:"metrics"`
}

// TrendPoint one aggregated sample of a trend chart.
type TrendPoint struct {
	Metric Metric    `json:"metric"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// TrendSet the trend samples of one patient.
type TrendSet struct {
	PatientID string       `json:"patientId"`
	Points    []TrendPoint `json:"points"`
}
