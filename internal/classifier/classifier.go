// Package classifier classifies vital readings against reference ranges.
package classifier

import (
	"math"

	"wisefido-monitor/internal/models"
)

// Classify returns the level of reading within rng and its trend relative to
// previous. Boundary values classify normal. NaN values classify
// normal/stable.
func Classify(reading models.VitalReading, rng models.ReferenceRange, previous *models.VitalReading) models.Classification {
	return models.Classification{
		Level: level(reading.Value, rng),
		Trend: trend(reading, previous),
	}
}

func level(v float64, rng models.ReferenceRange) models.Level {
	switch {
	case math.IsNaN(v):
		return models.LevelNormal
	case v > rng.High:
		return models.LevelHigh
	case v < rng.Low:
		return models.LevelLow
	}
	return models.LevelNormal
}

func trend(reading models.VitalReading, previous *models.VitalReading) models.Trend {
	if previous == nil || math.IsNaN(reading.Value) || math.IsNaN(previous.Value) {
		return models.TrendStable
	}
	switch {
	case reading.Value > previous.Value:
		return models.TrendUp
	case reading.Value < previous.Value:
		return models.TrendDown
	}
	return models.TrendStable
}

// Ranges reference range table keyed by metric.
type Ranges map[models.Metric]models.ReferenceRange

// DefaultRanges adult resting ranges used when nothing else is configured.
func DefaultRanges() Ranges {
	return Ranges{
		models.MetricHeartRate:       {Metric: models.MetricHeartRate, Low: 60, High: 100},
		models.MetricSystolicBP:      {Metric: models.MetricSystolicBP, Low: 90, High: 140},
		models.MetricDiastolicBP:     {Metric: models.MetricDiastolicBP, Low: 60, High: 90},
		models.MetricTemperature:     {Metric: models.MetricTemperature, Low: 36.1, High: 37.8},
		models.MetricSpO2:            {Metric: models.MetricSpO2, Low: 95, High: 100},
		models.MetricRespiratoryRate: {Metric: models.MetricRespiratoryRate, Low: 12, High: 20},
	}
}

// Classify classifies reading with the range configured for its metric. A
// metric without a configured range always has level normal.
func (r Ranges) Classify(reading models.VitalReading, previous *models.VitalReading) models.Classification {
	rng, ok := r[reading.Metric]
	if !ok {
		return models.Classification{Level: models.LevelNormal, Trend: trend(reading, previous)}
	}
	return Classify(reading, rng, previous)
}

// Merge returns a copy of r overridden by other.
func (r Ranges) Merge(other Ranges) Ranges {
	out := make(Ranges, len(r)+len(other))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
