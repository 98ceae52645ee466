// Package risk derives the patient status/risk rollup.
package risk

import "wisefido-monitor/internal/models"

// Thresholds single table for the medium-risk cutoffs.
type Thresholds struct {
	// MedicationCount risk is medium above this many medications.
	MedicationCount int
	// HistoryLength risk is medium above this many history characters.
	HistoryLength int
}

// DefaultThresholds medication count > 3 or history length > 80.
func DefaultThresholds() Thresholds {
	return Thresholds{MedicationCount: 3, HistoryLength: 80}
}

// Scorer computes PatientStatusSummary values.
type Scorer struct {
	thresholds Thresholds
}

// NewScorer creates a scorer.
func NewScorer(t Thresholds) Scorer {
	return Scorer{thresholds: t}
}

// Score is deterministic and independent of alert order.
func (s Scorer) Score(patient models.Patient, alerts []models.AlertRecord) models.PatientStatusSummary {
	var criticalUnacked, warningUnacked bool
	for _, a := range alerts {
		if a.Acknowledged() {
			continue
		}
		switch a.Severity {
		case models.SeverityCritical:
			criticalUnacked = true
		case models.SeverityWarning:
			warningUnacked = true
		}
	}

	summary := models.PatientStatusSummary{
		PatientID: patient.ID,
		Status:    models.StatusStable,
		Risk:      models.RiskLow,
	}

	switch {
	case criticalUnacked:
		summary.Status = models.StatusCritical
	case warningUnacked:
		summary.Status = models.StatusMonitoring
	}

	switch {
	case criticalUnacked:
		summary.Risk = models.RiskHigh
	case patient.MedicationCount() > s.thresholds.MedicationCount,
		patient.HistoryLength() > s.thresholds.HistoryLength:
		summary.Risk = models.RiskMedium
	}

	return summary
}
