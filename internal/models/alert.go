package models

import (
	"fmt"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertState lifecycle position of an alert. Dismissed alerts leave the
// active set, so a stored AlertRecord is either raised or acknowledged.
type AlertState string

const (
	AlertRaised       AlertState = "raised"
	AlertAcknowledged AlertState = "acknowledged"
	AlertDismissed    AlertState = "dismissed"
)

// AlertRecord a discrete condition requiring attention.
type AlertRecord struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patientId"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AIConfidence   *float64   `json:"aiConfidence,omitempty"`
}

// Clone deep-copies the pointer fields so decoding onto the copy never
// touches the original.
func (a AlertRecord) Clone() AlertRecord {
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		a.AcknowledgedAt = &t
	}
	if a.AIConfidence != nil {
		c := *a.AIConfidence
		a.AIConfidence = &c
	}
	return a
}

// Acknowledged reports whether acknowledgedAt is set.
func (a AlertRecord) Acknowledged() bool {
	return a.AcknowledgedAt != nil && !a.AcknowledgedAt.IsZero()
}

// State returns raised or acknowledged.
func (a AlertRecord) State() AlertState {
	if a.Acknowledged() {
		return AlertAcknowledged
	}
	return AlertRaised
}

// Validate checks the identity fields needed to route the alert.
func (a AlertRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("alert: missing id")
	}
	if a.PatientID == "" {
		return fmt.Errorf("alert %s: missing patientId", a.ID)
	}
	return nil
}
