package models

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status patient-level status derived from active alerts.
type Status string

const (
	StatusStable     Status = "stable"
	StatusMonitoring Status = "monitoring"
	StatusCritical   Status = "critical"
)

// Risk patient-level risk derived from alerts and static fields.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Patient static patient fields used by the dashboard.
type Patient struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Medications      []string `json:"medications,omitempty"`
	MedicalHistory   string   `json:"medicalHistory,omitempty"`
	AssignedDoctorID string   `json:"assignedDoctorId,omitempty"`
	AssignedNurseID  string   `json:"assignedNurseId,omitempty"`
}

// Clone copies the medication slice.
func (p Patient) Clone() Patient {
	if p.Medications != nil {
		p.Medications = append([]string(nil), p.Medications...)
	}
	return p
}

// MedicationCount number of current medications.
func (p Patient) MedicationCount() int { return len(p.Medications) }

// HistoryLength length of the medical history text in characters.
func (p Patient) HistoryLength() int { return utf8.RuneCountInString(p.MedicalHistory) }

// Validate checks the patient identity.
func (p Patient) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("patient: missing id")
	}
	return nil
}

// PatientStatusSummary derived rollup, recomputed on every alert transition.
type PatientStatusSummary struct {
	PatientID string `json:"patientId"`
	Status    Status `json:"status"`
	Risk      Risk   `json:"risk"`
}

// Allocation staff assigned to a patient.
type Allocation struct {
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId,omitempty"`
	NurseID   string `json:"nurseId,omitempty"`
	Ward      string `json:"ward,omitempty"`
}

// Clone returns a copy of the allocation.
func (a Allocation) Clone() Allocation { return a }

// Validate checks the allocation identity.
func (a Allocation) Validate() error {
	if a.PatientID == "" {
		return fmt.Errorf("allocation: missing patientId")
	}
	return nil
}

// Appointment scheduled visit, only refreshed by pull.
type Appointment struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patientId,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Status      string    `json:"status,omitempty"`
}

// Clone returns a copy of the appointment.
func (a Appointment) Clone() Appointment { return a }

// Validate checks the appointment identity.
func (a Appointment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("appointment: missing id")
	}
	return nil
}

// Notification user-facing notification.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a copy of the notification.
func (n Notification) Clone() Notification { return n }

// Validate checks the notification identity.
func (n Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("notification: missing id")
	}
	return nil
}
