package models

import (
	"strings"

	"wisefido-monitor/internal/cache"
)

// Entity types of raw cache keys.
const (
	EntityPatient      = "patient"
	EntityAlert        = "alert"
	EntityVital        = "vital"
	EntityAppointment  = "appointment"
	EntityNotification = "notification"
	EntityAllocation   = "allocation"
	EntityTrend        = "trend"
)

// Derived key types, recomputed by the engine.
const (
	DerivedSummary = "summary"
	DerivedAlerts  = "alerts"
	DerivedVitals  = "vitals"
)

func PatientKey(id string) cache.Key      { return cache.NewKey(EntityPatient, id) }
func AlertKey(id string) cache.Key        { return cache.NewKey(EntityAlert, id) }
func AppointmentKey(id string) cache.Key  { return cache.NewKey(EntityAppointment, id) }
func NotificationKey(id string) cache.Key { return cache.NewKey(EntityNotification, id) }
func AllocationKey(pid string) cache.Key  { return cache.NewKey(EntityAllocation, pid) }
func TrendKey(pid string) cache.Key       { return cache.NewKey(EntityTrend, pid) }
func SummaryKey(pid string) cache.Key     { return cache.NewKey(DerivedSummary, pid) }
func AlertsKey(pid string) cache.Key      { return cache.NewKey(DerivedAlerts, pid) }
func VitalsKey(pid string) cache.Key      { return cache.NewKey(DerivedVitals, pid) }

// VitalKey key of one patient metric series: vital:<patientID>/<metric>.
func VitalKey(pid string, m Metric) cache.Key {
	return cache.NewKey(EntityVital, pid+"/"+string(m))
}

// SplitVitalKey reverses VitalKey.
func SplitVitalKey(k cache.Key) (string, Metric, bool) {
	if k.Type != EntityVital {
		return "", "", false
	}
	i := strings.LastIndex(k.ID, "/")
	if i <= 0 || i == len(k.ID)-1 {
		return "", "", false
	}
	return k.ID[:i], Metric(k.ID[i+1:]), true
}

// PatientOf returns the patient a key belongs to, if any.
func PatientOf(k cache.Key) (string, bool) {
	switch k.Type {
	case EntityPatient, EntityAllocation, EntityTrend, DerivedSummary, DerivedAlerts, DerivedVitals:
		return k.ID, k.ID != ""
	case EntityVital:
		pid, _, ok := SplitVitalKey(k)
		return pid, ok
	}
	return "", false
}
