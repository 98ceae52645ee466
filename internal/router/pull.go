package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// Pull entity types.
const (
	PullPatient     = "patient"
	PullAlerts      = "alerts"
	PullVitals      = "vitals"
	PullTrends      = "trends"
	PullAppointment = "appointment"
)

// PullResult one normalized pull response. Single-entity results use
// Payload; collection results use Items. FetchedAt is the updatedAt of every
// write derived from the result.
type PullResult struct {
	EntityType string
	ID         string
	Payload    json.RawMessage
	Items      []json.RawMessage
	FetchedAt  time.Time
}

// OnPullResult applies a snapshot. A result with any malformed item is
// rejected whole.
func (r *Router) OnPullResult(res PullResult) error {
	if res.FetchedAt.IsZero() {
		res.FetchedAt = r.clock()
	}

	var err error
	switch res.EntityType {
	case PullPatient:
		err = r.pullPatient(res)
	case PullAlerts:
		err = r.pullAlerts(res)
	case PullVitals:
		err = r.pullVitals(res)
	case PullTrends:
		err = r.pullTrends(res)
	case PullAppointment:
		err = r.pullAppointment(res)
	default:
		r.logger.Debug("Ignored unknown pull entity", zap.String("entity_type", res.EntityType))
		return nil
	}

	if err != nil {
		r.logger.Warn("Dropped malformed pull result",
			zap.String("entity_type", res.EntityType),
			zap.String("id", res.ID),
			zap.Error(err),
		)
	}
	return err
}

func (r *Router) pullPatient(res PullResult) error {
	var p models.Patient
	if err := decodeModel(res.Payload, &p); err != nil {
		return fmt.Errorf("%w: patient: %v", ErrMalformedEvent, err)
	}
	if p.ID == "" {
		p.ID = res.ID
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	r.sink.Upsert(models.PatientKey(p.ID), p, res.FetchedAt, cache.SourcePull)
	return nil
}

func (r *Router) pullAppointment(res PullResult) error {
	var a models.Appointment
	if err := decodeModel(res.Payload, &a); err != nil {
		return fmt.Errorf("%w: appointment: %v", ErrMalformedEvent, err)
	}
	if a.ID == "" {
		a.ID = res.ID
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	r.sink.Upsert(models.AppointmentKey(a.ID), a, res.FetchedAt, cache.SourcePull)
	return nil
}

// pullAlerts upserts every alert of the snapshot. When the snapshot is scoped
// to one patient, cached alerts of that patient missing from it are removed.
func (r *Router) pullAlerts(res PullResult) error {
	alerts := make([]models.AlertRecord, 0, len(res.Items))
	for _, item := range res.Items {
		var a models.AlertRecord
		if err := decodeModel(item, &a); err != nil {
			return fmt.Errorf("%w: alert: %v", ErrMalformedEvent, err)
		}
		if a.PatientID == "" {
			a.PatientID = res.ID
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		alerts = append(alerts, a)
	}

	present := make(map[string]bool, len(alerts))
	for _, a := range alerts {
		if res.ID != "" && a.PatientID != res.ID {
			continue
		}
		present[a.ID] = true
		r.sink.Upsert(models.AlertKey(a.ID), a, res.FetchedAt, cache.SourcePull)
	}

	if res.ID == "" {
		return nil
	}
	for _, id := range r.sink.AlertIDs(res.ID) {
		if !present[id] {
			r.sink.Remove(models.AlertKey(id), res.FetchedAt, cache.SourcePull)
		}
	}
	return nil
}

// pullVitals keeps the two most recent readings of every metric.
func (r *Router) pullVitals(res PullResult) error {
	byMetric := make(map[models.Metric][]models.VitalReading)
	for _, item := range res.Items {
		var v models.VitalReading
		if err := decodeModel(item, &v); err != nil {
			return fmt.Errorf("%w: vital reading: %v", ErrMalformedEvent, err)
		}
		if v.PatientID == "" {
			v.PatientID = res.ID
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if res.ID != "" && v.PatientID != res.ID {
			continue
		}
		byMetric[v.Metric] = append(byMetric[v.Metric], v)
	}

	metrics := make([]models.Metric, 0, len(byMetric))
	for m := range byMetric {
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i] < metrics[j] })

	for _, m := range metrics {
		readings := byMetric[m]
		sort.SliceStable(readings, func(i, j int) bool {
			return readings[i].RecordedAt.Before(readings[j].RecordedAt)
		})
		var series models.VitalSeries
		start := len(readings) - 2
		if start < 0 {
			start = 0
		}
		for _, v := range readings[start:] {
			series = series.Push(v)
		}
		r.sink.Upsert(models.VitalKey(series.Latest.PatientID, m), series, res.FetchedAt, cache.SourcePull)
	}
	return nil
}

func (r *Router) pullTrends(res PullResult) error {
	if res.ID == "" {
		return fmt.Errorf("%w: trends: missing patient id", ErrMalformedEvent)
	}
	set := models.TrendSet{PatientID: res.ID, Points: make([]models.TrendPoint, 0, len(res.Items))}
	for _, item := range res.Items {
		var p models.TrendPoint
		if err := json.Unmarshal(item, &p); err != nil {
			return fmt.Errorf("%w: trend point: %v", ErrMalformedEvent, err)
		}
		set.Points = append(set.Points, p)
	}
	sort.SliceStable(set.Points, func(i, j int) bool { return set.Points[i].At.Before(set.Points[j].At) })
	r.sink.Upsert(models.TrendKey(res.ID), set, res.FetchedAt, cache.SourcePull)
	return nil
}
