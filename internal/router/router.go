// Package router normalizes push events and pull results into cache
// mutations.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// ErrMalformedEvent the event carries no usable identity or does not decode.
var ErrMalformedEvent = errors.New("malformed event")

// Sink the cache-side operations the router drives. The engine implements it.
type Sink interface {
	Current(key cache.Key) (any, bool)
	Upsert(key cache.Key, value any, at time.Time, src cache.Source) bool
	Remove(key cache.Key, at time.Time, src cache.Source) bool
	Invalidate(key cache.Key)
	// AlertIDs ids of the cached alerts of one patient.
	AlertIDs(patientID string) []string
}

// Event one push event.
type Event struct {
	Type    string
	Payload json.RawMessage
	// Timestamp frame-level time, used when the payload carries none.
	Timestamp time.Time
}

type action int

const (
	actionCreate action = iota
	actionMerge
	actionDelete
	actionInvalidate
)

type route struct {
	entity string
	action action
}

// Push event types.
const (
	EventPatientUpdated     = "patient:updated"
	EventPatientAssigned    = "patient:assigned"
	EventPatientDeleted     = "patient:deleted"
	EventAlertCreated       = "alert:created"
	EventAlertUpdated       = "alert:updated"
	EventAlertDeleted       = "alert:deleted"
	EventVitalAlert         = "vital_alert"
	EventAppointmentUpdated = "appointment:updated"
	EventNotificationNew    = "notification:created"
	EventNotificationDelete = "notification:deleted"
	EventAllocationUpdated  = "patientAllocationUpdated"
	EventAllocationDeleted  = "patientAllocationDeleted"
	EventVitalReading       = "vital:reading"
)

var routes = map[string]route{
	EventPatientUpdated:     {models.EntityPatient, actionMerge},
	EventPatientAssigned:    {models.EntityPatient, actionMerge},
	EventPatientDeleted:     {models.EntityPatient, actionDelete},
	EventAlertCreated:       {models.EntityAlert, actionCreate},
	EventVitalAlert:         {models.EntityAlert, actionCreate},
	EventAlertUpdated:       {models.EntityAlert, actionMerge},
	EventAlertDeleted:       {models.EntityAlert, actionDelete},
	EventAppointmentUpdated: {models.EntityAppointment, actionInvalidate},
	EventNotificationNew:    {models.EntityNotification, actionCreate},
	EventNotificationDelete: {models.EntityNotification, actionDelete},
	EventAllocationUpdated:  {models.EntityAllocation, actionMerge},
	EventAllocationDeleted:  {models.EntityAllocation, actionDelete},
	EventVitalReading:       {models.EntityVital, actionCreate},
}

// Known reports whether eventType has a route.
func Known(eventType string) bool {
	_, ok := routes[eventType]
	return ok
}

// Router fan-out of events onto a Sink.
type Router struct {
	sink   Sink
	clock  func() time.Time
	logger *zap.Logger
}

// New creates a router. A nil clock uses time.Now.
func New(sink Sink, clock func() time.Time, logger *zap.Logger) *Router {
	if clock == nil {
		clock = time.Now
	}
	return &Router{sink: sink, clock: clock, logger: logger}
}

// OnPush routes a push event stamped with the current time.
func (r *Router) OnPush(eventType string, payload json.RawMessage) error {
	return r.Route(Event{Type: eventType, Payload: payload})
}

// Route applies one push event. Unknown types are ignored. Malformed payloads
// return ErrMalformedEvent and leave the cache untouched.
func (r *Router) Route(ev Event) error {
	rt, ok := routes[ev.Type]
	if !ok {
		r.logger.Debug("Ignored unknown event type", zap.String("event_type", ev.Type))
		return nil
	}

	err := r.apply(rt, ev)
	if errors.Is(err, ErrMalformedEvent) {
		r.logger.Warn("Dropped malformed event",
			zap.String("event_type", ev.Type),
			zap.Error(err),
		)
	}
	return err
}

func (r *Router) apply(rt route, ev Event) error {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return fmt.Errorf("%w: %s: empty payload", ErrMalformedEvent, ev.Type)
	}
	at := r.eventTime(ev, rt.action == actionCreate)

	switch rt.entity {
	case models.EntityPatient:
		if rt.action == actionDelete {
			id, err := identity(ev.Payload, "id", "patientId")
			if err != nil {
				return err
			}
			r.sink.Remove(models.PatientKey(id), at, cache.SourcePush)
			return nil
		}
		return upsertEntity[models.Patient](r, ev.Payload, at, func(p models.Patient) cache.Key {
			return models.PatientKey(p.ID)
		}, "id", "patientId")

	case models.EntityAlert:
		if rt.action == actionDelete {
			id, err := identity(ev.Payload, "id", "alertId")
			if err != nil {
				return err
			}
			r.sink.Remove(models.AlertKey(id), at, cache.SourcePush)
			return nil
		}
		return upsertEntity[models.AlertRecord](r, ev.Payload, at, func(a models.AlertRecord) cache.Key {
			return models.AlertKey(a.ID)
		}, "id", "alertId")

	case models.EntityNotification:
		if rt.action == actionDelete {
			id, err := identity(ev.Payload, "id", "notificationId")
			if err != nil {
				return err
			}
			r.sink.Remove(models.NotificationKey(id), at, cache.SourcePush)
			return nil
		}
		return upsertEntity[models.Notification](r, ev.Payload, at, func(n models.Notification) cache.Key {
			return models.NotificationKey(n.ID)
		}, "id", "notificationId")

	case models.EntityAllocation:
		if rt.action == actionDelete {
			id, err := identity(ev.Payload, "patientId")
			if err != nil {
				return err
			}
			r.sink.Remove(models.AllocationKey(id), at, cache.SourcePush)
			return nil
		}
		return upsertEntity[models.Allocation](r, ev.Payload, at, func(a models.Allocation) cache.Key {
			return models.AllocationKey(a.PatientID)
		}, "patientId")

	case models.EntityAppointment:
		id, err := identity(ev.Payload, "id", "appointmentId")
		if err != nil {
			return err
		}
		r.sink.Invalidate(models.AppointmentKey(id))
		return nil

	case models.EntityVital:
		return r.applyReading(ev.Payload)
	}
	return nil
}

func (r *Router) applyReading(payload json.RawMessage) error {
	var reading models.VitalReading
	if err := decodeModel(payload, &reading); err != nil {
		return fmt.Errorf("%w: vital reading: %v", ErrMalformedEvent, err)
	}
	if err := reading.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	key := models.VitalKey(reading.PatientID, reading.Metric)
	var series models.VitalSeries
	if cur, ok := r.sink.Current(key); ok {
		if s, ok := cur.(models.VitalSeries); ok {
			series = s
		}
	}
	if !series.Latest.RecordedAt.IsZero() && !reading.RecordedAt.After(series.Latest.RecordedAt) {
		return nil
	}
	r.sink.Upsert(key, series.Push(reading), reading.RecordedAt, cache.SourcePush)
	return nil
}

// entity is a cacheable model decoded from JSON.
type entity[T any] interface {
	Clone() T
	Validate() error
}

// upsertEntity decodes payload onto the cached value of the same key, so
// fields missing from the payload keep their cached values.
func upsertEntity[T entity[T]](r *Router, payload json.RawMessage, at time.Time, keyOf func(T) cache.Key, idFields ...string) error {
	id, err := identity(payload, idFields...)
	if err != nil {
		return err
	}

	var seed T
	key := keyOf(withID(seed, id))

	v, err := decodeOnto[T](r.sink, key, payload)
	if err != nil {
		return err
	}
	v = withID(v, id)
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	r.sink.Upsert(keyOf(v), v, at, cache.SourcePush)
	return nil
}

func decodeOnto[T entity[T]](sink Sink, key cache.Key, payload json.RawMessage) (T, error) {
	var v T
	if cur, ok := sink.Current(key); ok {
		if typed, ok := cur.(T); ok {
			v = typed.Clone()
		}
	}
	if err := decodeModel(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return v, nil
}

// idFields payload fields holding identities. Upstream may send them as
// numbers; the models keep them as strings.
var idFields = map[string]bool{
	"id":               true,
	"patientId":        true,
	"alertId":          true,
	"notificationId":   true,
	"appointmentId":    true,
	"doctorId":         true,
	"nurseId":          true,
	"assignedDoctorId": true,
	"assignedNurseId":  true,
}

// decodeModel unmarshals an object payload into v after quoting numeric
// identity fields, so {"id":42} decodes like {"id":"42"}.
func decodeModel(payload json.RawMessage, v any) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err == nil {
		changed := false
		for f, val := range m {
			if !idFields[f] || !isNumber(val) {
				continue
			}
			q, err := json.Marshal(string(bytes.TrimSpace(val)))
			if err != nil {
				return err
			}
			m[f] = q
			changed = true
		}
		if changed {
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			payload = b
		}
	}
	return json.Unmarshal(payload, v)
}

func isNumber(val json.RawMessage) bool {
	b := bytes.TrimSpace(val)
	if len(b) == 0 || !(b[0] == '-' || (b[0] >= '0' && b[0] <= '9')) {
		return false
	}
	var n json.Number
	return json.Unmarshal(b, &n) == nil
}

// withID fills the identity field when the payload used an alias such as
// alertId or patientId.
func withID[T any](v T, id string) T {
	switch x := any(&v).(type) {
	case *models.Patient:
		if x.ID == "" {
			x.ID = id
		}
	case *models.AlertRecord:
		if x.ID == "" {
			x.ID = id
		}
	case *models.Notification:
		if x.ID == "" {
			x.ID = id
		}
	case *models.Allocation:
		if x.PatientID == "" {
			x.PatientID = id
		}
	case *models.Appointment:
		if x.ID == "" {
			x.ID = id
		}
	}
	return v
}

// identity returns the first non-empty string among fields.
func identity(payload json.RawMessage, fields ...string) (string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	for _, f := range fields {
		raw, ok := m[f]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s, nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "" {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: missing %v", ErrMalformedEvent, fields)
}

// eventTime resolves updatedAt: payload updatedAt or timestamp (createdAt for
// create events), then the frame timestamp, then now.
func (r *Router) eventTime(ev Event, create bool) time.Time {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &m); err == nil {
		fields := []string{"updatedAt", "timestamp"}
		if create {
			fields = append(fields, "createdAt", "recordedAt")
		}
		for _, f := range fields {
			if t, ok := parseTime(m[f]); ok {
				return t
			}
		}
	}
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return r.clock()
}

// parseTime accepts RFC3339 strings and unix seconds or milliseconds.
func parseTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.Time{}, false
}
