package engine

import (
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// Current implements router.Sink.
func (e *Engine) Current(key cache.Key) (any, bool) {
	entry, ok := e.cache.Get(key)
	return entry.Value, ok
}

// Upsert implements router.Sink. Writes for entities nobody watches are
// dropped.
func (e *Engine) Upsert(key cache.Key, value any, at time.Time, src cache.Source) bool {
	pid := ownerOf(key, value)
	if !e.cache.HasInterest(key) && (pid == "" || !e.patientInterested(pid)) {
		e.logger.Debug("Dropped write for unwatched key", zap.String("key", key.String()))
		return false
	}
	if !e.cache.Set(key, value, at, src) {
		return false
	}

	switch key.Type {
	case models.EntityPatient:
		e.markDirty(pid, at, dirtySummary)
	case models.EntityAlert:
		e.indexAlert(key.ID, pid)
		delete(e.orphans, key)
		e.markDirty(pid, at, dirtySummary|dirtyAlerts)
	case models.EntityVital:
		if _, m, ok := models.SplitVitalKey(key); ok {
			if e.patientVitals[pid] == nil {
				e.patientVitals[pid] = make(map[models.Metric]struct{})
			}
			e.patientVitals[pid][m] = struct{}{}
			e.markDirty(pid, at, dirtyVitals)
		}
	}
	return true
}

// Remove implements router.Sink. Alert deletions always leave a tombstone,
// even when the owner is unknown, so an in-flight pull cannot resurrect the
// alert.
func (e *Engine) Remove(key cache.Key, at time.Time, src cache.Source) bool {
	current, existed := e.cache.Get(key)
	pid := ownerOf(key, current.Value)
	wanted := e.cache.HasInterest(key) || (pid != "" && e.patientInterested(pid))
	if !wanted && key.Type != models.EntityAlert {
		return false
	}
	if !e.cache.Delete(key, at, src) {
		return false
	}

	switch key.Type {
	case models.EntityPatient:
		if summary := models.SummaryKey(pid); e.cache.HasInterest(summary) {
			e.cache.Delete(summary, later(at, e.derivedAt(summary)), cache.SourceDerived)
		}
	case models.EntityAlert:
		if !existed || !wanted {
			e.orphans[key] = e.opts.Clock()
			return existed
		}
		e.unindexAlert(key.ID)
		e.markDirty(pid, at, dirtySummary|dirtyAlerts)
	}
	return existed
}

// Invalidate implements router.Sink.
func (e *Engine) Invalidate(key cache.Key) {
	if !e.cache.HasInterest(key) {
		e.logger.Debug("Ignored invalidation for unwatched key", zap.String("key", key.String()))
		return
	}
	e.schedulePull(key, e.opts.InvalidateDelay)
}

// AlertIDs implements router.Sink.
func (e *Engine) AlertIDs(patientID string) []string {
	ids := make([]string, 0, len(e.patientAlerts[patientID]))
	for id := range e.patientAlerts[patientID] {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) indexAlert(id, pid string) {
	if prev, ok := e.alertOwner[id]; ok && prev != pid {
		delete(e.patientAlerts[prev], id)
		e.markDirty(prev, time.Time{}, dirtySummary|dirtyAlerts)
	}
	if e.patientAlerts[pid] == nil {
		e.patientAlerts[pid] = make(map[string]struct{})
	}
	e.patientAlerts[pid][id] = struct{}{}
	e.alertOwner[id] = pid
}

func (e *Engine) unindexAlert(id string) {
	if pid, ok := e.alertOwner[id]; ok {
		delete(e.patientAlerts[pid], id)
		delete(e.alertOwner, id)
	}
}

// ownerOf the patient a raw entry belongs to.
func ownerOf(key cache.Key, value any) string {
	if a, ok := value.(models.AlertRecord); ok {
		return a.PatientID
	}
	pid, _ := models.PatientOf(key)
	return pid
}

// alertStore adapts the engine to alerts.Store. Writes use local priority.
type alertStore struct{ e *Engine }

func (s alertStore) Alert(id string) (models.AlertRecord, bool) {
	entry, ok := s.e.cache.Get(models.AlertKey(id))
	if !ok {
		return models.AlertRecord{}, false
	}
	a, ok := entry.Value.(models.AlertRecord)
	return a, ok
}

func (s alertStore) PutAlert(a models.AlertRecord, at time.Time) bool {
	return s.e.Upsert(models.AlertKey(a.ID), a, at, cache.SourceLocal)
}

func (s alertStore) RemoveAlert(id string, at time.Time) bool {
	return s.e.Remove(models.AlertKey(id), at, cache.SourceLocal)
}
