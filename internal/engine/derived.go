package engine

import (
	"context"
	"sort"
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

func (e *Engine) markDirty(pid string, at time.Time, flags int) {
	if pid == "" || flags == 0 {
		return
	}
	d := e.dirty[pid]
	if d == nil {
		d = &dirty{}
		e.dirty[pid] = d
	}
	d.flags |= flags
	d.at = later(d.at, at)
}

// flush recomputes the derived keys touched in this turn. Derived entries are
// stamped with the newest input time and never go backwards.
func (e *Engine) flush() {
	e.pruneOrphans()
	if len(e.dirty) == 0 {
		return
	}

	pids := make([]string, 0, len(e.dirty))
	for pid := range e.dirty {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	for _, pid := range pids {
		d := e.dirty[pid]
		if d.flags&dirtySummary != 0 {
			e.writeSummary(pid, d.at)
		}
		if d.flags&dirtyAlerts != 0 {
			e.writeAlerts(pid, d.at)
		}
		if d.flags&dirtyVitals != 0 {
			e.writeVitals(pid, d.at)
		}
	}
	e.dirty = make(map[string]*dirty)
}

func (e *Engine) writeSummary(pid string, at time.Time) {
	key := models.SummaryKey(pid)
	if !e.cache.HasInterest(key) {
		return
	}

	patient := models.Patient{ID: pid}
	if entry, ok := e.cache.Get(models.PatientKey(pid)); ok {
		patient = entry.Value.(models.Patient)
		at = later(at, entry.UpdatedAt)
	}
	active := e.activeAlerts(pid)
	for _, a := range active {
		if entry, ok := e.cache.Get(models.AlertKey(a.ID)); ok {
			at = later(at, entry.UpdatedAt)
		}
	}
	if at.IsZero() {
		return
	}

	summary := e.scorer.Score(patient, active)
	prev, ok := e.cache.Get(key)
	if ok && prev.Value.(models.PatientStatusSummary) == summary {
		return
	}
	e.cache.Set(key, summary, later(at, prev.UpdatedAt), cache.SourceDerived)
}

func (e *Engine) writeAlerts(pid string, at time.Time) {
	key := models.AlertsKey(pid)
	if !e.cache.HasInterest(key) {
		return
	}

	active := e.activeAlerts(pid)
	for _, a := range active {
		if entry, ok := e.cache.Get(models.AlertKey(a.ID)); ok {
			at = later(at, entry.UpdatedAt)
		}
	}
	if at.IsZero() {
		return
	}

	at = later(at, e.derivedAt(key))
	if !e.cache.Set(key, active, at, cache.SourceDerived) {
		return
	}
	e.mirrorAlerts(pid, active, at)
}

func (e *Engine) writeVitals(pid string, at time.Time) {
	key := models.VitalsKey(pid)
	if !e.cache.HasInterest(key) {
		return
	}

	panel := models.VitalsPanel{PatientID: pid, Metrics: make(map[models.Metric]models.MetricStatus)}
	for m := range e.patientVitals[pid] {
		entry, ok := e.cache.Get(models.VitalKey(pid, m))
		if !ok {
			continue
		}
		series := entry.Value.(models.VitalSeries)
		panel.Metrics[m] = models.MetricStatus{
			Latest:         series.Latest,
			Previous:       series.Previous,
			Classification: e.opts.Ranges.Classify(series.Latest, series.Previous),
		}
		at = later(at, entry.UpdatedAt)
	}
	if at.IsZero() {
		return
	}

	e.cache.Set(key, panel, later(at, e.derivedAt(key)), cache.SourceDerived)
}

// activeAlerts the cached alerts of pid, newest first.
func (e *Engine) activeAlerts(pid string) []models.AlertRecord {
	out := make([]models.AlertRecord, 0, len(e.patientAlerts[pid]))
	for id := range e.patientAlerts[pid] {
		entry, ok := e.cache.Get(models.AlertKey(id))
		if !ok {
			continue
		}
		out = append(out, entry.Value.(models.AlertRecord).Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type mirrorWrite struct {
	alerts  []models.AlertRecord
	savedAt time.Time
}

// mirrorAlerts queues the list for persistence. Each patient has at most one
// writer; a newer list replaces a queued one, so saves land in order.
func (e *Engine) mirrorAlerts(pid string, active []models.AlertRecord, savedAt time.Time) {
	if e.mirror == nil {
		return
	}
	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	e.mirrorPending[pid] = mirrorWrite{alerts: active, savedAt: savedAt}
	if e.mirrorBusy[pid] {
		return
	}
	e.mirrorBusy[pid] = true

	// outlives Run so the last list still lands during shutdown
	ctx := context.WithoutCancel(e.runCtx)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		for {
			e.mirrorMu.Lock()
			w, ok := e.mirrorPending[pid]
			if !ok {
				delete(e.mirrorBusy, pid)
				e.mirrorMu.Unlock()
				return
			}
			delete(e.mirrorPending, pid)
			e.mirrorMu.Unlock()

			e.saveMirror(ctx, pid, w)
		}
	}()
}

func (e *Engine) saveMirror(ctx context.Context, pid string, w mirrorWrite) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.mirror.SaveAlerts(ctx, pid, w.alerts, w.savedAt); err != nil {
		e.logger.Warn("Failed to mirror alert list",
			zap.String("patient_id", pid),
			zap.Error(err),
		)
	}
}

func (e *Engine) pruneOrphans() {
	if len(e.orphans) == 0 {
		return
	}
	now := e.opts.Clock()
	for key, at := range e.orphans {
		if now.Sub(at) < orphanTTL {
			continue
		}
		if _, ok := e.cache.Get(key); !ok && !e.cache.HasInterest(key) {
			e.cache.Evict(key)
		}
		delete(e.orphans, key)
	}
}

func (e *Engine) derivedAt(key cache.Key) time.Time {
	if entry, ok := e.cache.Get(key); ok {
		return entry.UpdatedAt
	}
	return time.Time{}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
