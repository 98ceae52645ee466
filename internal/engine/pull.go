package engine

import (
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/router"

	"go.uber.org/zap"
)

// schedulePull debounces a pull of target. Repeated calls within delay
// collapse into one pull.
func (e *Engine) schedulePull(target cache.Key, delay time.Duration) {
	if e.halted != nil {
		return
	}
	if delay <= 0 {
		e.startFetch(target)
		return
	}

	e.gen++
	gen := e.gen
	if p, ok := e.pending[target]; ok {
		p.timer.Stop()
	}
	e.pending[target] = &pendingPull{
		gen: gen,
		timer: time.AfterFunc(delay, func() {
			e.Post(func() {
				p, ok := e.pending[target]
				if !ok || p.gen != gen {
					return
				}
				delete(e.pending, target)
				e.startFetch(target)
			})
		}),
	}
}

// startFetch issues a pull unless one for target is in flight, in which case
// another pull follows it.
func (e *Engine) startFetch(target cache.Key) {
	if e.fetcher == nil || e.halted != nil {
		return
	}
	if e.inflight[target] {
		e.again[target] = true
		return
	}
	e.inflight[target] = true

	ctx := e.runCtx
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		results, err := e.fetcher.Fetch(ctx, target)
		e.Post(func() { e.completeFetch(target, results, err) })
	}()
}

// completeFetch applies a finished pull. A failed pull keeps the last known
// value and marks the key stale; it is not retried automatically.
func (e *Engine) completeFetch(target cache.Key, results []router.PullResult, err error) {
	delete(e.inflight, target)
	defer func() {
		if e.again[target] {
			delete(e.again, target)
			if e.targetWanted(target) {
				e.startFetch(target)
			}
		}
	}()

	if err != nil {
		if e.opts.Fatal != nil && e.opts.Fatal(err) {
			e.halt(target, err)
			return
		}
		e.stale[target] = true
		e.logger.Warn("Pull failed, keeping last known value",
			zap.String("key", target.String()),
			zap.Error(err),
		)
		return
	}
	if !e.targetWanted(target) {
		e.logger.Debug("Discarded pull result for unwatched key", zap.String("key", target.String()))
		return
	}

	delete(e.stale, target)
	for _, res := range results {
		_ = e.applyPull(res)
	}
}

// halt stops every later pull and intent and reports err once.
func (e *Engine) halt(target cache.Key, err error) {
	if e.halted != nil {
		return
	}
	e.halted = err
	e.stale[target] = true
	for t, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, t)
	}
	e.again = make(map[cache.Key]bool)
	e.alerts.StopIntents()

	e.logger.Error("Pull rejected, halting pulls and intents",
		zap.String("key", target.String()),
		zap.Error(err),
	)
	e.failed <- err
}

func (e *Engine) applyPull(res router.PullResult) error {
	if res.FetchedAt.IsZero() {
		res.FetchedAt = e.opts.Clock()
	}
	target, ok := pullTarget(res)
	if !ok || !e.targetWanted(target) {
		return nil
	}
	if err := e.router.OnPullResult(res); err != nil {
		return err
	}

	// empty snapshots still produce a derived value
	switch res.EntityType {
	case router.PullAlerts:
		e.markDirty(res.ID, res.FetchedAt, dirtySummary|dirtyAlerts)
	case router.PullVitals:
		e.markDirty(res.ID, res.FetchedAt, dirtyVitals)
	}
	return nil
}

func pullTarget(res router.PullResult) (cache.Key, bool) {
	if res.ID == "" {
		return cache.Key{}, false
	}
	switch res.EntityType {
	case router.PullPatient:
		return models.PatientKey(res.ID), true
	case router.PullAlerts:
		return models.AlertsKey(res.ID), true
	case router.PullVitals:
		return models.VitalsKey(res.ID), true
	case router.PullTrends:
		return models.TrendKey(res.ID), true
	case router.PullAppointment:
		return models.AppointmentKey(res.ID), true
	}
	return cache.Key{}, false
}
