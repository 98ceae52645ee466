// Package engine runs the monitoring core on one goroutine. The loop owns the
// cache; push events, pull results, lifecycle intents and subscriptions are
// posted to it as closures, so nothing else needs a lock.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-monitor/internal/alerts"
	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/classifier"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/risk"
	"wisefido-monitor/internal/router"

	"go.uber.org/zap"
)

// ErrStopped the loop is not running.
var ErrStopped = errors.New("engine stopped")

// Fetcher pulls one target key (patient, alerts, vitals, trend or
// appointment) from the system of record.
type Fetcher interface {
	Fetch(ctx context.Context, key cache.Key) ([]router.PullResult, error)
}

// Mirror persists the active alert list of a patient.
type Mirror interface {
	SaveAlerts(ctx context.Context, patientID string, alerts []models.AlertRecord, savedAt time.Time) error
}

// Options engine policy.
type Options struct {
	// InvalidateDelay debounce of invalidation-triggered pulls.
	InvalidateDelay time.Duration
	Ranges          classifier.Ranges
	Thresholds      risk.Thresholds
	Clock           func() time.Time
	// Fatal reports pull errors that end the session, e.g. a rejected
	// credential. Nil treats every failure as transient.
	Fatal func(error) bool
}

// Deps collaborators. Intents and Mirror may be nil.
type Deps struct {
	Fetcher Fetcher
	Intents alerts.IntentSink
	Mirror  Mirror
}

const (
	dirtySummary = 1 << iota
	dirtyAlerts
	dirtyVitals
)

type dirty struct {
	flags int
	at    time.Time
}

type pendingPull struct {
	timer *time.Timer
	gen   uint64
}

// orphanTTL how long an alert tombstone without a known owner is kept.
const orphanTTL = 10 * time.Minute

// Engine the monitoring core.
type Engine struct {
	opts    Options
	fetcher Fetcher
	mirror  Mirror
	logger  *zap.Logger

	cache  *cache.Cache
	router *router.Router
	alerts *alerts.Manager
	scorer risk.Scorer

	ops     chan func()
	stopped chan struct{}
	stop    sync.Once
	runCtx  context.Context
	bg      sync.WaitGroup
	failed  chan error

	mirrorMu      sync.Mutex
	mirrorPending map[string]mirrorWrite
	mirrorBusy    map[string]bool

	// loop-owned state
	dirty         map[string]*dirty
	pending       map[cache.Key]*pendingPull
	inflight      map[cache.Key]bool
	again         map[cache.Key]bool
	stale         map[cache.Key]bool
	patientAlerts map[string]map[string]struct{}
	alertOwner    map[string]string
	patientVitals map[string]map[models.Metric]struct{}
	orphans       map[cache.Key]time.Time
	gen           uint64
	halted        error
}

// New creates an engine. Call Run before any other method.
func New(opts Options, deps Deps, logger *zap.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Ranges == nil {
		opts.Ranges = classifier.DefaultRanges()
	}
	if opts.Thresholds == (risk.Thresholds{}) {
		opts.Thresholds = risk.DefaultThresholds()
	}

	e := &Engine{
		opts:          opts,
		fetcher:       deps.Fetcher,
		mirror:        deps.Mirror,
		logger:        logger,
		cache:         cache.New(logger),
		scorer:        risk.NewScorer(opts.Thresholds),
		ops:           make(chan func(), 256),
		stopped:       make(chan struct{}),
		runCtx:        context.Background(),
		failed:        make(chan error, 1),
		mirrorPending: make(map[string]mirrorWrite),
		mirrorBusy:    make(map[string]bool),
		dirty:         make(map[string]*dirty),
		pending:       make(map[cache.Key]*pendingPull),
		inflight:      make(map[cache.Key]bool),
		again:         make(map[cache.Key]bool),
		stale:         make(map[cache.Key]bool),
		patientAlerts: make(map[string]map[string]struct{}),
		alertOwner:    make(map[string]string),
		patientVitals: make(map[string]map[models.Metric]struct{}),
		orphans:       make(map[cache.Key]time.Time),
	}
	e.router = router.New(e, opts.Clock, logger)
	e.alerts = alerts.NewManager(alertStore{e}, deps.Intents, opts.Clock, logger)
	return e
}

// Run processes operations until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer e.stop.Do(func() {
		close(e.stopped)
		for _, p := range e.pending {
			p.timer.Stop()
		}
	})

	e.logger.Info("Engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return nil
		case op := <-e.ops:
			e.turn(op)
		}
	}
}

// turn runs one operation and recomputes every derived key it touched.
func (e *Engine) turn(op func()) {
	op()
	e.flush()
}

// Do runs fn on the loop and waits for it. fn must not call back into the
// engine's blocking methods.
func (e *Engine) Do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Post queues fn without waiting. Dropped once the loop stopped.
func (e *Engine) Post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.stopped:
	}
}

// Failed delivers the first fatal pull error. No pull or intent is sent
// after it fires.
func (e *Engine) Failed() <-chan error { return e.failed }

// Wait blocks until background fetches, mirror writes and intents finished.
// Call it after Run returned; until then the loop may start more work.
func (e *Engine) Wait() {
	e.bg.Wait()
	e.alerts.Wait()
}

// Get returns the cached entry for key.
func (e *Engine) Get(key cache.Key) (cache.Entry, bool, error) {
	var (
		entry cache.Entry
		ok    bool
	)
	err := e.Do(func() { entry, ok = e.cache.Get(key) })
	return entry, ok, err
}

// Watch subscribes obs to key and pulls it when nothing is cached yet.
// Observers run on the loop and must not block on the engine.
func (e *Engine) Watch(key cache.Key, obs cache.Observer) error {
	return e.Do(func() {
		e.cache.Subscribe(key, obs)
		e.prime(key)
	})
}

// Unwatch removes obs. Once nothing observes or pins the key its entry is
// evicted and pending pulls for it are cancelled.
func (e *Engine) Unwatch(key cache.Key, obs cache.Observer) error {
	return e.Do(func() {
		e.cache.Unsubscribe(key, obs)
		e.release(key)
	})
}

// Pin keeps key cached without observers and pulls it on every reconnect.
func (e *Engine) Pin(key cache.Key) error {
	return e.Do(func() {
		e.cache.Pin(key)
		e.prime(key)
	})
}

// Unpin clears the pin.
func (e *Engine) Unpin(key cache.Key) error {
	return e.Do(func() {
		e.cache.Unpin(key)
		e.release(key)
	})
}

// Acknowledge acknowledges an alert. Unknown, acknowledged or dismissed
// alerts are a no-op.
func (e *Engine) Acknowledge(alertID string) (bool, error) {
	var ok bool
	err := e.Do(func() { ok = e.alerts.Acknowledge(alertID) })
	return ok, err
}

// Dismiss removes an alert from the active set. Unknown alerts are a no-op.
func (e *Engine) Dismiss(alertID string) (bool, error) {
	var ok bool
	err := e.Do(func() { ok = e.alerts.Dismiss(alertID) })
	return ok, err
}

// HandlePush routes a push event without waiting for it.
func (e *Engine) HandlePush(ev router.Event) {
	e.Post(func() { _ = e.router.Route(ev) })
}

// ApplyPull applies a pull result, e.g. a replayed mirror snapshot. Results
// for keys nobody watches are discarded.
func (e *Engine) ApplyPull(res router.PullResult) error {
	var err error
	if doErr := e.Do(func() { err = e.applyPull(res) }); doErr != nil {
		return doErr
	}
	return err
}

// Refresh pulls key now.
func (e *Engine) Refresh(key cache.Key) error {
	return e.Do(func() {
		for _, t := range targetsOf(key) {
			e.startFetch(t)
		}
	})
}

// RefreshPinned pulls every pinned key. Used after a reconnect.
func (e *Engine) RefreshPinned() {
	e.Post(func() {
		for _, k := range e.cache.PinnedKeys() {
			for _, t := range targetsOf(k) {
				e.startFetch(t)
			}
		}
	})
}

// IsStale reports whether the last pull for key failed.
func (e *Engine) IsStale(key cache.Key) (bool, error) {
	var stale bool
	err := e.Do(func() {
		for _, t := range targetsOf(key) {
			if e.stale[t] {
				stale = true
			}
		}
	})
	return stale, err
}

// Summaries returns every cached patient summary sorted by patient id.
func (e *Engine) Summaries() ([]models.PatientStatusSummary, error) {
	var out []models.PatientStatusSummary
	err := e.Do(func() {
		for _, entry := range e.cache.Entries(models.DerivedSummary) {
			out = append(out, entry.Value.(models.PatientStatusSummary))
		}
	})
	return out, err
}

// ActiveAlerts returns the cached active alerts of a patient, newest first.
func (e *Engine) ActiveAlerts(patientID string) ([]models.AlertRecord, error) {
	var out []models.AlertRecord
	err := e.Do(func() { out = e.activeAlerts(patientID) })
	return out, err
}

// prime pulls the targets of key that have nothing cached.
func (e *Engine) prime(key cache.Key) {
	if pid, ok := models.PatientOf(key); ok {
		e.markDirty(pid, time.Time{}, derivedFlag(key.Type))
	}
	if _, ok := e.cache.Get(key); ok {
		return
	}
	for _, t := range targetsOf(key) {
		if _, ok := e.cache.Get(t); ok {
			continue
		}
		e.startFetch(t)
	}
}

func derivedFlag(keyType string) int {
	switch keyType {
	case models.DerivedSummary:
		return dirtySummary
	case models.DerivedAlerts:
		return dirtyAlerts
	case models.DerivedVitals:
		return dirtyVitals
	}
	return 0
}

// release cancels pending pulls nobody needs and drops the raw entries of
// patients nobody watches.
func (e *Engine) release(key cache.Key) {
	for _, t := range targetsOf(key) {
		if e.targetWanted(t) {
			continue
		}
		if p, ok := e.pending[t]; ok {
			p.timer.Stop()
			delete(e.pending, t)
			e.logger.Debug("Cancelled pending pull", zap.String("key", t.String()))
		}
		delete(e.again, t)
		delete(e.stale, t)
	}

	pid, ok := models.PatientOf(key)
	if !ok || e.patientInterested(pid) {
		return
	}
	for id := range e.patientAlerts[pid] {
		e.cache.Evict(models.AlertKey(id))
		delete(e.alertOwner, id)
	}
	for m := range e.patientVitals[pid] {
		e.cache.Evict(models.VitalKey(pid, m))
	}
	e.cache.Evict(models.PatientKey(pid))
	e.cache.Evict(models.AllocationKey(pid))
	e.cache.Evict(models.TrendKey(pid))
	delete(e.patientAlerts, pid)
	delete(e.patientVitals, pid)
	delete(e.dirty, pid)
}

// targetsOf maps an observed key to the keys its pulls are issued for.
func targetsOf(key cache.Key) []cache.Key {
	switch key.Type {
	case models.DerivedSummary:
		return []cache.Key{models.PatientKey(key.ID), models.AlertsKey(key.ID)}
	case models.EntityPatient, models.DerivedAlerts, models.DerivedVitals, models.EntityTrend, models.EntityAppointment:
		return []cache.Key{key}
	}
	return nil
}

func (e *Engine) targetWanted(t cache.Key) bool {
	if t.Type == models.EntityAppointment {
		return e.cache.HasInterest(t)
	}
	return e.patientInterested(t.ID)
}

// patientInterested reports whether any key of the patient is observed or
// pinned.
func (e *Engine) patientInterested(pid string) bool {
	for _, k := range []cache.Key{
		models.PatientKey(pid),
		models.SummaryKey(pid),
		models.AlertsKey(pid),
		models.VitalsKey(pid),
		models.TrendKey(pid),
		models.AllocationKey(pid),
	} {
		if e.cache.HasInterest(k) {
			return true
		}
	}
	return false
}
