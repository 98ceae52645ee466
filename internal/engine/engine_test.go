package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []cache.Key
	results map[cache.Key][]router.PullResult
	errs    map[cache.Key]error
	gate    chan struct{}
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[cache.Key][]router.PullResult),
		errs:    make(map[cache.Key]error),
	}
}

func (f *fakeFetcher) set(key cache.Key, results ...router.PullResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[key] = results
}

func (f *fakeFetcher) fail(key cache.Key, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, key cache.Key) ([]router.PullResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate := f.gate
	results, err := f.results[key], f.errs[key]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, err
}

func (f *fakeFetcher) count(key cache.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.calls {
		if k == key {
			n++
		}
	}
	return n
}

type recordingIntents struct {
	mu   sync.Mutex
	acks []string
}

func (r *recordingIntents) AcknowledgeAlert(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, id)
	return nil
}

func (r *recordingIntents) DismissAlert(context.Context, string) error { return nil }

func (r *recordingIntents) acked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acks...)
}

type recordingMirror struct {
	mu    sync.Mutex
	saved map[string][]models.AlertRecord
	at    map[string]time.Time
}

func (m *recordingMirror) SaveAlerts(_ context.Context, pid string, alerts []models.AlertRecord, savedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]models.AlertRecord)
		m.at = make(map[string]time.Time)
	}
	m.saved[pid] = alerts
	m.at[pid] = savedAt
	return nil
}

func (m *recordingMirror) get(pid string) ([]models.AlertRecord, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.saved[pid]
	return a, m.at[pid], ok
}

// gatedMirror holds the first save until release is closed.
type gatedMirror struct {
	recordingMirror
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu    sync.Mutex
	saves int
}

func newGatedMirror() *gatedMirror {
	return &gatedMirror{started: make(chan struct{}), release: make(chan struct{})}
}

func (m *gatedMirror) SaveAlerts(ctx context.Context, pid string, alerts []models.AlertRecord, savedAt time.Time) error {
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.started)
		<-m.release
	}
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()
	return m.recordingMirror.SaveAlerts(ctx, pid, alerts, savedAt)
}

func (m *gatedMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type recordingObserver struct {
	mu  sync.Mutex
	got []cache.Notification
}

func (o *recordingObserver) Notify(n cache.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, n)
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func startEngine(t *testing.T, opts Options, deps Deps) *Engine {
	t.Helper()
	e := New(opts, deps, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Wait()
	})
	return e
}

// waitIdle waits until key was fetched n times and no pull is in flight.
func waitIdle(t *testing.T, e *Engine, f *fakeFetcher, key cache.Key, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if f.count(key) < n {
			return false
		}
		busy := true
		if err := e.Do(func() { busy = len(e.inflight) > 0 }); err != nil {
			return false
		}
		return !busy
	}, 2*time.Second, time.Millisecond)
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func alertsResult(t *testing.T, pid string, at time.Time, alerts ...models.AlertRecord) router.PullResult {
	items := make([]json.RawMessage, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, rawJSON(t, a))
	}
	return router.PullResult{EntityType: router.PullAlerts, ID: pid, Items: items, FetchedAt: at}
}

func patientResult(t *testing.T, p models.Patient, at time.Time) router.PullResult {
	return router.PullResult{EntityType: router.PullPatient, ID: p.ID, Payload: rawJSON(t, p), FetchedAt: at}
}

func summaryOf(t *testing.T, e *Engine, pid string) (models.PatientStatusSummary, bool) {
	t.Helper()
	entry, ok, err := e.Get(models.SummaryKey(pid))
	require.NoError(t, err)
	if !ok {
		return models.PatientStatusSummary{}, false
	}
	return entry.Value.(models.PatientStatusSummary), true
}

func alertList(t *testing.T, e *Engine, pid string) ([]models.AlertRecord, bool) {
	t.Helper()
	entry, ok, err := e.Get(models.AlertsKey(pid))
	require.NoError(t, err)
	if !ok {
		return nil, false
	}
	return entry.Value.([]models.AlertRecord), true
}

func warning(id, pid string) models.AlertRecord {
	return models.AlertRecord{ID: id, PatientID: pid, Severity: models.SeverityWarning, Message: "SpO2 91", CreatedAt: t0.Add(-time.Hour)}
}

func TestWatchSummary_PullsAndAcknowledgeRecomputesSynchronously(t *testing.T) {
	clock := &testClock{now: t0}
	f := newFetcher()
	f.set(models.PatientKey("p1"), patientResult(t, models.Patient{
		ID: "p1", Medications: []string{"a", "b"}, MedicalHistory: "hypertension, asthma",
	}, t0))
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1")))
	intents := &recordingIntents{}
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: f, Intents: intents})

	obs := &recordingObserver{}
	require.NoError(t, e.Watch(models.SummaryKey("p1"), obs))
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)
	waitIdle(t, e, f, models.PatientKey("p1"), 1)

	s, ok := summaryOf(t, e, "p1")
	require.True(t, ok)
	assert.Equal(t, models.StatusMonitoring, s.Status)
	assert.Equal(t, models.RiskLow, s.Risk)

	clock.Set(t0.Add(time.Minute))
	acked, err := e.Acknowledge("a1")
	require.NoError(t, err)
	assert.True(t, acked)

	s, _ = summaryOf(t, e, "p1")
	assert.Equal(t, models.StatusStable, s.Status)

	acked, err = e.Acknowledge("a1")
	require.NoError(t, err)
	assert.False(t, acked)

	require.Eventually(t, func() bool { return len(intents.acked()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a1"}, intents.acked())

	summaries, err := e.Summaries()
	require.NoError(t, err)
	assert.Equal(t, []models.PatientStatusSummary{{PatientID: "p1", Status: models.StatusStable, Risk: models.RiskLow}}, summaries)
}

func TestCriticalPushRaisesSummary(t *testing.T) {
	clock := &testClock{now: t0}
	f := newFetcher()
	f.set(models.PatientKey("p1"), patientResult(t, models.Patient{ID: "p1"}, t0))
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: f})

	require.NoError(t, e.Watch(models.SummaryKey("p1"), &recordingObserver{}))
	waitIdle(t, e, f, models.PatientKey("p1"), 1)

	e.HandlePush(router.Event{Type: router.EventAlertCreated, Payload: rawJSON(t, models.AlertRecord{
		ID: "c1", PatientID: "p1", Severity: models.SeverityCritical, CreatedAt: t0.Add(time.Second),
	})})

	s, ok := summaryOf(t, e, "p1")
	require.True(t, ok)
	assert.Equal(t, models.PatientStatusSummary{PatientID: "p1", Status: models.StatusCritical, Risk: models.RiskHigh}, s)
}

func TestDismiss_RemovesAndStalePullCannotResurrect(t *testing.T) {
	clock := &testClock{now: t0}
	f := newFetcher()
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1"), warning("a2", "p1")))
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: f})

	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)
	list, ok := alertList(t, e, "p1")
	require.True(t, ok)
	require.Len(t, list, 2)

	clock.Set(t0.Add(time.Minute))
	dismissed, err := e.Dismiss("a1")
	require.NoError(t, err)
	assert.True(t, dismissed)

	list, _ = alertList(t, e, "p1")
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].ID)

	dismissed, err = e.Dismiss("a1")
	require.NoError(t, err)
	assert.False(t, dismissed)
	dismissed, err = e.Dismiss("unknown")
	require.NoError(t, err)
	assert.False(t, dismissed)

	// the server still answers with the snapshot taken before the dismissal
	require.NoError(t, e.Refresh(models.AlertsKey("p1")))
	waitIdle(t, e, f, models.AlertsKey("p1"), 2)

	list, _ = alertList(t, e, "p1")
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].ID)
}

func TestConcurrentAcknowledgeConvergesOnLatestConfirmation(t *testing.T) {
	clock := &testClock{now: t0}
	f := newFetcher()
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1")))
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: f})
	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)

	clock.Set(t0.Add(10 * time.Second))
	_, err := e.Acknowledge("a1")
	require.NoError(t, err)

	confirm := func(at time.Time) {
		e.HandlePush(router.Event{Type: router.EventAlertUpdated, Payload: rawJSON(t, map[string]any{
			"id": "a1", "acknowledgedAt": at, "updatedAt": at,
		})})
	}
	// older than the optimistic write: ignored
	confirm(t0.Add(5 * time.Second))
	confirm(t0.Add(12 * time.Second))
	confirm(t0.Add(11 * time.Second))

	list, _ := alertList(t, e, "p1")
	require.Len(t, list, 1)
	require.NotNil(t, list[0].AcknowledgedAt)
	assert.Equal(t, t0.Add(12*time.Second), list[0].AcknowledgedAt.UTC())
}

func TestAcknowledge_SameInstantPushKeepsOptimisticWrite(t *testing.T) {
	clock := &testClock{now: t0}
	f := newFetcher()
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1")))
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: f})
	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)

	at := t0.Add(10 * time.Second)
	clock.Set(at)
	acked, err := e.Acknowledge("a1")
	require.NoError(t, err)
	require.True(t, acked)

	// server echo stamped with the same second, still without the ack
	e.HandlePush(router.Event{Type: router.EventAlertUpdated, Payload: rawJSON(t, map[string]any{
		"id": "a1", "acknowledgedAt": nil, "updatedAt": at,
	})})

	list, _ := alertList(t, e, "p1")
	require.Len(t, list, 1)
	require.NotNil(t, list[0].AcknowledgedAt)
	assert.Equal(t, at, list[0].AcknowledgedAt.UTC())
}

func TestOlderPushIsDropped(t *testing.T) {
	f := newFetcher()
	f.set(models.PatientKey("p1"), patientResult(t, models.Patient{ID: "p1", Name: "fresh"}, t0))
	e := startEngine(t, Options{}, Deps{Fetcher: f})
	require.NoError(t, e.Watch(models.PatientKey("p1"), &recordingObserver{}))
	waitIdle(t, e, f, models.PatientKey("p1"), 1)

	e.HandlePush(router.Event{Type: router.EventPatientUpdated, Payload: rawJSON(t, map[string]any{
		"id": "p1", "name": "old", "updatedAt": t0.Add(-time.Minute),
	})})

	entry, ok, err := e.Get(models.PatientKey("p1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", entry.Value.(models.Patient).Name)
}

func TestInvalidation_DebouncedAndCancelledOnUnwatch(t *testing.T) {
	f := newFetcher()
	key := models.AppointmentKey("ap1")
	f.set(key, router.PullResult{EntityType: router.PullAppointment, ID: "ap1", Payload: rawJSON(t, map[string]any{"status": "booked"}), FetchedAt: t0})
	e := startEngine(t, Options{InvalidateDelay: 30 * time.Millisecond}, Deps{Fetcher: f})

	obs := &recordingObserver{}
	require.NoError(t, e.Watch(key, obs))
	waitIdle(t, e, f, key, 1)

	for i := 0; i < 3; i++ {
		e.HandlePush(router.Event{Type: router.EventAppointmentUpdated, Payload: rawJSON(t, map[string]any{"id": "ap1"})})
	}
	waitIdle(t, e, f, key, 2)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, f.count(key))

	e.HandlePush(router.Event{Type: router.EventAppointmentUpdated, Payload: rawJSON(t, map[string]any{"id": "ap1"})})
	require.NoError(t, e.Unwatch(key, obs))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, f.count(key))
}

func TestInflightPullDiscardedAfterUnwatch(t *testing.T) {
	f := newFetcher()
	f.gate = make(chan struct{})
	f.set(models.PatientKey("p2"), patientResult(t, models.Patient{ID: "p2"}, t0))
	e := startEngine(t, Options{}, Deps{Fetcher: f})

	obs := &recordingObserver{}
	require.NoError(t, e.Watch(models.PatientKey("p2"), obs))
	require.Eventually(t, func() bool { return f.count(models.PatientKey("p2")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, e.Unwatch(models.PatientKey("p2"), obs))
	close(f.gate)
	waitIdle(t, e, f, models.PatientKey("p2"), 1)

	_, ok, err := e.Get(models.PatientKey("p2"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, obs.count())
}

func TestPullFailureKeepsLastKnownValueAndMarksStale(t *testing.T) {
	f := newFetcher()
	key := models.VitalsKey("p1")
	f.fail(key, assert.AnError)
	e := startEngine(t, Options{}, Deps{Fetcher: f})

	require.NoError(t, e.Watch(key, &recordingObserver{}))
	waitIdle(t, e, f, key, 1)
	stale, err := e.IsStale(key)
	require.NoError(t, err)
	assert.True(t, stale)

	e.HandlePush(router.Event{Type: router.EventVitalReading, Payload: rawJSON(t, models.VitalReading{
		PatientID: "p1", Metric: models.MetricSpO2, Value: 97, RecordedAt: t0,
	})})
	require.NoError(t, e.Refresh(key))
	waitIdle(t, e, f, key, 2)

	entry, ok, err := e.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, entry.Value.(models.VitalsPanel).Metrics, models.MetricSpO2)
	stale, _ = e.IsStale(key)
	assert.True(t, stale)
}

func TestVitalsPanelClassifiesLatestReading(t *testing.T) {
	e := startEngine(t, Options{}, Deps{Fetcher: newFetcher()})
	require.NoError(t, e.Watch(models.VitalsKey("p1"), &recordingObserver{}))

	for i, v := range []float64{90, 130} {
		e.HandlePush(router.Event{Type: router.EventVitalReading, Payload: rawJSON(t, models.VitalReading{
			PatientID: "p1", Metric: models.MetricHeartRate, Value: v, Unit: "bpm",
			RecordedAt: t0.Add(time.Duration(i) * time.Minute),
		})})
	}

	entry, ok, err := e.Get(models.VitalsKey("p1"))
	require.NoError(t, err)
	require.True(t, ok)
	hr := entry.Value.(models.VitalsPanel).Metrics[models.MetricHeartRate]
	assert.Equal(t, 130.0, hr.Latest.Value)
	assert.Equal(t, models.Classification{Level: models.LevelHigh, Trend: models.TrendUp}, hr.Classification)
	assert.Equal(t, t0.Add(time.Minute), entry.UpdatedAt)
}

func TestRefreshPinnedPullsPinnedKeys(t *testing.T) {
	f := newFetcher()
	e := startEngine(t, Options{}, Deps{Fetcher: f})

	require.NoError(t, e.Pin(models.PatientKey("p3")))
	waitIdle(t, e, f, models.PatientKey("p3"), 1)

	e.RefreshPinned()
	waitIdle(t, e, f, models.PatientKey("p3"), 2)

	require.NoError(t, e.Unpin(models.PatientKey("p3")))
	e.RefreshPinned()
	require.NoError(t, e.Do(func() {}))
	assert.Equal(t, 2, f.count(models.PatientKey("p3")))
}

func TestAlertListMirrored(t *testing.T) {
	f := newFetcher()
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1")))
	mirror := &recordingMirror{}
	e := startEngine(t, Options{}, Deps{Fetcher: f, Mirror: mirror})

	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))

	require.Eventually(t, func() bool {
		_, _, ok := mirror.get("p1")
		return ok
	}, time.Second, time.Millisecond)
	saved, at, _ := mirror.get("p1")
	require.Len(t, saved, 1)
	assert.Equal(t, "a1", saved[0].ID)
	assert.Equal(t, t0, at)
}

func TestAlertMirrorWritesLandInOrder(t *testing.T) {
	clock := &testClock{now: t0}
	mirror := newGatedMirror()
	e := startEngine(t, Options{Clock: clock.Now}, Deps{Fetcher: newFetcher(), Mirror: mirror})
	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))

	e.HandlePush(router.Event{Type: router.EventAlertCreated, Payload: rawJSON(t, warning("a1", "p1"))})
	select {
	case <-mirror.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first mirror write never started")
	}

	clock.Set(t0.Add(time.Minute))
	dismissed, err := e.Dismiss("a1")
	require.NoError(t, err)
	require.True(t, dismissed)
	close(mirror.release)

	require.Eventually(t, func() bool { return mirror.count() == 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Do(func() {}))
	saved, at, ok := mirror.get("p1")
	require.True(t, ok)
	assert.Empty(t, saved)
	assert.Equal(t, t0.Add(time.Minute), at)
}

func TestRejectedPullHaltsPullsAndIntents(t *testing.T) {
	errRejected := errors.New("rejected")
	f := newFetcher()
	f.fail(models.AlertsKey("p1"), fmt.Errorf("GET /alerts: %w", errRejected))
	intents := &recordingIntents{}
	e := startEngine(t, Options{
		InvalidateDelay: time.Millisecond,
		Fatal:           func(err error) bool { return errors.Is(err, errRejected) },
	}, Deps{Fetcher: f, Intents: intents})

	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))
	select {
	case err := <-e.Failed():
		assert.ErrorIs(t, err, errRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("rejected pull was not reported")
	}

	require.NoError(t, e.Refresh(models.AlertsKey("p1")))
	require.NoError(t, e.Watch(models.AppointmentKey("ap1"), &recordingObserver{}))
	e.HandlePush(router.Event{Type: router.EventAppointmentUpdated, Payload: rawJSON(t, map[string]any{"id": "ap1"})})
	e.HandlePush(router.Event{Type: router.EventAlertCreated, Payload: rawJSON(t, warning("a1", "p1"))})
	acked, err := e.Acknowledge("a1")
	require.NoError(t, err)
	assert.True(t, acked)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Do(func() {}))
	assert.Equal(t, 1, f.count(models.AlertsKey("p1")))
	assert.Zero(t, f.count(models.AppointmentKey("ap1")))
	assert.Empty(t, intents.acked())
	stale, err := e.IsStale(models.AlertsKey("p1"))
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestStopCancelsDebouncedPulls(t *testing.T) {
	f := newFetcher()
	key := models.AppointmentKey("ap1")
	e := New(Options{InvalidateDelay: 20 * time.Millisecond}, Deps{Fetcher: f}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()

	require.NoError(t, e.Watch(key, &recordingObserver{}))
	waitIdle(t, e, f, key, 1)
	e.HandlePush(router.Event{Type: router.EventAppointmentUpdated, Payload: rawJSON(t, map[string]any{"id": "ap1"})})
	require.NoError(t, e.Do(func() {}))

	cancel()
	<-done
	e.Wait()
	time.Sleep(60 * time.Millisecond)
	e.Wait()
	assert.Equal(t, 1, f.count(key))
}

func TestApplyPull_ReplayedSnapshotObeysStaleness(t *testing.T) {
	f := newFetcher()
	f.gate = make(chan struct{})
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0))
	e := startEngine(t, Options{}, Deps{Fetcher: f})
	require.NoError(t, e.Watch(models.AlertsKey("p1"), &recordingObserver{}))

	require.NoError(t, e.ApplyPull(alertsResult(t, "p1", t0.Add(-time.Hour), warning("old", "p1"))))
	list, ok := alertList(t, e, "p1")
	require.True(t, ok)
	assert.Len(t, list, 1)

	close(f.gate)
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)
	list, _ = alertList(t, e, "p1")
	assert.Empty(t, list)
}

func TestUnwatchedPatientEventsDropped(t *testing.T) {
	f := newFetcher()
	e := startEngine(t, Options{}, Deps{Fetcher: f})

	e.HandlePush(router.Event{Type: router.EventAlertCreated, Payload: rawJSON(t, warning("x1", "p9"))})
	require.NoError(t, e.Do(func() {}))

	_, ok, err := e.Get(models.AlertKey("x1"))
	require.NoError(t, err)
	assert.False(t, ok)
	alerts, err := e.ActiveAlerts("p9")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestUnwatchEvictsPatientEntries(t *testing.T) {
	f := newFetcher()
	f.set(models.AlertsKey("p1"), alertsResult(t, "p1", t0, warning("a1", "p1")))
	e := startEngine(t, Options{}, Deps{Fetcher: f})
	obs := &recordingObserver{}
	require.NoError(t, e.Watch(models.AlertsKey("p1"), obs))
	waitIdle(t, e, f, models.AlertsKey("p1"), 1)

	require.NoError(t, e.Unwatch(models.AlertsKey("p1"), obs))

	_, ok, err := e.Get(models.AlertKey("a1"))
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = alertList(t, e, "p1")
	assert.False(t, ok)
}

func TestDoAfterStopReturnsErrStopped(t *testing.T) {
	e := New(Options{}, Deps{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	assert.ErrorIs(t, e.Do(func() {}), ErrStopped)
	_, _, err := e.Get(models.PatientKey("p1"))
	assert.ErrorIs(t, err, ErrStopped)
}
