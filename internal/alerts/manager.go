// Package alerts owns the alert state machine: raised, acknowledged and
// dismissed. Dismissed alerts are removed from the active set.
package alerts

import (
	"context"
	"sync"
	"time"

	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// Store the cache-side view of alerts. Writes use local priority.
type Store interface {
	Alert(id string) (models.AlertRecord, bool)
	PutAlert(a models.AlertRecord, at time.Time) bool
	RemoveAlert(id string, at time.Time) bool
}

// IntentSink mirrors transitions to the system of record.
type IntentSink interface {
	AcknowledgeAlert(ctx context.Context, id string) error
	DismissAlert(ctx context.Context, id string) error
}

// Manager applies lifecycle transitions. It is called from the engine loop;
// intents are sent on their own goroutines.
type Manager struct {
	store   Store
	sink    IntentSink
	clock   func() time.Time
	timeout time.Duration
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewManager creates a manager. sink may be nil to skip intents.
func NewManager(store Store, sink IntentSink, clock func() time.Time, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		store:   store,
		sink:    sink,
		clock:   clock,
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Acknowledge sets acknowledgedAt = now. Acknowledging an acknowledged,
// dismissed or unknown alert is a no-op. Reports whether a transition
// happened.
func (m *Manager) Acknowledge(id string) bool {
	a, ok := m.store.Alert(id)
	if !ok || a.Acknowledged() {
		return false
	}

	now := m.clock()
	a = a.Clone()
	a.AcknowledgedAt = &now
	if !m.store.PutAlert(a, now) {
		return false
	}

	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", id),
		zap.String("patient_id", a.PatientID),
	)
	m.send("acknowledge", id, m.sinkAck)
	return true
}

// Dismiss removes the alert from the active set regardless of its state.
// Dismissing an unknown alert is a no-op.
func (m *Manager) Dismiss(id string) bool {
	a, ok := m.store.Alert(id)
	if !ok {
		return false
	}
	if !m.store.RemoveAlert(id, m.clock()) {
		return false
	}

	m.logger.Info("Alert dismissed",
		zap.String("alert_id", id),
		zap.String("patient_id", a.PatientID),
		zap.String("from_state", string(a.State())),
	)
	m.send("dismiss", id, m.sinkDismiss)
	return true
}

func (m *Manager) sinkAck(ctx context.Context, id string) error {
	return m.sink.AcknowledgeAlert(ctx, id)
}

func (m *Manager) sinkDismiss(ctx context.Context, id string) error {
	return m.sink.DismissAlert(ctx, id)
}

// send fires one intent. Failures are logged only; the next push or pull is
// the source of truth.
func (m *Manager) send(intent, id string, fn func(context.Context, string) error) {
	if m.sink == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := fn(ctx, id); err != nil {
			m.logger.Warn("Failed to send alert intent",
				zap.String("intent", intent),
				zap.String("alert_id", id),
				zap.Error(err),
			)
		}
	}()
}

// StopIntents drops every later intent. Call it from the goroutine that
// drives the manager.
func (m *Manager) StopIntents() {
	m.sink = nil
}

// Wait blocks until every in-flight intent finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
