package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/router"

	"go.uber.org/zap"
)

// DefaultKeyPrefix prefix of mirrored alert lists.
const DefaultKeyPrefix = "wisefido:monitor:alerts:"

// mirrorRecord persisted form of one patient's alert list.
type mirrorRecord struct {
	SavedAt time.Time            `json:"savedAt"`
	Alerts  []models.AlertRecord `json:"alerts"`
}

// AlertMirror keeps each watched patient's active alert list in a KV store so
// a restart does not start from an empty list.
type AlertMirror struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewAlertMirror creates a mirror. An empty prefix uses DefaultKeyPrefix.
func NewAlertMirror(kv KV, prefix string, ttl time.Duration, logger *zap.Logger) *AlertMirror {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &AlertMirror{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

func (m *AlertMirror) key(patientID string) string { return m.prefix + patientID }

// SaveAlerts stores the list stamped with savedAt.
func (m *AlertMirror) SaveAlerts(ctx context.Context, patientID string, alerts []models.AlertRecord, savedAt time.Time) error {
	if alerts == nil {
		alerts = []models.AlertRecord{}
	}
	b, err := json.Marshal(mirrorRecord{SavedAt: savedAt.UTC(), Alerts: alerts})
	if err != nil {
		return fmt.Errorf("failed to marshal alert list: %w", err)
	}
	if err := m.kv.Set(ctx, m.key(patientID), string(b), m.ttl); err != nil {
		return fmt.Errorf("failed to save alert list for %s: %w", patientID, err)
	}
	return nil
}

// Load returns the mirrored list as a pull result whose FetchedAt is the
// write time, so it obeys the same staleness rule as any other pull.
func (m *AlertMirror) Load(ctx context.Context, patientID string) (router.PullResult, bool, error) {
	raw, err := m.kv.Get(ctx, m.key(patientID))
	if errors.Is(err, ErrMiss) {
		return router.PullResult{}, false, nil
	}
	if err != nil {
		return router.PullResult{}, false, fmt.Errorf("failed to load alert list for %s: %w", patientID, err)
	}

	var rec struct {
		SavedAt time.Time         `json:"savedAt"`
		Alerts  []json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Warn("Ignored corrupt alert mirror",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		return router.PullResult{}, false, nil
	}

	return router.PullResult{
		EntityType: router.PullAlerts,
		ID:         patientID,
		Items:      rec.Alerts,
		FetchedAt:  rec.SavedAt,
	}, true, nil
}
