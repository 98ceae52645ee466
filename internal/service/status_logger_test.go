package service

import (
	"testing"

	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatusLogger_LogsTransitionsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newStatusLogger(zap.New(core))
	key := models.SummaryKey("p1")

	notify := func(s models.PatientStatusSummary) {
		_ = l.Notify(cache.Notification{Key: key, Entry: &cache.Entry{Key: key, Value: s}})
	}
	stable := models.PatientStatusSummary{PatientID: "p1", Status: models.StatusStable, Risk: models.RiskLow}
	critical := models.PatientStatusSummary{PatientID: "p1", Status: models.StatusCritical, Risk: models.RiskHigh}

	notify(stable)
	notify(stable)
	notify(critical)

	changes := logs.FilterMessage("Patient status changed").All()
	assert.Len(t, changes, 2)
	assert.Equal(t, zapcore.WarnLevel, changes[1].Level)

	_ = l.Notify(cache.Notification{Key: key, Deleted: true})
	notify(critical)
	assert.Equal(t, 3, logs.FilterMessage("Patient status changed").Len())
}

func TestStatusLogger_AlertCountAndVitals(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newStatusLogger(zap.New(core))
	key := models.AlertsKey("p1")

	_ = l.Notify(cache.Notification{Key: key, Entry: &cache.Entry{Key: key, Value: []models.AlertRecord{{ID: "a1"}}}})
	_ = l.Notify(cache.Notification{Key: key, Entry: &cache.Entry{Key: key, Value: []models.AlertRecord{{ID: "a2"}}}})
	assert.Equal(t, 1, logs.FilterMessage("Active alerts changed").Len())

	vk := models.VitalsKey("p1")
	panel := models.VitalsPanel{PatientID: "p1", Metrics: map[models.Metric]models.MetricStatus{
		models.MetricHeartRate: {Classification: models.Classification{Level: models.LevelHigh, Trend: models.TrendUp}},
		models.MetricSpO2:      {Classification: models.Classification{Level: models.LevelNormal, Trend: models.TrendStable}},
	}}
	_ = l.Notify(cache.Notification{Key: vk, Entry: &cache.Entry{Key: vk, Value: panel}})
	assert.Equal(t, 1, logs.FilterMessage("Vital out of range").Len())
}
