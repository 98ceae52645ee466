package service

import (
	"wisefido-monitor/internal/cache"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// statusLogger observer that logs patient status transitions and alert list
// changes. Runs on the engine loop only.
type statusLogger struct {
	logger *zap.Logger
	status map[string]models.PatientStatusSummary
	alerts map[string]int
}

func newStatusLogger(logger *zap.Logger) *statusLogger {
	return &statusLogger{
		logger: logger,
		status: make(map[string]models.PatientStatusSummary),
		alerts: make(map[string]int),
	}
}

func (l *statusLogger) Notify(n cache.Notification) error {
	if n.Deleted {
		delete(l.status, n.Key.ID)
		delete(l.alerts, n.Key.ID)
		return nil
	}

	switch v := n.Entry.Value.(type) {
	case models.PatientStatusSummary:
		prev, seen := l.status[v.PatientID]
		l.status[v.PatientID] = v
		if seen && prev == v {
			return nil
		}
		log := l.logger.Info
		if v.Status == models.StatusCritical {
			log = l.logger.Warn
		}
		log("Patient status changed",
			zap.String("patient_id", v.PatientID),
			zap.String("from", string(prev.Status)),
			zap.String("status", string(v.Status)),
			zap.String("risk", string(v.Risk)),
		)
	case []models.AlertRecord:
		pid := n.Key.ID
		if prev, seen := l.alerts[pid]; seen && prev == len(v) {
			return nil
		}
		l.alerts[pid] = len(v)
		l.logger.Info("Active alerts changed",
			zap.String("patient_id", pid),
			zap.Int("count", len(v)),
		)
	case models.VitalsPanel:
		for m, st := range v.Metrics {
			if st.Classification.Level == models.LevelNormal {
				continue
			}
			l.logger.Debug("Vital out of range",
				zap.String("patient_id", v.PatientID),
				zap.String("metric", string(m)),
				zap.Float64("value", st.Latest.Value),
				zap.String("level", string(st.Classification.Level)),
				zap.String("trend", string(st.Classification.Trend)),
			)
		}
	}
	return nil
}
