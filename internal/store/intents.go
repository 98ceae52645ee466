package store

import (
	"context"
	"fmt"
	"time"

	rediscommon "wisefido-monitor/common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultIntentStream stream alert intents are published to.
const DefaultIntentStream = "wisefido:monitor:intents"

// Intent one alert transition for the system of record.
type Intent struct {
	RequestID   string    `json:"request_id"`
	Action      string    `json:"action"`
	AlertID     string    `json:"alert_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// StreamIntentSink publishes intents to a Redis stream instead of calling the
// REST API.
type StreamIntentSink struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamIntentSink creates the sink.
func NewStreamIntentSink(client *redis.Client, stream string, logger *zap.Logger) *StreamIntentSink {
	if stream == "" {
		stream = DefaultIntentStream
	}
	return &StreamIntentSink{client: client, stream: stream, logger: logger}
}

// AcknowledgeAlert implements alerts.IntentSink.
func (s *StreamIntentSink) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.publish(ctx, "acknowledge", id)
}

// DismissAlert implements alerts.IntentSink.
func (s *StreamIntentSink) DismissAlert(ctx context.Context, id string) error {
	return s.publish(ctx, "dismiss", id)
}

func (s *StreamIntentSink) publish(ctx context.Context, action, id string) error {
	intent := Intent{
		RequestID:   uuid.NewString(),
		Action:      action,
		AlertID:     id,
		RequestedAt: time.Now().UTC(),
	}
	msgID, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, intent)
	if err != nil {
		return fmt.Errorf("failed to publish %s intent: %w", action, err)
	}
	s.logger.Debug("Published alert intent",
		zap.String("stream", s.stream),
		zap.String("message_id", msgID),
		zap.String("request_id", intent.RequestID),
		zap.String("action", action),
	)
	return nil
}
