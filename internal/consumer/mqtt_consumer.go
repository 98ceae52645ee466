// Package consumer 从 MQTT 接收床旁生命体征读数
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqttcommon "wisefido-monitor/common/mqtt"
	"wisefido-monitor/internal/models"
	"wisefido-monitor/internal/router"

	"go.uber.org/zap"
)

// DefaultTopic 订阅主题，格式 vitals/{patient_id}/{metric}
const DefaultTopic = "vitals/+/+"

// Subscriber MQTT 订阅能力（common/mqtt.Client 满足）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Pusher 接收解码后的读数（作为推送事件）
type Pusher interface {
	HandlePush(ev router.Event)
}

// VitalsConsumer MQTT 生命体征消费者
type VitalsConsumer struct {
	sub    Subscriber
	push   Pusher
	topic  string
	clock  func() time.Time
	logger *zap.Logger
}

// NewVitalsConsumer 创建消费者
func NewVitalsConsumer(sub Subscriber, push Pusher, topic string, logger *zap.Logger) *VitalsConsumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &VitalsConsumer{
		sub:    sub,
		push:   push,
		topic:  topic,
		clock:  time.Now,
		logger: logger,
	}
}

// Start 订阅主题
func (c *VitalsConsumer) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(c.topic, 1, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to vitals topic: %w", err)
	}
	c.logger.Info("Vitals consumer started", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *VitalsConsumer) Stop(ctx context.Context) error {
	if err := c.sub.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("Vitals consumer stopped")
	return nil
}

// devicePayload 床旁设备上报的读数，患者与指标可能只出现在主题中
type devicePayload struct {
	PatientID  string        `json:"patientId"`
	Metric     models.Metric `json:"metric"`
	Value      *float64      `json:"value"`
	Unit       string        `json:"unit"`
	RecordedAt *time.Time    `json:"recordedAt"`
	// Timestamp 旧固件上报的 unix 秒
	Timestamp int64 `json:"timestamp"`
}

// handleMessage 解析消息并投递到引擎
func (c *VitalsConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	reading, err := c.decode(topic, payload)
	if err != nil {
		return err
	}

	b, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	c.push.HandlePush(router.Event{
		Type:      router.EventVitalReading,
		Payload:   b,
		Timestamp: reading.RecordedAt,
	})
	return nil
}

func (c *VitalsConsumer) decode(topic string, payload []byte) (models.VitalReading, error) {
	var p devicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.VitalReading{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if p.Value == nil {
		return models.VitalReading{}, fmt.Errorf("reading on %s has no value", topic)
	}

	// 主题格式: vitals/{patient_id}/{metric}
	if parts := strings.Split(topic, "/"); len(parts) >= 3 {
		if p.PatientID == "" {
			p.PatientID = parts[len(parts)-2]
		}
		if p.Metric == "" {
			p.Metric = models.Metric(parts[len(parts)-1])
		}
	}

	r := models.VitalReading{
		PatientID: p.PatientID,
		Metric:    p.Metric,
		Value:     *p.Value,
		Unit:      p.Unit,
	}
	switch {
	case p.RecordedAt != nil:
		r.RecordedAt = p.RecordedAt.UTC()
	case p.Timestamp > 0:
		r.RecordedAt = time.Unix(p.Timestamp, 0).UTC()
	default:
		r.RecordedAt = c.clock().UTC()
	}

	if err := r.Validate(); err != nil {
		return models.VitalReading{}, fmt.Errorf("invalid reading on %s: %w", topic, err)
	}
	return r, nil
}
