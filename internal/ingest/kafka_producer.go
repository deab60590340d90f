package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rescue-dispatch/internal/models"
)

const (
	DefaultDriverTopic = "driver-updates"
	DefaultEventTopic  = "trip-events"

	publishTimeout = 2 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver status updates and trip events. Both streams
// share one writer; the topic is set per message.
type KafkaProducer struct {
	writer      messageWriter
	driverTopic string
	eventTopic  string
}

func NewKafkaProducer(brokers []string, driverTopic, eventTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, driverTopic: driverTopic, eventTopic: eventTopic}
}

// PublishDriver emits a roster update keyed by driver id so a driver's updates
// stay ordered on one partition.
func (k *KafkaProducer) PublishDriver(ctx context.Context, d models.CandidateDriver) error {
	return k.publish(ctx, k.driverTopic, d.ID, d)
}

// PublishEvent emits a trip lifecycle event keyed by trip id.
func (k *KafkaProducer) PublishEvent(ctx context.Context, ev models.TripEvent) error {
	return k.publish(ctx, k.eventTopic, ev.TripID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeDriver parses a driver-updates message.
func DecodeDriver(m kafka.Message) (models.CandidateDriver, error) {
	var d models.CandidateDriver
	if err := json.Unmarshal(m.Value, &d); err != nil {
		return d, fmt.Errorf("decode driver update: %w", err)
	}
	if d.ID == "" {
		return d, fmt.Errorf("decode driver update: missing id")
	}
	if d.GearVerificationStatus == "" {
		d.GearVerificationStatus = models.GearNone
	}
	if d.GearType == "" {
		d.GearType = models.NoGear
	}
	return d, nil
}
