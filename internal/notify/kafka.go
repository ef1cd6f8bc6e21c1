package notify

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"fleet-monitor/cleaning/internal/domain"
)

// KafkaSender keys messages by vehicle id so one vehicle's alerts stay ordered
// within a partition.
type KafkaSender struct {
	writer *kafka.Writer
}

func NewKafkaSender(brokers []string, topic, clientID string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &KafkaSender{writer: w}, nil
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) Send(ctx context.Context, a domain.Alert, payload []byte) error {
	return s.writer.WriteMessages(ctx, alertMessage(a, payload))
}

// alertMessage keys by vehicle so one vehicle's alerts stay on one partition.
func alertMessage(a domain.Alert, payload []byte) kafka.Message {
	return kafka.Message{
		Key:   []byte(a.VehicleID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventAlertCreated)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}
}

func (s *KafkaSender) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
