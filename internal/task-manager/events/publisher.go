package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

const ContentTypeProtobuf = "application/x-protobuf"

// Publisher delivers status events to whoever tracks tasks outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev TaskStatusEvent) error
	Close() error
}

// KafkaProducerInterface is the part of *kafka.Writer the publisher uses.
type KafkaProducerInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// KafkaPublisher writes protobuf encoded events keyed by task id, so all
// events of one task land on the same partition in order.
type KafkaPublisher struct {
	Producer     KafkaProducerInterface
	WriteTimeout time.Duration
}

func NewKafkaPublisher(producer KafkaProducerInterface) *KafkaPublisher {
	return &KafkaPublisher{Producer: producer, WriteTimeout: 10 * time.Second}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev TaskStatusEvent) error {
	payloadBytes, err := ev.Marshal()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:     []byte(ev.TaskID),
		Value:   payloadBytes,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(ContentTypeProtobuf)}},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.WriteTimeout)
	defer cancel()
	if err := p.Producer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to publish status %s for task %s: %w", ev.Status, ev.TaskID, err)
	}
	hlog.Debugf("Events: published %s for task %s to topic %s", ev.Status, ev.TaskID, p.Producer.Stats().Topic)
	return nil
}

func (p *KafkaPublisher) Close() error { return p.Producer.Close() }

// NopPublisher drops every event; used when Kafka is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TaskStatusEvent) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NopPublisher{}
)
