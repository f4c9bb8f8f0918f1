package kafka

import (
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

// NewKafkaProducer returns a synchronous writer for topic.
func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	producer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	hlog.Infof("Kafka producer configured for brokers: %v, topic: %s", brokers, topic)
	return producer
}

// NewKafkaReader returns a consumer group reader for topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers, GroupID: groupID, Topic: topic,
		MinBytes: 1, MaxBytes: 10e6, CommitInterval: time.Second, MaxWait: 3 * time.Second,
	})
	hlog.Infof("Kafka consumer configured for brokers: %v, topic: %s, groupID: %s", brokers, topic, groupID)
	return reader
}
