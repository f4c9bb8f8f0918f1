package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockKafkaProducer struct{ mock.Mock }

func (m *MockKafkaProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}
func (m *MockKafkaProducer) Close() error { args := m.Called(); return args.Error(0) }
func (m *MockKafkaProducer) Stats() kafka.WriterStats {
	args := m.Called()
	if val, ok := args.Get(0).(kafka.WriterStats); ok {
		return val
	}
	return kafka.WriterStats{}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := new(MockKafkaProducer)
	producer.On("Stats").Return(kafka.WriterStats{Topic: "notebook_task_status"}).Maybe()

	var sent []kafka.Message
	producer.On("WriteMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).([]kafka.Message)
	}).Return(nil).Once()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := TaskStatusEvent{TaskID: "t-1", Executor: "ffdl", Status: "SUCCEEDED", Result: "http://x:32263/#/trainings/m/show", Timestamp: ts}
	require.NoError(t, NewKafkaPublisher(producer).Publish(context.Background(), ev))

	require.Len(t, sent, 1)
	assert.Equal(t, []byte("t-1"), sent[0].Key)
	require.Len(t, sent[0].Headers, 1)
	assert.Equal(t, ContentTypeProtobuf, string(sent[0].Headers[0].Value))

	decoded, err := UnmarshalTaskStatusEvent(sent[0].Value)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
	producer.AssertExpectations(t)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	producer := new(MockKafkaProducer)
	producer.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := NewKafkaPublisher(producer).Publish(context.Background(), TaskStatusEvent{TaskID: "t-2", Status: "FAILED"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Contains(t, err.Error(), "t-2")
}

func TestUnmarshalTaskStatusEvent_Garbage(t *testing.T) {
	_, err := UnmarshalTaskStatusEvent([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
