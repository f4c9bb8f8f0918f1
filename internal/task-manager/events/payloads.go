package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TaskStatusEvent is published on every task state transition.
type TaskStatusEvent struct {
	TaskID    string    `json:"task_id"`
	Executor  string    `json:"executor"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal encodes the event as a protobuf Struct.
func (e TaskStatusEvent) Marshal() ([]byte, error) {
	st, err := structpb.NewStruct(map[string]interface{}{
		"task_id":   e.TaskID,
		"executor":  e.Executor,
		"status":    e.Status,
		"detail":    e.Detail,
		"result":    e.Result,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build status event struct: %w", err)
	}
	return proto.Marshal(st)
}

// UnmarshalTaskStatusEvent is the inverse of Marshal, used by consumers.
func UnmarshalTaskStatusEvent(data []byte) (TaskStatusEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return TaskStatusEvent{}, fmt.Errorf("failed to decode status event: %w", err)
	}
	f := st.GetFields()
	ev := TaskStatusEvent{
		TaskID:   f["task_id"].GetStringValue(),
		Executor: f["executor"].GetStringValue(),
		Status:   f["status"].GetStringValue(),
		Detail:   f["detail"].GetStringValue(),
		Result:   f["result"].GetStringValue(),
	}
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return TaskStatusEvent{}, fmt.Errorf("invalid status event timestamp %q: %w", ts, err)
		}
		ev.Timestamp = t
	}
	return ev, nil
}
