package gateway

import (
	"encoding/json"
	"time"
)

const protocolVersion = "5.3"

// header is the Jupyter messaging protocol message header.
type header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
	Date     string `json:"date,omitempty"`
}

// message is one frame on the kernel channels websocket.
type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

type executeRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type dataContent struct {
	Data map[string]any `json:"data"`
}

type errorContent struct {
	Status    string   `json:"status,omitempty"`
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

func newExecuteRequest(session, msgID, code string) (*message, error) {
	content, err := json.Marshal(executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		return nil, err
	}
	return &message{
		Header: header{
			MsgID:   msgID,
			Session: session,
			MsgType: "execute_request",
			Version: protocolVersion,
			Date:    time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  "shell",
		Buffers:  []any{},
	}, nil
}
