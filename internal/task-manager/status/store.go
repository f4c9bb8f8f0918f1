// Package status records the lifecycle of every submitted task so callers can
// ask later whether it ran and why it failed.
package status

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// ParseState accepts the canonical upper case names; empty means "any".
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case "", StatePending, StateRunning, StateSucceeded, StateFailed:
		return st, nil
	}
	return "", errors.New("unknown task state: " + s)
}

var ErrNotFound = errors.New("task status not found")

type Record struct {
	TaskID     string     `json:"task_id"`
	Executor   string     `json:"executor"`
	Priority   int        `json:"priority"`
	State      State      `json:"state"`
	Detail     string     `json:"detail,omitempty"`
	Result     string     `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store persists task records. Implementations must be safe for concurrent use
// by the submitting goroutines and every worker.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Transition(ctx context.Context, taskID string, state State, detail, result string) error
	Get(ctx context.Context, taskID string) (*Record, error)
	// List returns records newest first. An empty state matches all; limit <= 0 means no limit.
	List(ctx context.Context, state State, limit int) ([]*Record, error)
	Close() error
}

// apply moves rec to state, stamping the start/finish times.
func apply(rec *Record, state State, detail, result string, now time.Time) {
	rec.State = state
	rec.Detail = detail
	rec.Result = result
	rec.UpdatedAt = now
	switch {
	case state == StateRunning:
		rec.StartedAt = &now
	case state.Terminal():
		rec.FinishedAt = &now
	}
}
