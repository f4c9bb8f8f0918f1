package executors

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"notebook-scheduler/internal/models"
)

// ExecutorType constants
const (
	ExecutorTypeJupyter = "jupyter"
	ExecutorTypeFfDL    = "ffdl"
)

// Executor carries one task to completion against an external service. The
// result is a short human readable outcome (cell summary, tracking URL).
// Implementations must be safe for concurrent use by several workers.
type Executor interface {
	Execute(ctx context.Context, task *models.Task) (result string, err error)
}

var ErrUnknownExecutor = errors.New("no executor registered")

// Registry maps executor type tags to executors. It is fixed once built.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry copies executors into a new registry; later changes to the map
// are not seen.
func NewRegistry(executors map[string]Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor, len(executors))}
	for executorType, executor := range executors {
		hlog.Infof("Registering executor for type: %s", executorType)
		r.executors[executorType] = executor
	}
	return r
}

func (r *Registry) Get(executorType string) (Executor, error) {
	executor, exists := r.executors[executorType]
	if !exists {
		return nil, fmt.Errorf("%w for type: %s", ErrUnknownExecutor, executorType)
	}
	return executor, nil
}

// Types returns the registered type tags in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
