// Package scheduler accepts notebook tasks, keeps them in a priority queue and
// runs them on a fixed pool of workers through the registered executors.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"

	"notebook-scheduler/internal/models"
	"notebook-scheduler/internal/task-manager/events"
	"notebook-scheduler/internal/task-manager/status"
	"notebook-scheduler/internal/task-worker/executors"
)

type State string

const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Options wires a Scheduler. Registry and Status are required.
type Options struct {
	Registry *executors.Registry
	Resolver Resolver
	Status   status.Store
	Events   events.Publisher
	Metrics  *Metrics
	// TaskTimeout bounds each Execute call; zero leaves it unbounded.
	TaskTimeout time.Duration
}

type Scheduler struct {
	queue       *TaskQueue
	registry    *executors.Registry
	resolver    Resolver
	store       status.Store
	events      events.Publisher
	metrics     *Metrics
	taskTimeout time.Duration

	lifecycle sync.Mutex // serializes Start and Stop
	mu        sync.RWMutex
	state     State
	wg        sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, errors.New("scheduler needs an executor registry")
	}
	if opts.Status == nil {
		return nil, errors.New("scheduler needs a status store")
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	return &Scheduler{
		queue:       NewTaskQueue(),
		registry:    opts.Registry,
		resolver:    opts.Resolver,
		store:       opts.Status,
		events:      opts.Events,
		metrics:     opts.Metrics,
		taskTimeout: opts.TaskTimeout,
		state:       StateStopped,
	}, nil
}

func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	hlog.Infof("Scheduler: %s", st)
}

// QueueLen is the number of tasks waiting for a worker.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// Start spawns workers goroutines. Tasks submitted while stopped are picked up
// now.
func (s *Scheduler) Start(workers int) error {
	if workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st != StateStopped {
		return fmt.Errorf("scheduler is %s", st)
	}
	s.queue.Reopen()
	s.setState(StateRunning)
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	hlog.Infof("Scheduler: started %d workers (executors: %v)", workers, s.registry.Types())
	return nil
}

// StoppedDetail is the failure detail of tasks still queued when Stop ran.
const StoppedDetail = "scheduler stopped"

// Stop stops handing out tasks and returns once every worker has finished its
// current task and exited. Tasks still queued are removed and recorded as
// FAILED with StoppedDetail.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateRunning {
		return
	}
	s.queue.Close()
	s.setState(StateStopping)
	s.wg.Wait()

	dropped := s.queue.Drain()
	for _, t := range dropped {
		s.record(t, status.StateFailed, StoppedDetail, "")
		s.metrics.abandoned(t.Executor)
	}
	if len(dropped) > 0 {
		hlog.Warnf("Scheduler: %d queued tasks failed on stop", len(dropped))
	}
	s.metrics.depth(0)
	s.setState(StateStopped)
}

// Submit validates task, resolves its notebook location if needed, records it
// and queues it. The caller's task is not retained.
func (s *Scheduler) Submit(ctx context.Context, task *models.Task) (string, error) {
	if task == nil {
		return "", &ValidationError{Reason: "task is nil"}
	}
	t := task.Clone()
	t.ID = ""

	if err := Validate(t); err != nil {
		s.metrics.rejected("validation")
		return "", err
	}
	if len(t.Notebook) == 0 {
		data, err := s.resolve(ctx, t.NotebookLocation)
		if err != nil {
			s.metrics.rejected("resolution")
			return "", err
		}
		t.Notebook = data
	} else if !json.Valid(t.Notebook) {
		s.metrics.rejected("validation")
		return "", &ValidationError{Reason: "notebook is not valid JSON"}
	}

	t.ID = uuid.NewString()
	t.SubmittedAt = time.Now()

	rec := &status.Record{TaskID: t.ID, Executor: t.Executor, Priority: t.Priority, State: status.StatePending}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to record task: %w", err)
	}
	// PENDING goes out before a worker can publish RUNNING
	s.publish(ctx, t, status.StatePending, "", "")
	s.queue.Push(t)
	s.metrics.submitted(t.Executor, s.queue.Len())

	hlog.Infof("Scheduler: task %s submitted (executor=%s, priority=%d)", t.ID, t.Executor, t.Priority)
	return t.ID, nil
}

func (s *Scheduler) resolve(ctx context.Context, location string) ([]byte, error) {
	if s.resolver == nil {
		return nil, &ResolutionError{Location: location, Err: errors.New("no resolver configured")}
	}
	data, err := s.resolver.Resolve(ctx, location)
	if err != nil {
		return nil, &ResolutionError{Location: location, Err: err}
	}
	return data, nil
}

// SubmitDocument checks a raw JSON submission against the task schema, then
// submits it.
func (s *Scheduler) SubmitDocument(ctx context.Context, doc []byte) (string, error) {
	if err := ValidateDocument(doc); err != nil {
		s.metrics.rejected("validation")
		return "", err
	}
	var task models.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		s.metrics.rejected("validation")
		return "", &ValidationError{Reason: fmt.Sprintf("failed to decode task: %v", err)}
	}
	return s.Submit(ctx, &task)
}

// Status returns the record of one task; status.ErrNotFound if unknown. A
// task still queued when Stop ran is FAILED with detail StoppedDetail.
func (s *Scheduler) Status(ctx context.Context, taskID string) (*status.Record, error) {
	return s.store.Get(ctx, taskID)
}

// List returns task records newest first, filtered by state when set.
func (s *Scheduler) List(ctx context.Context, state status.State, limit int) ([]*status.Record, error) {
	return s.store.List(ctx, state, limit)
}
