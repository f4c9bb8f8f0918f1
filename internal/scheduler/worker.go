package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"notebook-scheduler/internal/models"
	"notebook-scheduler/internal/task-manager/events"
	"notebook-scheduler/internal/task-manager/status"
	"notebook-scheduler/internal/task-worker/executors"
)

// recordTimeout bounds status writes and event publishing for one transition.
const recordTimeout = 10 * time.Second

// ExecutorLookupError is a task whose executor type has no registered
// executor. The task is dropped.
type ExecutorLookupError struct {
	TaskID       string
	ExecutorType string
	Err          error
}

func (e *ExecutorLookupError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *ExecutorLookupError) Unwrap() error { return e.Err }

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	hlog.Debugf("Scheduler: worker %d started", id)
	for {
		task, ok := s.queue.Pop()
		if !ok {
			hlog.Debugf("Scheduler: worker %d exiting", id)
			return
		}
		s.metrics.dequeued(s.queue.Len())
		s.process(id, task)
	}
}

// process runs one task. Nothing here may stop the worker loop.
func (s *Scheduler) process(worker int, task *models.Task) {
	executor, err := s.registry.Get(task.Executor)
	if err != nil {
		lookupErr := &ExecutorLookupError{TaskID: task.ID, ExecutorType: task.Executor, Err: err}
		hlog.Errorf("Scheduler: worker %d dropping task: %v", worker, lookupErr)
		s.record(task, status.StateFailed, lookupErr.Error(), "")
		s.metrics.completed(task.Executor, string(status.StateFailed), 0)
		return
	}

	hlog.Infof("Scheduler: worker %d executing task %s (executor=%s)", worker, task.ID, task.Executor)
	s.record(task, status.StateRunning, "", "")

	start := time.Now()
	result, err := s.execute(executor, task)
	took := time.Since(start)

	if err != nil {
		hlog.Errorf("Scheduler: task %s (executor=%s) failed after %s: %v", task.ID, task.Executor, took, err)
		s.record(task, status.StateFailed, err.Error(), "")
		s.metrics.completed(task.Executor, string(status.StateFailed), took)
		return
	}
	hlog.Infof("Scheduler: task %s (executor=%s) succeeded after %s: %s", task.ID, task.Executor, took, result)
	s.record(task, status.StateSucceeded, "", result)
	s.metrics.completed(task.Executor, string(status.StateSucceeded), took)
}

func (s *Scheduler) execute(executor executors.Executor, task *models.Task) (result string, err error) {
	ctx := context.Background()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			hlog.Errorf("Scheduler: executor %s panicked on task %s: %v\n%s", task.Executor, task.ID, r, debug.Stack())
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, task)
}

// record persists a transition and publishes it. Failures are logged only.
func (s *Scheduler) record(task *models.Task, state status.State, detail, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.store.Transition(ctx, task.ID, state, detail, result); err != nil {
		hlog.Warnf("Scheduler: failed to record %s for task %s: %v", state, task.ID, err)
	}
	s.publish(ctx, task, state, detail, result)
}

func (s *Scheduler) publish(ctx context.Context, task *models.Task, state status.State, detail, result string) {
	err := s.events.Publish(ctx, events.TaskStatusEvent{
		TaskID:    task.ID,
		Executor:  task.Executor,
		Status:    string(state),
		Detail:    detail,
		Result:    result,
		Timestamp: time.Now(),
	})
	if err != nil {
		hlog.Warnf("Scheduler: failed to publish %s for task %s: %v", state, task.ID, err)
	}
}
