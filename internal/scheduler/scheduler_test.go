package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"notebook-scheduler/internal/models"
	"notebook-scheduler/internal/task-manager/events"
	"notebook-scheduler/internal/task-manager/status"
	"notebook-scheduler/internal/task-worker/executors"
)

// funcExecutor adapts a function to executors.Executor.
type funcExecutor func(ctx context.Context, task *models.Task) (string, error)

func (f funcExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	return f(ctx, task)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TaskStatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.TaskStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses(taskID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fakeResolver struct {
	data  []byte
	err   error
	calls atomic.Int32
}

func (f *fakeResolver) Resolve(context.Context, string) ([]byte, error) {
	f.calls.Add(1)
	return f.data, f.err
}

type testEnv struct {
	sched     *Scheduler
	store     status.Store
	publisher *recordingPublisher
	resolver  *fakeResolver
	metrics   *Metrics
}

func newTestScheduler(t *testing.T, execs map[string]executors.Executor, opts ...func(*Options)) *testEnv {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "status.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store, err := status.NewGormStore(gormDB)
	require.NoError(t, err)

	env := &testEnv{
		store:     store,
		publisher: &recordingPublisher{},
		resolver:  &fakeResolver{data: []byte(`{"nbformat":4,"nbformat_minor":2,"cells":[]}`)},
		metrics:   NewMetrics("test", prometheus.NewRegistry()),
	}
	o := Options{
		Registry: executors.NewRegistry(execs),
		Resolver: env.resolver,
		Status:   store,
		Events:   env.publisher,
		Metrics:  env.metrics,
	}
	for _, fn := range opts {
		fn(&o)
	}
	env.sched, err = New(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		env.sched.Stop()
		_ = store.Close()
	})
	return env
}

func waitForState(t *testing.T, store status.Store, id string, want status.State) *status.Record {
	t.Helper()
	var rec *status.Record
	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.State == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return rec
}

func TestNew_RequiresRegistryAndStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Registry: executors.NewRegistry(nil)})
	assert.Error(t, err)
}

func TestSubmit_MissingHostLeavesQueueUntouched(t *testing.T) {
	env := newTestScheduler(t, nil)
	task := validJupyterTask()
	task.Host = ""

	before := env.sched.QueueLen()
	id, err := env.sched.Submit(context.Background(), task)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, id)
	assert.Equal(t, before, env.sched.QueueLen())

	recs, err := env.sched.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.TasksRejected.WithLabelValues("validation")))
}

func TestSubmit_ResolvesLocationOnce(t *testing.T) {
	env := newTestScheduler(t, nil)
	task := validJupyterTask()
	task.Notebook = nil
	task.NotebookLocation = "http://notebooks/nb.ipynb"

	id, err := env.sched.Submit(context.Background(), task)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, int32(1), env.resolver.calls.Load())
	assert.Nil(t, task.Notebook, "caller's task is not modified")

	queued, ok := env.sched.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, id, queued.ID)
	assert.JSONEq(t, string(env.resolver.data), string(queued.Notebook))
}

func TestSubmit_ResolutionFailureIsSynchronous(t *testing.T) {
	env := newTestScheduler(t, nil)
	env.resolver.err = errors.New("connection refused")
	task := validJupyterTask()
	task.Notebook = nil
	task.NotebookLocation = "http://notebooks/nb.ipynb"

	_, err := env.sched.Submit(context.Background(), task)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "http://notebooks/nb.ipynb", rerr.Location)
	assert.Equal(t, 0, env.sched.QueueLen())
}

func TestSubmit_AssignsFreshIDs(t *testing.T) {
	env := newTestScheduler(t, nil)
	task := validJupyterTask()
	task.ID = "caller-chosen"

	id1, err := env.sched.Submit(context.Background(), task)
	require.NoError(t, err)
	id2, err := env.sched.Submit(context.Background(), task)
	require.NoError(t, err)

	assert.NotEqual(t, "caller-chosen", id1)
	assert.NotEqual(t, id1, id2)

	rec, err := env.sched.Status(context.Background(), id1)
	require.NoError(t, err)
	assert.Equal(t, status.StatePending, rec.State)
	assert.Equal(t, []string{"PENDING"}, env.publisher.statuses(id1))
}

func TestSubmit_InvalidInlineNotebook(t *testing.T) {
	env := newTestScheduler(t, nil)
	task := validJupyterTask()
	task.Notebook = []byte(`{"nbformat":`)

	_, err := env.sched.Submit(context.Background(), task)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, env.sched.QueueLen())
}

func TestScheduler_DequeuesByPriorityThenSubmission(t *testing.T) {
	var mu sync.Mutex
	var order []int
	exec := funcExecutor(func(_ context.Context, task *models.Task) (string, error) {
		mu.Lock()
		order = append(order, task.Priority*10+len(task.NotebookName))
		mu.Unlock()
		return "ok", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})

	submit := func(priority int, name string) string {
		task := validJupyterTask()
		task.Priority = priority
		task.NotebookName = name
		id, err := env.sched.Submit(context.Background(), task)
		require.NoError(t, err)
		return id
	}
	submit(2, "a")
	submit(1, "a")
	last := submit(2, "bb")
	submit(1, "bb")

	require.NoError(t, env.sched.Start(1))
	waitForState(t, env.store, last, status.StateSucceeded)
	env.sched.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{11, 12, 21, 22}, order)
}

func TestScheduler_StopWaitsForWorkers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var active atomic.Int32
	exec := funcExecutor(func(context.Context, *models.Task) (string, error) {
		active.Add(1)
		defer active.Add(-1)
		started <- struct{}{}
		<-release
		return "done", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(2))

	for i := 0; i < 2; i++ {
		_, err := env.sched.Submit(context.Background(), validJupyterTask())
		require.NoError(t, err)
	}
	<-started
	<-started

	stopped := make(chan struct{})
	go func() {
		env.sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while tasks were still executing")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateStopping, env.sched.State())

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after tasks finished")
	}
	assert.Equal(t, int32(0), active.Load())
	assert.Equal(t, StateStopped, env.sched.State())
}

func TestScheduler_StopFailsQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	exec := funcExecutor(func(_ context.Context, task *models.Task) (string, error) {
		started <- task.ID
		<-release
		return "done", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(1))

	runningID, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)
	require.Equal(t, runningID, <-started)

	var queued []string
	for i := 0; i < 2; i++ {
		id, err := env.sched.Submit(context.Background(), validJupyterTask())
		require.NoError(t, err)
		queued = append(queued, id)
	}

	stopped := make(chan struct{})
	go func() {
		env.sched.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return env.sched.State() == StateStopping }, time.Second, time.Millisecond)
	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	rec, err := env.store.Get(context.Background(), runningID)
	require.NoError(t, err)
	assert.Equal(t, status.StateSucceeded, rec.State)

	for _, id := range queued {
		rec, err := env.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, status.StateFailed, rec.State)
		assert.Equal(t, StoppedDetail, rec.Detail)
		assert.Equal(t, []string{"PENDING", "FAILED"}, env.publisher.statuses(id))
	}
	assert.Equal(t, 0, env.sched.QueueLen())
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.TasksCompleted.WithLabelValues("jupyter", "FAILED")))
}

// slowPendingPublisher holds back PENDING events so a fast worker would
// overtake them if they were published after the push.
type slowPendingPublisher struct {
	recordingPublisher
	delay time.Duration
}

func (p *slowPendingPublisher) Publish(ctx context.Context, ev events.TaskStatusEvent) error {
	if ev.Status == string(status.StatePending) {
		time.Sleep(p.delay)
	}
	return p.recordingPublisher.Publish(ctx, ev)
}

func TestScheduler_PendingEventPrecedesWorkerEvents(t *testing.T) {
	exec := funcExecutor(func(context.Context, *models.Task) (string, error) { return "ok", nil })
	publisher := &slowPendingPublisher{delay: 50 * time.Millisecond}
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec}, func(o *Options) {
		o.Events = publisher
	})
	require.NoError(t, env.sched.Start(1))

	id, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)
	waitForState(t, env.store, id, status.StateSucceeded)

	require.Eventually(t, func() bool { return len(publisher.statuses(id)) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"PENDING", "RUNNING", "SUCCEEDED"}, publisher.statuses(id))
}

func TestScheduler_EachTaskExecutedExactlyOnce(t *testing.T) {
	const tasks, workers = 100, 8
	var counts sync.Map
	var total atomic.Int32
	exec := funcExecutor(func(_ context.Context, task *models.Task) (string, error) {
		n, _ := counts.LoadOrStore(task.ID, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		total.Add(1)
		return "ok", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(workers))

	ids := make(chan string, tasks)
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := validJupyterTask()
			task.Priority = i % 3
			id, err := env.sched.Submit(context.Background(), task)
			if assert.NoError(t, err) {
				ids <- id
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	require.Eventually(t, func() bool { return total.Load() == tasks }, 10*time.Second, 10*time.Millisecond)
	env.sched.Stop()

	seen := 0
	for id := range ids {
		n, ok := counts.Load(id)
		require.True(t, ok, "task %s never executed", id)
		assert.Equal(t, int32(1), n.(*atomic.Int32).Load(), "task %s", id)
		seen++
	}
	assert.Equal(t, tasks, seen)
	assert.Equal(t, int32(tasks), total.Load())
}

func TestScheduler_UnknownExecutorDoesNotStopWorker(t *testing.T) {
	exec := funcExecutor(func(context.Context, *models.Task) (string, error) { return "fine", nil })
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(1))

	bad := validJupyterTask()
	bad.Executor = "dlaas"
	badID, err := env.sched.Submit(context.Background(), bad)
	require.NoError(t, err)
	goodID, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)

	rec := waitForState(t, env.store, badID, status.StateFailed)
	assert.Contains(t, rec.Detail, "no executor registered for type: dlaas")
	rec = waitForState(t, env.store, goodID, status.StateSucceeded)
	assert.Equal(t, "fine", rec.Result)
}

func TestScheduler_StatusTransitions(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, task *models.Task) (string, error) {
		if task.NotebookName == "fail" {
			return "", errors.New("kernel died")
		}
		return "http://ffdl:32263/#/trainings/m1/show", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(2))

	okTask := validJupyterTask()
	okID, err := env.sched.Submit(context.Background(), okTask)
	require.NoError(t, err)
	failTask := validJupyterTask()
	failTask.NotebookName = "fail"
	failID, err := env.sched.Submit(context.Background(), failTask)
	require.NoError(t, err)

	rec := waitForState(t, env.store, okID, status.StateSucceeded)
	assert.Equal(t, "http://ffdl:32263/#/trainings/m1/show", rec.Result)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)

	rec = waitForState(t, env.store, failID, status.StateFailed)
	assert.Equal(t, "kernel died", rec.Detail)

	require.Eventually(t, func() bool { return len(env.publisher.statuses(okID)) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"PENDING", "RUNNING", "SUCCEEDED"}, env.publisher.statuses(okID))
	assert.Equal(t, []string{"PENDING", "RUNNING", "FAILED"}, env.publisher.statuses(failID))

	failed, err := env.sched.List(context.Background(), status.StateFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, failID, failed[0].TaskID)
}

func TestScheduler_RecoversExecutorPanic(t *testing.T) {
	exec := funcExecutor(func(_ context.Context, task *models.Task) (string, error) {
		if task.NotebookName == "panic" {
			panic("nil map write")
		}
		return "ok", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	require.NoError(t, env.sched.Start(1))

	p := validJupyterTask()
	p.NotebookName = "panic"
	panicID, err := env.sched.Submit(context.Background(), p)
	require.NoError(t, err)
	okID, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)

	rec := waitForState(t, env.store, panicID, status.StateFailed)
	assert.Contains(t, rec.Detail, "executor panicked: nil map write")
	waitForState(t, env.store, okID, status.StateSucceeded)
}

func TestScheduler_TaskTimeout(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, _ *models.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec}, func(o *Options) {
		o.TaskTimeout = 50 * time.Millisecond
	})
	require.NoError(t, env.sched.Start(1))

	id, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)
	rec := waitForState(t, env.store, id, status.StateFailed)
	assert.Equal(t, context.DeadlineExceeded.Error(), rec.Detail)
}

func TestScheduler_Lifecycle(t *testing.T) {
	var runs atomic.Int32
	exec := funcExecutor(func(context.Context, *models.Task) (string, error) {
		runs.Add(1)
		return "ok", nil
	})
	env := newTestScheduler(t, map[string]executors.Executor{"jupyter": exec})
	assert.Equal(t, StateStopped, env.sched.State())

	env.sched.Stop() // no-op while stopped
	assert.Error(t, env.sched.Start(0))

	id, err := env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)
	assert.Equal(t, 1, env.sched.QueueLen(), "tasks wait while stopped")

	require.NoError(t, env.sched.Start(2))
	assert.Equal(t, StateRunning, env.sched.State())
	assert.EqualError(t, env.sched.Start(1), fmt.Sprintf("scheduler is %s", StateRunning))

	waitForState(t, env.store, id, status.StateSucceeded)
	env.sched.Stop()
	assert.Equal(t, StateStopped, env.sched.State())

	require.NoError(t, env.sched.Start(1), "a stopped scheduler can be restarted")
	id, err = env.sched.Submit(context.Background(), validJupyterTask())
	require.NoError(t, err)
	waitForState(t, env.store, id, status.StateSucceeded)
	assert.Equal(t, int32(2), runs.Load())
}

func TestScheduler_SubmitDocument(t *testing.T) {
	env := newTestScheduler(t, nil)

	_, err := env.sched.SubmitDocument(context.Background(), []byte(`{"executor":"jupyter"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, env.sched.QueueLen())

	id, err := env.sched.SubmitDocument(context.Background(), []byte(`{
		"executor": "jupyter", "host": "gw:8888", "kernelspec": "python3", "priority": 3,
		"notebook": {"nbformat": 4, "nbformat_minor": 2, "cells": []}
	}`))
	require.NoError(t, err)
	queued, ok := env.sched.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, id, queued.ID)
	assert.Equal(t, 3, queued.Priority)
	assert.Equal(t, "python3", queued.KernelSpec)
}
