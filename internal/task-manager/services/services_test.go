package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"notebook-scheduler/internal/config"
	"notebook-scheduler/internal/scheduler"
)

type MockSubmitter struct{ mock.Mock }

func (m *MockSubmitter) SubmitDocument(ctx context.Context, doc []byte) (string, error) {
	args := m.Called(ctx, string(doc))
	return args.String(0), args.Error(1)
}

// countingSubmitter records documents without expectations, for cron tests.
type countingSubmitter struct {
	mu   sync.Mutex
	docs []string
}

func (c *countingSubmitter) SubmitDocument(_ context.Context, doc []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, string(doc))
	return "id", nil
}

func (c *countingSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

var nightly = config.ScheduleConfig{
	Name: "nightly",
	Cron: "0 2 * * *",
	Task: map[string]any{"executor": "jupyter", "host": "gw:8888", "kernelspec": "python3", "notebook_location": "http://x/nb.ipynb"},
}

func TestRecurringService_SchedulesValidEntries(t *testing.T) {
	schedules := []config.ScheduleConfig{
		nightly,
		{Name: "broken", Cron: "not a cron", Task: map[string]any{"executor": "jupyter"}},
	}
	svc, err := NewRecurringService(context.Background(), &countingSubmitter{}, StaticSchedules(schedules))
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Equal(t, []string{"nightly"}, svc.Jobs())
}

func TestRecurringService_ReloadReplacesJobs(t *testing.T) {
	current := []config.ScheduleConfig{nightly}
	loader := func() ([]config.ScheduleConfig, error) { return current, nil }
	svc, err := NewRecurringService(context.Background(), &countingSubmitter{}, loader)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	weekly := nightly
	weekly.Name, weekly.Cron = "weekly", "0 3 * * 0"
	current = []config.ScheduleConfig{weekly}

	n, err := svc.LoadAndSchedule()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"weekly"}, svc.Jobs())
}

func TestRecurringService_LoaderError(t *testing.T) {
	loader := func() ([]config.ScheduleConfig, error) { return nil, errors.New("config unreadable") }
	svc, err := NewRecurringService(context.Background(), &countingSubmitter{}, loader)
	require.NoError(t, err)
	defer svc.Stop()
	assert.ErrorContains(t, svc.Start(), "config unreadable")
}

func TestRecurringService_FiresWithSeconds(t *testing.T) {
	every := nightly
	every.Name, every.Cron = "every-second", "* * * * * *"
	submitter := &countingSubmitter{}
	svc, err := NewRecurringService(context.Background(), submitter, StaticSchedules([]config.ScheduleConfig{every}))
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Eventually(t, func() bool { return submitter.count() > 0 }, 3*time.Second, 20*time.Millisecond)
	submitter.mu.Lock()
	assert.JSONEq(t, `{"executor":"jupyter","host":"gw:8888","kernelspec":"python3","notebook_location":"http://x/nb.ipynb"}`, submitter.docs[0])
	submitter.mu.Unlock()
}

func TestRecurringService_ExecuteScheduledSubmission(t *testing.T) {
	submitter := new(MockSubmitter)
	submitter.On("SubmitDocument", mock.Anything, `{"executor":"jupyter"}`).Return("", errors.New("invalid task")).Once()
	svc, err := NewRecurringService(context.Background(), submitter, StaticSchedules(nil))
	require.NoError(t, err)

	svc.ExecuteScheduledSubmission("broken", []byte(`{"executor":"jupyter"}`))
	submitter.AssertExpectations(t)
}

// fakeReader serves queued messages, then io.EOF.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	errs      []error
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kafka.Message{}, err
	}
	if len(f.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestIntakeService_SubmitsAndCommits(t *testing.T) {
	reader := &fakeReader{
		errs: []error{errors.New("broker rebalancing")},
		messages: []kafka.Message{
			{Topic: "notebook_tasks", Offset: 10, Value: []byte(`{"executor":"jupyter","host":"gw"}`)},
			{Topic: "notebook_tasks", Offset: 11, Value: []byte(`not json`)},
		},
	}
	submitter := new(MockSubmitter)
	submitter.On("SubmitDocument", mock.Anything, `{"executor":"jupyter","host":"gw"}`).Return("task-1", nil).Once()
	submitter.On("SubmitDocument", mock.Anything, `not json`).Return("", &scheduler.ValidationError{Reason: "not json"}).Once()

	svc := NewIntakeService(reader, submitter)
	svc.StartConsuming(context.Background())

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop at EOF")
	}
	svc.Close()

	submitter.AssertExpectations(t)
	assert.Equal(t, []int64{10, 11}, reader.committed)
	assert.True(t, reader.closed)
}

func TestIntakeService_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader := &fakeReader{errs: []error{context.Canceled}}
	svc := NewIntakeService(reader, new(MockSubmitter))
	svc.StartConsuming(ctx)

	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on cancellation")
	}
}

func TestIntakeService_RetriesTransientFailures(t *testing.T) {
	doc := `{"executor":"jupyter","host":"gw","notebook_location":"http://nb/x.ipynb"}`
	reader := &fakeReader{messages: []kafka.Message{{Offset: 7, Value: []byte(doc)}}}
	submitter := new(MockSubmitter)
	submitter.On("SubmitDocument", mock.Anything, doc).Return("", errors.New("failed to record task: database is locked")).Once()
	submitter.On("SubmitDocument", mock.Anything, doc).Return("", &scheduler.ResolutionError{Location: "http://nb/x.ipynb", Err: &scheduler.StatusError{Code: 503}}).Once()
	submitter.On("SubmitDocument", mock.Anything, doc).Return("task-7", nil).Once()

	svc := NewIntakeService(reader, submitter)
	svc.RetryBackoff = time.Millisecond
	svc.StartConsuming(context.Background())

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop at EOF")
	}
	submitter.AssertExpectations(t)
	assert.Equal(t, []int64{7}, reader.committed)
}

func TestIntakeService_CommitsPermanentResolutionFailure(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{{Offset: 3, Value: []byte(`{}`)}}}
	submitter := new(MockSubmitter)
	submitter.On("SubmitDocument", mock.Anything, `{}`).Return("", &scheduler.ResolutionError{Location: "http://nb/gone.ipynb", Err: &scheduler.StatusError{Code: 404}}).Once()

	svc := NewIntakeService(reader, submitter)
	svc.StartConsuming(context.Background())
	<-svc.Done()

	submitter.AssertExpectations(t)
	assert.Equal(t, []int64{3}, reader.committed)
}

func TestIntakeService_UncommittedWhenCancelledDuringRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{messages: []kafka.Message{{Offset: 5, Value: []byte(`{}`)}}}
	submitter := new(MockSubmitter)
	submitter.On("SubmitDocument", mock.Anything, `{}`).
		Return("", errors.New("failed to record task: connection refused")).
		Run(func(mock.Arguments) { cancel() })

	svc := NewIntakeService(reader, submitter)
	svc.RetryBackoff = time.Hour
	svc.StartConsuming(ctx)

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on cancellation")
	}
	assert.Empty(t, reader.committed)
}
