package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"

	"notebook-scheduler/internal/config"
)

const recurringTag = "recurring_submission"

// ScheduleLoader returns the current set of recurring submissions.
type ScheduleLoader func() ([]config.ScheduleConfig, error)

// RecurringService submits configured task documents on cron schedules.
type RecurringService struct {
	Scheduler  gocron.Scheduler
	Submitter  Submitter
	Loader     ScheduleLoader
	appContext context.Context

	mu sync.Mutex // serializes reloads
}

func NewRecurringService(ctx context.Context, submitter Submitter, loader ScheduleLoader) (*RecurringService, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &RecurringService{Scheduler: s, Submitter: submitter, Loader: loader, appContext: ctx}, nil
}

// StaticSchedules is a loader that always returns schedules.
func StaticSchedules(schedules []config.ScheduleConfig) ScheduleLoader {
	return func() ([]config.ScheduleConfig, error) { return schedules, nil }
}

func (s *RecurringService) Start() error {
	hlog.Infof("RecurringService starting...")
	s.Scheduler.Start()
	n, err := s.LoadAndSchedule()
	if err != nil {
		return err
	}
	hlog.Infof("RecurringService started with %d schedules.", n)
	return nil
}

func (s *RecurringService) Stop() {
	hlog.Infof("RecurringService stopping...")
	if err := s.Scheduler.Shutdown(); err != nil {
		hlog.Errorf("Error shutting down gocron scheduler: %v", err)
	}
}

// LoadAndSchedule replaces every recurring job with the loader's current
// schedules and returns how many were scheduled. Invalid entries are logged
// and skipped.
func (s *RecurringService) LoadAndSchedule() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.Loader()
	if err != nil {
		return 0, fmt.Errorf("failed to load schedules: %w", err)
	}
	s.Scheduler.RemoveByTags(recurringTag)

	scheduled := 0
	for _, sc := range schedules {
		doc, err := sc.Document()
		if err != nil {
			hlog.Errorf("RecurringService: schedule %q has an unencodable task: %v", sc.Name, err)
			continue
		}
		withSeconds := len(strings.Fields(sc.Cron)) == 6
		job, err := s.Scheduler.NewJob(
			gocron.CronJob(sc.Cron, withSeconds),
			gocron.NewTask(s.ExecuteScheduledSubmission, sc.Name, doc),
			gocron.WithName(sc.Name),
			gocron.WithTags(recurringTag, "schedule:"+sc.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			hlog.Errorf("RecurringService: error scheduling %q with cron '%s': %v", sc.Name, sc.Cron, err)
			continue
		}
		scheduled++
		if next, err := job.NextRun(); err == nil {
			hlog.Infof("RecurringService: scheduled %q with cron '%s', next run %s", sc.Name, sc.Cron, next.Format(time.RFC3339))
		}
	}
	return scheduled, nil
}

// ExecuteScheduledSubmission is called by gocron when a schedule fires.
func (s *RecurringService) ExecuteScheduledSubmission(name string, doc []byte) {
	ctx, cancel := context.WithTimeout(s.appContext, time.Minute)
	defer cancel()
	id, err := s.Submitter.SubmitDocument(ctx, doc)
	if err != nil {
		hlog.Errorf("RecurringService: schedule %q submission failed: %v", name, err)
		return
	}
	hlog.Infof("RecurringService: schedule %q submitted task %s", name, id)
}

// Jobs lists the scheduled job names.
func (s *RecurringService) Jobs() []string {
	jobs := s.Scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}
