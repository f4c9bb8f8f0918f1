// Package app assembles the scheduler and its backing services from a Config.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notebook-scheduler/internal/config"
	"notebook-scheduler/internal/objstore"
	"notebook-scheduler/internal/scheduler"
	"notebook-scheduler/internal/task-manager/events"
	tmKafka "notebook-scheduler/internal/task-manager/kafka"
	"notebook-scheduler/internal/task-manager/status"
	"notebook-scheduler/internal/task-worker/executors"
	gorm_db "notebook-scheduler/pkg/db"
)

const metricsNamespace = "notebook_scheduler"

// App holds everything a process needs to run the scheduler. Close releases
// it in reverse order of construction.
type App struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Registry  *executors.Registry
	Store     status.Store
	Events    events.Publisher
	Objects   *objstore.Client // nil when no object store is configured
	Metrics   *prometheus.Registry

	closers []func() error
}

// Build wires the status store, event publisher, object store, executors and
// scheduler. The scheduler is returned stopped.
func Build(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: prometheus.NewRegistry()}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Kafka.Enabled() {
		producer := tmKafka.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		a.Events = events.NewKafkaPublisher(producer)
		a.closers = append(a.closers, a.Events.Close)
	} else {
		hlog.Infof("App: kafka not configured, status events are not published")
		a.Events = events.NopPublisher{}
	}

	var fetcher scheduler.ObjectFetcher
	if cfg.ObjectStore.Enabled() {
		objects, err := objstore.NewClient(cfg.ObjectStore)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create object store client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = objects.EnsureBucket(ctx)
		cancel()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Objects = objects
		fetcher = objects
	}

	a.Registry = executors.NewRegistry(a.newExecutors())

	a.Scheduler, err = scheduler.New(scheduler.Options{
		Registry:    a.Registry,
		Resolver:    scheduler.NewNotebookResolver(cfg.Jupyter.RequestTimeout, fetcher),
		Status:      a.Store,
		Events:      a.Events,
		Metrics:     scheduler.NewMetrics(metricsNamespace, a.Metrics),
		TaskTimeout: cfg.Scheduler.TaskTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newExecutors() map[string]executors.Executor {
	cfg := a.Config
	ffdl := &executors.FfDLExecutor{
		Client:           executors.NewTrainingClient(cfg.FfDL.SubmitTimeout, cfg.FfDL.MaxRedirects, cfg.FfDL.APIVersion),
		WorkDir:          cfg.FfDL.WorkDir,
		UIPort:           cfg.FfDL.UIPort,
		FrameworkVersion: cfg.FfDL.FrameworkVersion,
		KeepArtifacts:    cfg.FfDL.KeepArtifacts,
	}
	if a.Objects != nil {
		ffdl.Archiver = a.Objects
		ffdl.ArchivePrefix = cfg.ObjectStore.ArchivePrefix
	}
	return map[string]executors.Executor{
		executors.ExecutorTypeJupyter: executors.NewJupyterExecutor(executors.NewGatewayDialer(cfg.Jupyter.RequestTimeout), cfg.Jupyter.WarmUp),
		executors.ExecutorTypeFfDL:    ffdl,
	}
}

func newStore(cfg *config.Config) (status.Store, error) {
	switch cfg.Status.Backend {
	case "redis":
		store, err := status.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Status.TTL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		gormDB, err := gorm_db.NewGormDB(cfg.Database.Type, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		store, err := status.NewGormStore(gormDB)
		if err != nil {
			_ = gorm_db.Close(gormDB)
			return nil, err
		}
		return store, nil
	}
}

// Close stops the scheduler if it is running and releases every backing
// client.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			hlog.Errorf("App: close error: %v", err)
		}
	}
	a.closers = nil
}

// SetupLogging points hlog at stdout with the configured level.
func SetupLogging(level string) {
	hlog.SetOutput(os.Stdout)
	hlog.SetLevel(ParseLogLevel(level))
}

// ParseLogLevel maps a level name to hlog; unknown names mean info.
func ParseLogLevel(level string) hlog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return hlog.LevelTrace
	case "debug":
		return hlog.LevelDebug
	case "notice":
		return hlog.LevelNotice
	case "warn", "warning":
		return hlog.LevelWarn
	case "error":
		return hlog.LevelError
	case "fatal":
		return hlog.LevelFatal
	default:
		return hlog.LevelInfo
	}
}
