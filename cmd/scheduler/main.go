package main

import (
	"context"
	"errors"
	"flag"
	stdlog "log"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notebook-scheduler/internal/app"
	"notebook-scheduler/internal/config"
	"notebook-scheduler/internal/health"
	"notebook-scheduler/internal/task-manager/api"
	tmKafka "notebook-scheduler/internal/task-manager/kafka"
	"notebook-scheduler/internal/task-manager/services"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	gatewayHost := flag.String("gateway_host", "", "default Jupyter kernel gateway host for tasks that omit one")
	kernelSpec := flag.String("kernelspec", "", "default kernel spec for tasks that omit one")
	workers := flag.Int("workers", 0, "number of scheduler workers")
	flag.Parse()

	stdlog.Println("Notebook Scheduler starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}
	if *gatewayHost != "" {
		cfg.Scheduler.DefaultGatewayHost = *gatewayHost
	}
	if *kernelSpec != "" {
		cfg.Scheduler.DefaultKernelSpec = *kernelSpec
	}
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}
	app.SetupLogging(cfg.Log.Level)
	hlog.Infof("Loaded %s", cfg)

	appCtx, appCancel := context.WithCancel(context.Background())

	a, err := app.Build(cfg)
	if err != nil {
		stdlog.Fatalf("Failed to build scheduler: %v", err)
	}
	if err := a.Scheduler.Start(cfg.Scheduler.Workers); err != nil {
		stdlog.Fatalf("Failed to start scheduler: %v", err)
	}

	healthServer, err := health.NewServer(cfg.Server.GRPCAddr)
	if err != nil {
		stdlog.Fatalf("Failed to create health server: %v", err)
	}
	go func() {
		if err := healthServer.Serve(); err != nil {
			hlog.Errorf("Health server error: %v", err)
		}
	}()
	go healthServer.Track(appCtx, a.Scheduler, time.Second)

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{Registry: a.Metrics}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		hlog.Infof("Metrics listening on %s", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hlog.Errorf("Metrics server error: %v", err)
		}
	}()

	recurring, err := services.NewRecurringService(appCtx, a.Scheduler, services.StaticSchedules(cfg.Schedules))
	if err != nil {
		stdlog.Fatalf("Failed to create recurring service: %v", err)
	}
	if *configPath != "" {
		path := *configPath
		recurring.Loader = func() ([]config.ScheduleConfig, error) {
			fresh, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			return fresh.Schedules, nil
		}
	}
	if err := recurring.Start(); err != nil {
		stdlog.Fatalf("Failed to start recurring service: %v", err)
	}

	var intake *services.IntakeService
	if cfg.Kafka.IntakeTopic != "" {
		reader := tmKafka.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.IntakeTopic, cfg.Kafka.IntakeGroupID)
		intake = services.NewIntakeService(reader, a.Scheduler)
		intake.StartConsuming(appCtx)
	}

	h := server.Default(server.WithHostPorts(cfg.Server.Addr), server.WithExitWaitTime(5*time.Second))
	taskHandler := api.NewTaskHandler(a.Scheduler, recurring, cfg.Scheduler.DefaultGatewayHost, cfg.Scheduler.DefaultKernelSpec)
	api.RegisterRoutes(h.Engine, taskHandler)

	hlog.Infof("Notebook Scheduler running %d workers, serving HTTP on %s", cfg.Scheduler.Workers, cfg.Server.Addr)
	serve(h, func() {
		appCancel()

		recurring.Stop()
		if intake != nil {
			<-intake.Done()
			intake.Close()
		}

		// workers finish their current task; queued tasks are failed
		a.Close()
		hlog.Info("Scheduler stopped.")

		healthServer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			hlog.Errorf("Metrics server shutdown error: %v", err)
		}
	})

	stdlog.Println("Notebook Scheduler has been shut down.")
}
