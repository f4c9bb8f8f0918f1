package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"

	"notebook-scheduler/internal/app"
	"notebook-scheduler/internal/config"
	"notebook-scheduler/internal/health"
	tmKafka "notebook-scheduler/internal/task-manager/kafka"
	"notebook-scheduler/internal/task-manager/services"
)

// task-worker runs the scheduler without the REST surface: tasks arrive on the
// Kafka intake topic only.
func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	workers := flag.Int("workers", 0, "number of scheduler workers")
	flag.Parse()

	log.Println("Starting Task Worker Service...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}
	if cfg.Kafka.IntakeTopic == "" {
		log.Fatalf("Task Worker needs kafka.intake_topic (or INTAKE_TOPIC) to receive tasks")
	}
	app.SetupLogging(cfg.Log.Level)

	a, err := app.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build scheduler: %v", err)
	}
	if err := a.Scheduler.Start(cfg.Scheduler.Workers); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	healthServer, err := health.NewServer(cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("Failed to create health server: %v", err)
	}
	go func() {
		if err := healthServer.Serve(); err != nil {
			hlog.Errorf("Health server error: %v", err)
		}
	}()
	go healthServer.Track(ctx, a.Scheduler, time.Second)

	reader := tmKafka.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.IntakeTopic, cfg.Kafka.IntakeGroupID)
	intake := services.NewIntakeService(reader, a.Scheduler)
	intake.StartConsuming(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	hlog.Infof("Task Worker listening on %s with %d workers", cfg.Kafka.IntakeTopic, cfg.Scheduler.Workers)

	select {
	case sig := <-signals:
		hlog.Infof("Task Worker: shutdown signal received (%s).", sig)
	case <-intake.Done():
		hlog.Warnf("Task Worker: intake consumer exited.")
	}

	cancel()
	<-intake.Done()
	intake.Close()
	a.Close()
	healthServer.Stop()
	log.Println("Task Worker stopped.")
}
