// Package config loads the scheduler configuration.
//
// Loading order, later steps win:
//  1. built-in defaults
//  2. .env (via godotenv, only fills variables that are not already set)
//  3. YAML file (explicit path or configs/scheduler.yaml)
//  4. environment variables
//
// Command line flags are applied by the caller on top of the result.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr       = ":5000"
	DefaultGRPCAddr         = ":5001"
	DefaultMetricsAddr      = ":9090"
	DefaultWorkerCount      = 4
	DefaultWarmUp           = 10 * time.Second
	DefaultUIPort           = "32263"
	DefaultFrameworkVersion = "1.5.0-py3"
	DefaultAPIVersion       = "2017-02-13"
	DefaultSubmitTimeout    = 60 * time.Second
	DefaultMaxRedirects     = 10
	DefaultEventsTopic      = "notebook_task_status"
	DefaultIntakeGroupID    = "notebook-scheduler-intake"
	DefaultStatusTTL        = 24 * time.Hour
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Jupyter     JupyterConfig     `yaml:"jupyter"`
	FfDL        FfDLConfig        `yaml:"ffdl"`
	Database    DatabaseConfig    `yaml:"database"`
	Status      StatusConfig      `yaml:"status"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Log         LogConfig         `yaml:"log"`
	Schedules   []ScheduleConfig  `yaml:"schedules"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type SchedulerConfig struct {
	Workers int `yaml:"workers"`
	// TaskTimeout bounds a single Execute call. Zero means no deadline.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// Applied by the REST layer to documents that omit host / kernelspec.
	DefaultGatewayHost string `yaml:"default_gateway_host"`
	DefaultKernelSpec  string `yaml:"default_kernelspec"`
}

type JupyterConfig struct {
	WarmUp         time.Duration `yaml:"warm_up"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type FfDLConfig struct {
	WorkDir          string        `yaml:"work_dir"`
	UIPort           string        `yaml:"ui_port"`
	FrameworkVersion string        `yaml:"framework_version"`
	APIVersion       string        `yaml:"api_version"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	MaxRedirects     int           `yaml:"max_redirects"`
	KeepArtifacts    bool          `yaml:"keep_artifacts"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite or mysql
	DSN  string `yaml:"dsn"`
}

type StatusConfig struct {
	Backend string        `yaml:"backend"` // gorm or redis
	TTL     time.Duration `yaml:"ttl"`     // redis only
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	EventsTopic   string   `yaml:"events_topic"`
	IntakeTopic   string   `yaml:"intake_topic"`
	IntakeGroupID string   `yaml:"intake_group_id"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type ObjectStoreConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	UseSSL        bool   `yaml:"use_ssl"`
	Bucket        string `yaml:"bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

// Enabled reports whether an object store endpoint is configured.
func (o ObjectStoreConfig) Enabled() bool { return o.Endpoint != "" }

type LogConfig struct {
	Level string `yaml:"level"`
}

// ScheduleConfig is a recurring submission: the task document is submitted
// every time the cron expression fires.
type ScheduleConfig struct {
	Name string         `yaml:"name"`
	Cron string         `yaml:"cron"`
	Task map[string]any `yaml:"task"`
}

// Document renders the task as the JSON submission document.
func (s ScheduleConfig) Document() ([]byte, error) {
	return json.Marshal(s.Task)
}

var configPaths = []string{
	"configs/scheduler.yaml",
	"../configs/scheduler.yaml",
	"../../configs/scheduler.yaml",
}

var envPaths = []string{".env", "../.env", "../../.env"}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultServerAddr, GRPCAddr: DefaultGRPCAddr, MetricsAddr: DefaultMetricsAddr},
		Scheduler: SchedulerConfig{
			Workers: DefaultWorkerCount,
		},
		Jupyter: JupyterConfig{WarmUp: DefaultWarmUp, RequestTimeout: 5 * time.Minute},
		FfDL: FfDLConfig{
			WorkDir:          filepath.Join(os.TempDir(), "ffdl"),
			UIPort:           DefaultUIPort,
			FrameworkVersion: DefaultFrameworkVersion,
			APIVersion:       DefaultAPIVersion,
			SubmitTimeout:    DefaultSubmitTimeout,
			MaxRedirects:     DefaultMaxRedirects,
		},
		Database: DatabaseConfig{Type: "sqlite"},
		Status:   StatusConfig{Backend: "gorm", TTL: DefaultStatusTTL},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Kafka:    KafkaConfig{EventsTopic: DefaultEventsTopic, IntakeGroupID: DefaultIntakeGroupID},
		ObjectStore: ObjectStoreConfig{
			Bucket:        "notebook-scheduler",
			ArchivePrefix: "artifacts",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration. path may be empty, in which case the
// well-known locations are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else {
		for _, p := range configPaths {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", p, err)
			}
			break
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Server.GRPCAddr, "GRPC_ADDR")
	setString(&c.Server.MetricsAddr, "METRICS_ADDR")
	setString(&c.Scheduler.DefaultGatewayHost, "GATEWAY_HOST")
	setString(&c.Scheduler.DefaultKernelSpec, "KERNELSPEC")
	setString(&c.Database.Type, "DB_TYPE")
	setString(&c.Database.DSN, "DB_DSN")
	setString(&c.Status.Backend, "STATUS_BACKEND")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Kafka.EventsTopic, "EVENTS_TOPIC")
	setString(&c.Kafka.IntakeTopic, "INTAKE_TOPIC")
	setString(&c.Kafka.IntakeGroupID, "INTAKE_GROUP_ID")
	setString(&c.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	setString(&c.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.ObjectStore.Bucket, "MINIO_BUCKET")
	setString(&c.FfDL.WorkDir, "FFDL_WORK_DIR")
	setString(&c.Log.Level, "LOG_LEVEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_COUNT %q: %w", v, err)
		}
		c.Scheduler.Workers = n
	}
	if v := os.Getenv("TASK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TASK_TIMEOUT %q: %w", v, err)
		}
		c.Scheduler.TaskTimeout = d
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	switch c.Status.Backend {
	case "gorm", "redis":
	default:
		return fmt.Errorf("unknown status backend %q", c.Status.Backend)
	}
	switch c.Database.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}
	if c.Kafka.IntakeTopic != "" && !c.Kafka.Enabled() {
		return fmt.Errorf("kafka.intake_topic requires kafka.brokers")
	}
	for _, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedule entries need a name and a cron expression")
		}
	}
	return nil
}

// String summarises the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Server: %s, Workers: %d, DB: %s %s, Status: %s, Kafka: %v, ObjectStore: %s}",
		c.Server.Addr, c.Scheduler.Workers, c.Database.Type, maskPassword(c.Database.DSN),
		c.Status.Backend, c.Kafka.Brokers, c.ObjectStore.Endpoint)
}

func maskPassword(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return dsn
	}
	creds := dsn[:at]
	colon := strings.LastIndex(creds, ":")
	if colon < 0 || strings.HasPrefix(creds[colon+1:], "//") {
		return dsn
	}
	return creds[:colon+1] + "***" + dsn[at:]
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
