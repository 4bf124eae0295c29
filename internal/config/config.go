package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"autoposter/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Worker      WorkerConfig      `yaml:"worker"`
	Preparation PreparationConfig `yaml:"preparation"`
	Relay       RelayConfig       `yaml:"relay"`
	Stealth     StealthConfig     `yaml:"stealth"`
	CopyGen     CopyGenConfig     `yaml:"copygen"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver       string       `yaml:"driver"` // sqlite3 or pgx
	Path         string       `yaml:"path"`
	DSN          string       `yaml:"dsn"`
	MaxOpenConns int          `yaml:"max_open_conns"`
	Backup       BackupConfig `yaml:"backup"`
}

// BackupConfig drives periodic sqlite snapshots.
type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIGRPCConfig struct {
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SchedulerConfig struct {
	Disabled      bool          `yaml:"disabled"`
	Interval      time.Duration `yaml:"interval"`
	WindowBack    time.Duration `yaml:"window_back"`
	WindowForward time.Duration `yaml:"window_forward"`
	LaunchGrace   time.Duration `yaml:"launch_grace"`
	// ProcessingTimeout bounds how long a posting may stay processing without
	// a result before the scheduler times it out.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
}

type WorkerConfig struct {
	// Embedded runs a worker pool inside the service process.
	Embedded             bool          `yaml:"embedded"`
	Concurrency          int           `yaml:"concurrency"`
	JobTimeout           time.Duration `yaml:"job_timeout"`
	LaunchGrace          time.Duration `yaml:"launch_grace"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
	LockRenewInterval    time.Duration `yaml:"lock_renew_interval"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxContentionRetries int           `yaml:"max_contention_retries"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	VisibilityTimeout    time.Duration `yaml:"visibility_timeout"`
	Retry                RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type PreparationConfig struct {
	JitterMin    time.Duration `yaml:"jitter_min"`
	JitterMax    time.Duration `yaml:"jitter_max"`
	RandomizeMax time.Duration `yaml:"randomize_max"`
	// QueueBackend is memory or redis.
	QueueBackend string `yaml:"queue_backend"`
	// BusyTTL is the lease on a user's drain flag; the drain renews it every third.
	BusyTTL time.Duration `yaml:"busy_ttl"`
}

type RelayConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type StealthConfig struct {
	Mode    string             `yaml:"mode"` // disabled, http, local
	BaseURL string             `yaml:"base_url"`
	Timeout time.Duration      `yaml:"timeout"`
	Local   StealthLocalConfig `yaml:"local"`
}

type StealthLocalConfig struct {
	OutputDir     string `yaml:"output_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	MaxBytes      int64  `yaml:"max_bytes"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"`
	S3Endpoint    string `yaml:"s3_endpoint"`
	S3PathStyle   bool   `yaml:"s3_path_style"`
}

type CopyGenConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite3")
		}
	case "pgx":
		if c.Database.DSN == "" {
			return errors.New("database dsn is required for pgx")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Scheduler.WindowBack < 0 || c.Scheduler.WindowForward < 0 {
		return errors.New("scheduler window bounds must not be negative")
	}
	if c.Scheduler.ProcessingTimeout < c.Worker.JobTimeout {
		return errors.New("scheduler.processing_timeout must be >= worker.job_timeout")
	}
	if c.Preparation.JitterMax < c.Preparation.JitterMin {
		return errors.New("preparation.jitter_max must be >= jitter_min")
	}
	if c.Worker.LockRenewInterval >= c.Worker.LockTTL {
		return errors.New("worker.lock_renew_interval must be shorter than lock_ttl")
	}

	switch c.Stealth.Mode {
	case "disabled":
	case "http":
		if c.Stealth.BaseURL == "" {
			return errors.New("stealth.base_url is required for http mode")
		}
	case "local":
	default:
		return fmt.Errorf("unsupported stealth mode %q", c.Stealth.Mode)
	}

	switch c.Preparation.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported preparation.queue_backend %q", c.Preparation.QueueBackend)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "autoposter"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver == "sqlite3" && c.Database.Path == "" {
		c.Database.Path = "data/autoposter.db"
	}
	if c.Database.Backup.Interval == 0 {
		c.Database.Backup.Interval = 24 * time.Hour
	}
	if c.Database.Backup.StoragePath == "" {
		c.Database.Backup.StoragePath = "data/backups"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = models.DefaultSchedulerInterval
	}
	if c.Scheduler.WindowBack == 0 {
		c.Scheduler.WindowBack = models.DefaultWindowBack
	}
	if c.Scheduler.WindowForward == 0 {
		c.Scheduler.WindowForward = models.DefaultWindowForward
	}
	if c.Scheduler.LaunchGrace == 0 {
		c.Scheduler.LaunchGrace = models.DefaultLaunchGrace
	}

	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = models.DefaultWorkerConcurrency
	}
	if w.JobTimeout == 0 {
		w.JobTimeout = models.DefaultJobTimeout
	}
	if w.LaunchGrace == 0 {
		w.LaunchGrace = c.Scheduler.LaunchGrace
	}
	if w.LockTTL == 0 {
		w.LockTTL = models.DefaultLockTTL
	}
	if w.LockRenewInterval == 0 {
		w.LockRenewInterval = w.LockTTL / 3
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
	if w.MaxContentionRetries == 0 {
		w.MaxContentionRetries = 50
	}
	if w.PollInterval == 0 {
		w.PollInterval = time.Second
	}
	if w.VisibilityTimeout == 0 {
		w.VisibilityTimeout = w.JobTimeout + time.Minute
	}
	if w.Retry.InitialDelay == 0 {
		w.Retry.InitialDelay = 5 * time.Second
	}
	if w.Retry.MaxDelay == 0 {
		w.Retry.MaxDelay = 2 * time.Minute
	}
	if w.Retry.BackoffFactor == 0 {
		w.Retry.BackoffFactor = 2
	}

	if c.Scheduler.ProcessingTimeout == 0 {
		c.Scheduler.ProcessingTimeout = w.JobTimeout + c.Scheduler.LaunchGrace + c.Scheduler.Interval
	}

	if c.Preparation.JitterMin == 0 {
		c.Preparation.JitterMin = models.DefaultJitterMin
	}
	if c.Preparation.JitterMax == 0 {
		c.Preparation.JitterMax = models.DefaultJitterMax
	}
	if c.Preparation.RandomizeMax == 0 {
		c.Preparation.RandomizeMax = models.DefaultRandomizeMax
	}
	c.Preparation.QueueBackend = strings.ToLower(strings.TrimSpace(c.Preparation.QueueBackend))
	if c.Preparation.QueueBackend == "" {
		c.Preparation.QueueBackend = "memory"
	}
	if c.Preparation.BusyTTL == 0 {
		c.Preparation.BusyTTL = models.DefaultPrepBusyTTL
	}

	if c.Relay.MaxAge == 0 {
		c.Relay.MaxAge = models.DefaultRelayMaxAge
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = models.DefaultRelaySweepInterval
	}

	c.Stealth.Mode = strings.ToLower(strings.TrimSpace(c.Stealth.Mode))
	if c.Stealth.Mode == "" {
		c.Stealth.Mode = "disabled"
	}
	if c.Stealth.Timeout == 0 {
		c.Stealth.Timeout = 2 * time.Minute
	}
	if c.Stealth.Local.OutputDir == "" {
		c.Stealth.Local.OutputDir = "./data/stealth"
	}
	if c.CopyGen.Timeout == 0 {
		c.CopyGen.Timeout = 30 * time.Second
	}
}
