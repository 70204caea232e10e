package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the worker node and jobctl.
type Config struct {
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// ControlAddr serves the admin API and accepts push notifications.
	ControlAddr string   `yaml:"control_addr"`
	AdminHosts  []string `yaml:"admin_hosts"`

	QueueName string   `yaml:"queue_name"`
	Servers   []string `yaml:"servers"`
	// DiscoveryKey, when set, is the address of the server whose registry
	// lists the queue servers; Servers is then only the fallback.
	DiscoveryKey  string `yaml:"discovery_key"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	MaxThreads   int      `yaml:"max_threads"`
	HandlerName  string   `yaml:"handler"`
	AffinityList []string `yaml:"affinity_list"`
	AnyAffinity  bool     `yaml:"any_affinity"`

	QueueTimeout           time.Duration `yaml:"queue_timeout"`
	RetryInitial           time.Duration `yaml:"retry_initial"`
	RetryMax               time.Duration `yaml:"retry_max"`
	DiscoveryInterval      time.Duration `yaml:"discovery_interval"`
	CommitExpiration       time.Duration `yaml:"commit_expiration"`
	CommitRetryInitial     time.Duration `yaml:"commit_retry_initial"`
	CommitRetryMax         time.Duration `yaml:"commit_retry_max"`
	JobStatusCheckInterval time.Duration `yaml:"job_status_check_interval"`
	LeaseTimeout           time.Duration `yaml:"lease_timeout"`
	// ReapInterval is how often each server's expired leases are
	// requeued. 0 turns the reaper off.
	ReapInterval time.Duration `yaml:"reap_interval"`

	ProgressRate    float64 `yaml:"progress_rate"`
	ProgressBurst   int     `yaml:"progress_burst"`
	ThrottleBackend string  `yaml:"throttle_backend"`

	InlineOutputThreshold uint64 `yaml:"-"`
	BlobDir               string `yaml:"blob_dir"`
	S3Bucket              string `yaml:"s3_bucket"`
	S3Region              string `yaml:"s3_region"`
	S3Endpoint            string `yaml:"s3_endpoint"`
	S3PathStyle           bool   `yaml:"s3_path_style"`
	S3AccessKey           string `yaml:"s3_access_key"`
	S3SecretKey           string `yaml:"s3_secret_key"`

	// Defaults for the image-resize handler.
	ImageWidth  int    `yaml:"image_width"`
	ImageHeight int    `yaml:"image_height"`
	ImageScaler string `yaml:"image_scaler"`

	PostgresDSN string `yaml:"postgres_dsn"`

	TotalMemoryLimit   uint64        `yaml:"-"`
	TotalTimeLimit     time.Duration `yaml:"total_time_limit"`
	LimitCheckInterval time.Duration `yaml:"limit_check_interval"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`

	// Byte sizes are written as "64KiB", "2GB" in the file.
	InlineOutputThresholdText string `yaml:"inline_output_threshold"`
	TotalMemoryLimitText      string `yaml:"total_memory_limit"`
}

// Default returns the built-in defaults for local development.
func Default() Config {
	return Config{
		Env:                    "dev",
		LogLevel:               "info",
		LogFormat:              "text",
		ControlAddr:            ":9100",
		AdminHosts:             []string{"127.0.0.1", "::1"},
		QueueName:              "default",
		Servers:                []string{"localhost:6379"},
		MaxThreads:             4,
		HandlerName:            "sleep",
		AnyAffinity:            true,
		QueueTimeout:           30 * time.Second,
		RetryInitial:           time.Second,
		RetryMax:               30 * time.Second,
		DiscoveryInterval:      time.Minute,
		CommitExpiration:       10 * time.Minute,
		CommitRetryInitial:     time.Second,
		CommitRetryMax:         time.Minute,
		JobStatusCheckInterval: 5 * time.Second,
		LeaseTimeout:           5 * time.Minute,
		ReapInterval:           30 * time.Second,
		ProgressRate:           1,
		ProgressBurst:          3,
		ThrottleBackend:        "local",
		InlineOutputThreshold:  64 * 1024,
		BlobDir:                "./blobs",
		S3Region:               "us-east-1",
		ImageWidth:             320,
		ImageScaler:            "lanczos",
		LimitCheckInterval:     10 * time.Second,
		ShutdownGrace:          30 * time.Second,
	}
}

// Load reads the optional YAML file named by WORKER_NODE_CONFIG, then
// applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("WORKER_NODE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) loadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.InlineOutputThresholdText != "" {
		n, err := humanize.ParseBytes(cfg.InlineOutputThresholdText)
		if err != nil {
			return fmt.Errorf("inline_output_threshold: %w", err)
		}
		cfg.InlineOutputThreshold = n
	}
	if cfg.TotalMemoryLimitText != "" {
		n, err := humanize.ParseBytes(cfg.TotalMemoryLimitText)
		if err != nil {
			return fmt.Errorf("total_memory_limit: %w", err)
		}
		cfg.TotalMemoryLimit = n
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.ControlAddr = getEnv("CONTROL_ADDR", cfg.ControlAddr)
	cfg.AdminHosts = getEnvList("ADMIN_HOSTS", cfg.AdminHosts)
	cfg.QueueName = getEnv("QUEUE_NAME", cfg.QueueName)
	cfg.Servers = getEnvList("QUEUE_SERVERS", cfg.Servers)
	cfg.DiscoveryKey = getEnv("DISCOVERY_KEY", cfg.DiscoveryKey)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.MaxThreads = getEnvInt("MAX_THREADS", cfg.MaxThreads)
	cfg.HandlerName = getEnv("JOB_HANDLER", cfg.HandlerName)
	cfg.AffinityList = getEnvList("AFFINITY_LIST", cfg.AffinityList)
	cfg.AnyAffinity = getEnvBool("ANY_AFFINITY", cfg.AnyAffinity)
	cfg.QueueTimeout = getEnvDuration("QUEUE_TIMEOUT", cfg.QueueTimeout)
	cfg.RetryInitial = getEnvDuration("RETRY_INITIAL", cfg.RetryInitial)
	cfg.RetryMax = getEnvDuration("RETRY_MAX", cfg.RetryMax)
	cfg.DiscoveryInterval = getEnvDuration("DISCOVERY_INTERVAL", cfg.DiscoveryInterval)
	cfg.CommitExpiration = getEnvDuration("COMMIT_EXPIRATION", cfg.CommitExpiration)
	cfg.CommitRetryInitial = getEnvDuration("COMMIT_RETRY_INITIAL", cfg.CommitRetryInitial)
	cfg.CommitRetryMax = getEnvDuration("COMMIT_RETRY_MAX", cfg.CommitRetryMax)
	cfg.JobStatusCheckInterval = getEnvDuration("JOB_STATUS_CHECK_INTERVAL", cfg.JobStatusCheckInterval)
	cfg.LeaseTimeout = getEnvDuration("LEASE_TIMEOUT", cfg.LeaseTimeout)
	cfg.ReapInterval = getEnvDuration("REAP_INTERVAL", cfg.ReapInterval)
	cfg.ProgressRate = getEnvFloat("PROGRESS_RATE_PER_SEC", cfg.ProgressRate)
	cfg.ProgressBurst = getEnvInt("PROGRESS_BURST", cfg.ProgressBurst)
	cfg.ThrottleBackend = getEnv("THROTTLE_BACKEND", cfg.ThrottleBackend)
	cfg.BlobDir = getEnv("BLOB_DIR", cfg.BlobDir)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3PathStyle = getEnvBool("S3_PATH_STYLE", cfg.S3PathStyle)
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.ImageWidth = getEnvInt("IMAGE_WIDTH", cfg.ImageWidth)
	cfg.ImageHeight = getEnvInt("IMAGE_HEIGHT", cfg.ImageHeight)
	cfg.ImageScaler = getEnv("IMAGE_SCALER", cfg.ImageScaler)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.TotalTimeLimit = getEnvDuration("TOTAL_TIME_LIMIT", cfg.TotalTimeLimit)
	cfg.LimitCheckInterval = getEnvDuration("LIMIT_CHECK_INTERVAL", cfg.LimitCheckInterval)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)

	var err error
	if cfg.InlineOutputThreshold, err = getEnvBytes("INLINE_OUTPUT_THRESHOLD", cfg.InlineOutputThreshold); err != nil {
		return err
	}
	if cfg.TotalMemoryLimit, err = getEnvBytes("TOTAL_MEMORY_LIMIT", cfg.TotalMemoryLimit); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the node cannot start with.
func (cfg Config) Validate() error {
	if cfg.MaxThreads < 1 {
		return fmt.Errorf("max threads must be at least 1, got %d", cfg.MaxThreads)
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("no queue servers configured")
	}
	if cfg.QueueName == "" {
		return fmt.Errorf("queue name is required")
	}
	if cfg.QueueTimeout <= 0 {
		return fmt.Errorf("queue timeout must be positive")
	}
	switch cfg.ThrottleBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown throttle backend %q", cfg.ThrottleBackend)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBytes(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
