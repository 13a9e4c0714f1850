package config

import (
	"fmt"
	"strings"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/crosspost/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retry     RetryConfig     `yaml:"retry"`
	Publisher PublisherConfig `yaml:"publisher"`
	Media     MediaConfig     `yaml:"media"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	Path     string `yaml:"path"` // sqlite file
}

type SchedulerConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	PollInterval      string `yaml:"poll_interval"`
	ErrorCooldown     string `yaml:"error_cooldown"`
	BatchSize         int    `yaml:"batch_size"`
	ReadinessAttempts int    `yaml:"readiness_attempts"`
	ReadinessDelay    string `yaml:"readiness_delay"`
	ReconcileOnStart  *bool  `yaml:"reconcile_on_start"`
	StaleAfter        string `yaml:"stale_after"`
	StatsInterval     string `yaml:"stats_interval"`
}

func (c SchedulerConfig) PollEvery() time.Duration {
	return durationOr(c.PollInterval, 5*time.Second)
}

func (c SchedulerConfig) Cooldown() time.Duration {
	return durationOr(c.ErrorCooldown, 30*time.Second)
}

func (c SchedulerConfig) ReadinessWait() time.Duration {
	return durationOr(c.ReadinessDelay, 10*time.Second)
}

func (c SchedulerConfig) StaleThreshold() time.Duration {
	return durationOr(c.StaleAfter, 10*time.Minute)
}

func (c SchedulerConfig) StatsEvery() time.Duration {
	return durationOr(c.StatsInterval, 10*time.Minute)
}

func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c SchedulerConfig) ShouldReconcile() bool {
	return c.ReconcileOnStart == nil || *c.ReconcileOnStart
}

type DispatchConfig struct {
	// Publications allowed in dispatch at the same time.
	Concurrency                int    `yaml:"concurrency"`
	Deadline                   string `yaml:"deadline"`
	ScheduledTargetConcurrency int    `yaml:"scheduled_target_concurrency"`
	ImmediateTargetConcurrency int    `yaml:"immediate_target_concurrency"`
	ScheduledRetryMode         string `yaml:"scheduled_retry_mode"`
	ImmediateRetryMode         string `yaml:"immediate_retry_mode"`
	AggregateAttempts          int    `yaml:"aggregate_attempts"`
	AggregateDelay             string `yaml:"aggregate_delay"`
}

func (c DispatchConfig) DeadlineDuration() time.Duration {
	return durationOr(c.Deadline, 5*time.Minute)
}

func (c DispatchConfig) AggregateDelayDuration() time.Duration {
	return durationOr(c.AggregateDelay, 500*time.Millisecond)
}

type RetryConfig struct {
	MaxRetryCount    int `yaml:"max_retry_count"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelayMinutes  int `yaml:"max_delay_minutes"`
}

type PublisherConfig struct {
	Telegram       TelegramConfig       `yaml:"telegram"`
	WeChatOfficial WeChatOfficialConfig `yaml:"wechat_official"`
}

type TelegramConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BotToken       string `yaml:"bot_token"`
	APIURL         string `yaml:"api_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RatePerSecond  int    `yaml:"rate_per_second"`
}

type WeChatOfficialConfig struct {
	Enabled             bool   `yaml:"enabled"`
	AppID               string `yaml:"app_id"`
	AppSecret           string `yaml:"app_secret"`
	APIURL              string `yaml:"api_url"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	RatePerSecond       int    `yaml:"rate_per_second"`
	AutoPublish         bool   `yaml:"auto_publish"`
	NeedOpenComment     int    `yaml:"need_open_comment"`
	OnlyFansCanComment  int    `yaml:"only_fans_can_comment"`
	DefaultThumbMediaID string `yaml:"default_thumb_media_id"`
	Author              string `yaml:"author"`
}

type MediaConfig struct {
	Type     string `yaml:"type"` // local or s3
	Root     string `yaml:"root"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/crosspost.db"
	}

	if cfg.Scheduler.PollInterval == "" {
		cfg.Scheduler.PollInterval = "5s"
	}
	if cfg.Scheduler.ErrorCooldown == "" {
		cfg.Scheduler.ErrorCooldown = "30s"
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 10
	}
	if cfg.Scheduler.ReadinessAttempts == 0 {
		cfg.Scheduler.ReadinessAttempts = 30
	}
	if cfg.Scheduler.ReadinessDelay == "" {
		cfg.Scheduler.ReadinessDelay = "10s"
	}
	if cfg.Scheduler.StaleAfter == "" {
		cfg.Scheduler.StaleAfter = "10m"
	}
	if cfg.Scheduler.StatsInterval == "" {
		cfg.Scheduler.StatsInterval = "10m"
	}

	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 10
	}
	if cfg.Dispatch.Deadline == "" {
		cfg.Dispatch.Deadline = "5m"
	}
	if cfg.Dispatch.ScheduledTargetConcurrency == 0 {
		cfg.Dispatch.ScheduledTargetConcurrency = 1
	}
	if cfg.Dispatch.ImmediateTargetConcurrency == 0 {
		cfg.Dispatch.ImmediateTargetConcurrency = 10
	}
	if cfg.Dispatch.ScheduledRetryMode == "" {
		cfg.Dispatch.ScheduledRetryMode = "retry"
	}
	if cfg.Dispatch.ImmediateRetryMode == "" {
		cfg.Dispatch.ImmediateRetryMode = "fail_fast"
	}
	if cfg.Dispatch.AggregateAttempts == 0 {
		cfg.Dispatch.AggregateAttempts = 10
	}
	if cfg.Dispatch.AggregateDelay == "" {
		cfg.Dispatch.AggregateDelay = "500ms"
	}

	if cfg.Retry.MaxRetryCount == 0 {
		cfg.Retry.MaxRetryCount = 3
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 2
	}
	if cfg.Retry.MaxDelayMinutes == 0 {
		cfg.Retry.MaxDelayMinutes = 1
	}

	if cfg.Publisher.Telegram.APIURL == "" {
		cfg.Publisher.Telegram.APIURL = "https://api.telegram.org"
	}
	if cfg.Publisher.Telegram.TimeoutSeconds == 0 {
		cfg.Publisher.Telegram.TimeoutSeconds = 30
	}
	if cfg.Publisher.Telegram.RatePerSecond == 0 {
		cfg.Publisher.Telegram.RatePerSecond = 20
	}
	if cfg.Publisher.WeChatOfficial.APIURL == "" {
		cfg.Publisher.WeChatOfficial.APIURL = "https://api.weixin.qq.com"
	}
	if cfg.Publisher.WeChatOfficial.TimeoutSeconds == 0 {
		cfg.Publisher.WeChatOfficial.TimeoutSeconds = 60
	}
	if cfg.Publisher.WeChatOfficial.RatePerSecond == 0 {
		cfg.Publisher.WeChatOfficial.RatePerSecond = 10
	}

	if cfg.Media.Type == "" {
		cfg.Media.Type = "local"
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = "data/media"
	}
}

func (cfg *Config) Validate() error {
	durations := map[string]string{
		"scheduler.poll_interval":   cfg.Scheduler.PollInterval,
		"scheduler.error_cooldown":  cfg.Scheduler.ErrorCooldown,
		"scheduler.readiness_delay": cfg.Scheduler.ReadinessDelay,
		"scheduler.stale_after":     cfg.Scheduler.StaleAfter,
		"scheduler.stats_interval":  cfg.Scheduler.StatsInterval,
		"dispatch.deadline":         cfg.Dispatch.Deadline,
		"dispatch.aggregate_delay":  cfg.Dispatch.AggregateDelay,
	}
	for path, raw := range durations {
		if err := checkDuration(path, raw); err != nil {
			return err
		}
	}

	switch cfg.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.type: unsupported value %q", cfg.Database.Type)
	}
	switch cfg.Media.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("media.type: unsupported value %q", cfg.Media.Type)
	}
	if cfg.Media.Type == "s3" && cfg.Media.Bucket == "" {
		return fmt.Errorf("media.bucket is required for s3 media")
	}

	for path, mode := range map[string]string{
		"dispatch.scheduled_retry_mode": cfg.Dispatch.ScheduledRetryMode,
		"dispatch.immediate_retry_mode": cfg.Dispatch.ImmediateRetryMode,
	} {
		if mode != "retry" && mode != "fail_fast" {
			return fmt.Errorf("%s: unsupported value %q", path, mode)
		}
	}

	if cfg.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be >= 1")
	}
	if cfg.Dispatch.AggregateAttempts < 1 {
		return fmt.Errorf("dispatch.aggregate_attempts must be >= 1")
	}
	if cfg.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be >= 1")
	}
	if cfg.Retry.MaxRetryCount < 1 || cfg.Retry.BaseDelaySeconds < 1 || cfg.Retry.MaxDelayMinutes < 1 {
		return fmt.Errorf("retry settings must be >= 1")
	}

	return nil
}

func checkDuration(path, raw string) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be > 0", path)
	}
	return nil
}

func durationOr(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
