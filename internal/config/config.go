// Package config loads process-wide settings once at init. Values come from
// an optional config file plus BROWSERD_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full configuration surface. Read once at startup and
// passed explicitly; nothing re-reads it at runtime.
type Settings struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	DatabasePath string `mapstructure:"database_path"`
	VideoDir     string `mapstructure:"video_dir"`
	AdminAPIKey  string `mapstructure:"admin_api_key"`

	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	MaxQueueSize            int `mapstructure:"max_queue_size"`
	MaxScriptSize           int `mapstructure:"max_script_size"`
	MaxExecutionTime        int `mapstructure:"max_execution_time"` // seconds, ceiling over per-job timeout

	BrowserPoolSize    int `mapstructure:"browser_pool_size"`
	BrowserWarmupPages int `mapstructure:"browser_warmup_pages"`

	VideoRetentionDays int `mapstructure:"video_retention_days"`
	VideoCleanupHour   int `mapstructure:"video_cleanup_hour"` // local hour 0..23
	VideoWidth         int `mapstructure:"video_width"`
	VideoHeight        int `mapstructure:"video_height"`

	MaxWebhookRetries int `mapstructure:"max_webhook_retries"`
	WebhookTimeout    int `mapstructure:"webhook_timeout"` // seconds

	ScriptMemoryLimitMB int `mapstructure:"script_memory_limit_mb"`
}

// Load reads settings from the given config file (optional, "" to skip) and
// the environment.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROWSERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8070")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "data/browserd.db")
	v.SetDefault("video_dir", "data/videos")
	v.SetDefault("admin_api_key", "")
	v.SetDefault("max_concurrent_executions", 10)
	v.SetDefault("max_queue_size", 100)
	v.SetDefault("max_script_size", 50_000)
	v.SetDefault("max_execution_time", 600)
	v.SetDefault("browser_pool_size", 3)
	v.SetDefault("browser_warmup_pages", 2)
	v.SetDefault("video_retention_days", 7)
	v.SetDefault("video_cleanup_hour", 3)
	v.SetDefault("video_width", 1280)
	v.SetDefault("video_height", 720)
	v.SetDefault("max_webhook_retries", 3)
	v.SetDefault("webhook_timeout", 10)
	v.SetDefault("script_memory_limit_mb", 128)
}

func (s *Settings) validate() error {
	if s.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("max_concurrent_executions must be >= 1, got %d", s.MaxConcurrentExecutions)
	}
	if s.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be >= 1, got %d", s.MaxQueueSize)
	}
	if s.BrowserPoolSize < 1 {
		return fmt.Errorf("browser_pool_size must be >= 1, got %d", s.BrowserPoolSize)
	}
	if s.VideoCleanupHour < 0 || s.VideoCleanupHour > 23 {
		return fmt.Errorf("video_cleanup_hour must be in 0..23, got %d", s.VideoCleanupHour)
	}
	if s.MaxExecutionTime < 10 {
		return fmt.Errorf("max_execution_time must be >= 10, got %d", s.MaxExecutionTime)
	}
	return nil
}
