package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the YAML config at path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_requests", 5)

	v.SetDefault("engine.command_path", "")
	v.SetDefault("engine.timeout_ms", 300000)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.scheduler_interval_ms", 10000)
	v.SetDefault("queue.snapshot_path", "./data/queues.json")

	v.SetDefault("throttle.enabled", true)
	v.SetDefault("throttle.mode", "fixed")
	v.SetDefault("throttle.base_delay_ms", 1000)

	v.SetDefault("usage.window_ms", 60000)
	v.SetDefault("usage.history_size", 1440)
	v.SetDefault("usage.alert_threshold_ratio", 0.8)

	v.SetDefault("rate_limits.tokens_per_minute", 0)
	v.SetDefault("rate_limits.requests_per_minute", 60)
	v.SetDefault("rate_limits.tokens_per_day", 0)
	v.SetDefault("rate_limits.tokens_per_month", 0)

	v.SetDefault("warning_thresholds.immediate", "critical")
	v.SetDefault("warning_thresholds.short", "high")
	v.SetDefault("warning_thresholds.medium", "medium")
	v.SetDefault("warning_thresholds.long", "low")

	v.SetDefault("auto_optimize.enabled", true)

	v.SetDefault("bus.dsn", "./data/bus.db")

	v.SetDefault("control.addr", "127.0.0.1:8088")

	v.SetDefault("session.probe_interval_ms", 300000)

	v.SetDefault("daemon.pid_file", "/tmp/dispatchd.pid")
	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.log_format", "text")
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Engine.CommandPath == "" {
		errs = append(errs, "engine.command_path must not be empty")
	}
	if cfg.Engine.TimeoutMs <= 0 {
		errs = append(errs, "engine.timeout_ms must be > 0")
	}

	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.max_size must be > 0")
	}
	if cfg.Queue.SchedulerIntervalMs <= 0 {
		errs = append(errs, "queue.scheduler_interval_ms must be > 0")
	}
	if cfg.Queue.SnapshotPath == "" {
		errs = append(errs, "queue.snapshot_path must not be empty")
	}

	validModes := map[string]bool{"fixed": true, "adaptive": true, "exponential": true}
	if !validModes[cfg.Throttle.Mode] {
		errs = append(errs, fmt.Sprintf("throttle.mode must be one of fixed|adaptive|exponential, got %q", cfg.Throttle.Mode))
	}
	if cfg.Throttle.BaseDelayMs < 0 {
		errs = append(errs, "throttle.base_delay_ms must be >= 0")
	}

	if cfg.Usage.WindowMs <= 0 {
		errs = append(errs, "usage.window_ms must be > 0")
	}
	if cfg.Usage.HistorySize <= 0 {
		errs = append(errs, "usage.history_size must be > 0")
	}
	if cfg.Usage.AlertThresholdRatio < 0 || cfg.Usage.AlertThresholdRatio > 1 {
		errs = append(errs, "usage.alert_threshold_ratio must be in [0, 1]")
	}

	if cfg.RateLimits.RequestsPerMinute <= 0 {
		errs = append(errs, "rate_limits.requests_per_minute must be > 0")
	}

	if cfg.MaxConcurrentRequests <= 0 {
		errs = append(errs, "max_concurrent_requests must be > 0")
	}

	if cfg.Bus.DSN == "" {
		errs = append(errs, "bus.dsn must not be empty")
	}

	if cfg.Control.Addr == "" {
		errs = append(errs, "control.addr must not be empty")
	}

	if cfg.Session.ProbeIntervalMs <= 0 {
		errs = append(errs, "session.probe_interval_ms must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Daemon.LogLevel] {
		errs = append(errs, fmt.Sprintf("daemon.log_level must be one of debug|info|warn|error, got %q", cfg.Daemon.LogLevel))
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[cfg.Daemon.LogFormat] {
		errs = append(errs, fmt.Sprintf("daemon.log_format must be text|json, got %q", cfg.Daemon.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
