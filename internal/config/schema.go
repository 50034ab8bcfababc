package config

// Config is the root configuration structure for the dispatch daemon.
type Config struct {
	Engine       EngineConfig       `mapstructure:"engine"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Throttle     ThrottleConfig     `mapstructure:"throttle"`
	Usage        UsageConfig        `mapstructure:"usage"`
	RateLimits   RateLimitsConfig   `mapstructure:"rate_limits"`
	Warnings     WarningsConfig     `mapstructure:"warning_thresholds"`
	AutoOptimize AutoOptimizeConfig `mapstructure:"auto_optimize"`
	Bus          BusConfig          `mapstructure:"bus"`
	Control      ControlConfig      `mapstructure:"control"`
	Session      SessionConfig      `mapstructure:"session"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`

	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`
}

// EngineConfig describes how to invoke the external Engine.
type EngineConfig struct {
	CommandPath string   `mapstructure:"command_path"`
	Args        []string `mapstructure:"args"`
	TimeoutMs   int      `mapstructure:"timeout_ms"`
}

// QueueConfig controls the priority queue manager.
type QueueConfig struct {
	MaxSize             int    `mapstructure:"max_size"`
	SchedulerIntervalMs int    `mapstructure:"scheduler_interval_ms"`
	SnapshotPath        string `mapstructure:"snapshot_path"`
}

// ThrottleConfig controls the dispatcher's pacing between invocations.
type ThrottleConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Mode        string `mapstructure:"mode"` // fixed | adaptive | exponential
	BaseDelayMs int    `mapstructure:"base_delay_ms"`
}

// UsageConfig controls the usage monitor's window and alerting behavior.
type UsageConfig struct {
	WindowMs            int     `mapstructure:"window_ms"`
	HistorySize         int     `mapstructure:"history_size"`
	AlertThresholdRatio float64 `mapstructure:"alert_threshold_ratio"`
}

// RateLimitsConfig configures the rate-limit predictor's caps.
type RateLimitsConfig struct {
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	TokensPerDay      int `mapstructure:"tokens_per_day"`
	TokensPerMonth    int `mapstructure:"tokens_per_month"`
}

// WarningsConfig names four severity labels. It is loaded and defaulted
// with the rest of the config but nothing reads it: the ratelimit
// package's crossing points (60/70/80/90%) and their labels are fixed in
// code.
type WarningsConfig struct {
	Immediate string `mapstructure:"immediate"`
	Short     string `mapstructure:"short"`
	Medium    string `mapstructure:"medium"`
	Long      string `mapstructure:"long"`
}

// AutoOptimizeConfig controls the dispatcher's periodic self-tuning.
type AutoOptimizeConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// BusConfig points at the backing store for the inbound/response/notification bus.
type BusConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ControlConfig configures the HTTP control surface.
type ControlConfig struct {
	Addr string `mapstructure:"addr"`
}

// SessionConfig controls the session monitor's probe cadence.
type SessionConfig struct {
	ProbeIntervalMs int `mapstructure:"probe_interval_ms"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	PIDFile   string `mapstructure:"pid_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}
