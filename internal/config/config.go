package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL    = "http://localhost:3000"
	DefaultBindAddr   = "127.0.0.1:18790"
	DefaultGatewayURL = "ws://127.0.0.1:18789"
	DefaultTimezone   = "America/New_York"
)

// GatewayConfig locates the agent runtime's RPC endpoint.
type GatewayConfig struct {
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

// IntervalsConfig holds the tick period of each control loop, in seconds.
type IntervalsConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	DispatchSeconds  int `yaml:"dispatch_seconds"`
	SchedulerSeconds int `yaml:"scheduler_seconds"`
}

// HeartbeatConfig tunes stale-agent demotion. Both conditions must hold.
type HeartbeatConfig struct {
	StaleThresholdSeconds int `yaml:"stale_threshold_seconds"`
	MaxFailures           int `yaml:"max_consecutive_failures"`
}

// JobConfig is a scheduled job definition as written in config.yaml.
// Exactly one of IntervalMinutes and DailyAt must be set.
type JobConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Agent           string `yaml:"agent"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	DailyAt         string `yaml:"daily_at"` // "HH:MM" in the scheduler timezone
	WeekdaysOnly    bool   `yaml:"weekdays_only"`
	MarketHoursOnly bool   `yaml:"market_hours_only"`
	Title           string `yaml:"title"`
	Description     string `yaml:"description"`
	Priority        string `yaml:"priority"`
	Enabled         *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the job is enabled. Jobs default to enabled.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

type SchedulerConfig struct {
	Timezone    string `yaml:"timezone"`
	MarketOpen  string `yaml:"market_open"`
	MarketClose string `yaml:"market_close"`
	// Jobs replaces the built-in job set when non-empty.
	Jobs []JobConfig `yaml:"jobs"`
	// DisabledJobs switches jobs off by id without redefining them.
	DisabledJobs []string `yaml:"disabled_jobs"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BaseURL      string `yaml:"base_url"`
	ProjectsPath string `yaml:"projects_path"`
	BindAddr     string `yaml:"bind_addr"`
	LogLevel     string `yaml:"log_level"`
	Debug        bool   `yaml:"debug"`
	DBPath       string `yaml:"db_path"`

	// CoordinatorName is who agents are told to ask for help in task briefs.
	CoordinatorName string `yaml:"coordinator_name"`

	DrainTimeoutSeconds     int `yaml:"drain_timeout_seconds"`
	BroadcastTimeoutSeconds int `yaml:"broadcast_timeout_seconds"`
	RouterTimeoutSeconds    int `yaml:"router_timeout_seconds"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// envOverrides lists the environment variables that win over config.yaml.
// Nil pointers mean the variable is unset.
type envOverrides struct {
	BaseURL      *string `envconfig:"MISSION_CONTROL_URL"`
	Debug        *string `envconfig:"DAEMON_DEBUG"`
	ProjectsPath *string `envconfig:"PROJECTS_PATH"`
	GatewayURL   *string `envconfig:"OPENCLAW_GATEWAY_URL"`
	GatewayToken *string `envconfig:"OPENCLAW_GATEWAY_TOKEN"`
	BindAddr     *string `envconfig:"MISSIOND_BIND_ADDR"`
	LogLevel     *string `envconfig:"MISSIOND_LOG_LEVEL"`
	DBPath       *string `envconfig:"MISSIOND_DB_PATH"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change daemon behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "base=%s|gw=%s|bind=%s|log=%s|debug=%t|tz=%s|jobs=%d|disabled=%v",
		c.BaseURL, c.Gateway.URL, c.BindAddr, c.LogLevel, c.Debug,
		c.Scheduler.Timezone, len(c.Scheduler.Jobs), c.Scheduler.DisabledJobs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// EffectiveLogLevel folds the debug toggle into the configured level.
func (c Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// ResolvedDBPath returns the database path, defaulting to <home>/missiond.db.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "missiond.db")
}

func defaultConfig() Config {
	return Config{
		BaseURL:                 DefaultBaseURL,
		BindAddr:                DefaultBindAddr,
		LogLevel:                "info",
		CoordinatorName:         "Charlie",
		DrainTimeoutSeconds:     5,
		BroadcastTimeoutSeconds: 5,
		RouterTimeoutSeconds:    30,
		Gateway: GatewayConfig{
			URL:                DefaultGatewayURL,
			CallTimeoutSeconds: 30,
		},
		Intervals: IntervalsConfig{
			HeartbeatSeconds: 30,
			DispatchSeconds:  10,
			SchedulerSeconds: 10,
		},
		Heartbeat: HeartbeatConfig{
			StaleThresholdSeconds: 300,
			MaxFailures:           10,
		},
		Scheduler: SchedulerConfig{
			Timezone:    DefaultTimezone,
			MarketOpen:  "09:30",
			MarketClose: "16:00",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MISSIOND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missiond")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create missiond home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}
	if env.BaseURL != nil && *env.BaseURL != "" {
		cfg.BaseURL = *env.BaseURL
	}
	if env.Debug != nil {
		cfg.Debug = *env.Debug == "true"
	}
	if env.ProjectsPath != nil && *env.ProjectsPath != "" {
		cfg.ProjectsPath = *env.ProjectsPath
	}
	if env.GatewayURL != nil && *env.GatewayURL != "" {
		cfg.Gateway.URL = *env.GatewayURL
	}
	if env.GatewayToken != nil {
		cfg.Gateway.Token = *env.GatewayToken
	}
	if env.BindAddr != nil && *env.BindAddr != "" {
		cfg.BindAddr = *env.BindAddr
	}
	if env.LogLevel != nil && *env.LogLevel != "" {
		cfg.LogLevel = *env.LogLevel
	}
	if env.DBPath != nil && *env.DBPath != "" {
		cfg.DBPath = *env.DBPath
	}
	return nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if strings.TrimSpace(cfg.ProjectsPath) == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.ProjectsPath = filepath.Join(home, "projects")
	}
	cfg.ProjectsPath = strings.TrimRight(cfg.ProjectsPath, "/")
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.CoordinatorName == "" {
		cfg.CoordinatorName = def.CoordinatorName
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.BroadcastTimeoutSeconds <= 0 {
		cfg.BroadcastTimeoutSeconds = def.BroadcastTimeoutSeconds
	}
	if cfg.RouterTimeoutSeconds <= 0 {
		cfg.RouterTimeoutSeconds = def.RouterTimeoutSeconds
	}
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = def.Gateway.URL
	}
	if cfg.Gateway.CallTimeoutSeconds <= 0 {
		cfg.Gateway.CallTimeoutSeconds = def.Gateway.CallTimeoutSeconds
	}
	if cfg.Intervals.HeartbeatSeconds <= 0 {
		cfg.Intervals.HeartbeatSeconds = def.Intervals.HeartbeatSeconds
	}
	if cfg.Intervals.DispatchSeconds <= 0 {
		cfg.Intervals.DispatchSeconds = def.Intervals.DispatchSeconds
	}
	if cfg.Intervals.SchedulerSeconds <= 0 {
		cfg.Intervals.SchedulerSeconds = def.Intervals.SchedulerSeconds
	}
	if cfg.Heartbeat.StaleThresholdSeconds <= 0 {
		cfg.Heartbeat.StaleThresholdSeconds = def.Heartbeat.StaleThresholdSeconds
	}
	if cfg.Heartbeat.MaxFailures <= 0 {
		cfg.Heartbeat.MaxFailures = def.Heartbeat.MaxFailures
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = def.Scheduler.Timezone
	}
	if cfg.Scheduler.MarketOpen == "" {
		cfg.Scheduler.MarketOpen = def.Scheduler.MarketOpen
	}
	if cfg.Scheduler.MarketClose == "" {
		cfg.Scheduler.MarketClose = def.Scheduler.MarketClose
	}
	for i := range cfg.Scheduler.Jobs {
		cfg.Scheduler.Jobs[i].Priority = strings.ToLower(strings.TrimSpace(cfg.Scheduler.Jobs[i].Priority))
		if cfg.Scheduler.Jobs[i].Priority == "" {
			cfg.Scheduler.Jobs[i].Priority = "normal"
		}
	}
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// Validate rejects configurations the daemon cannot run safely.
func Validate(cfg Config) error {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	gw, err := url.Parse(cfg.Gateway.URL)
	if err != nil || (gw.Scheme != "ws" && gw.Scheme != "wss") || gw.Host == "" {
		return fmt.Errorf("gateway.url %q must be an absolute ws(s) URL", cfg.Gateway.URL)
	}
	// Daily jobs match on a single minute; a slower scheduler tick could skip it.
	if cfg.Intervals.SchedulerSeconds >= 60 {
		return fmt.Errorf("intervals.scheduler_seconds must be below 60, got %d", cfg.Intervals.SchedulerSeconds)
	}
	if !clockPattern.MatchString(cfg.Scheduler.MarketOpen) || !clockPattern.MatchString(cfg.Scheduler.MarketClose) {
		return fmt.Errorf("scheduler market window %q-%q must use HH:MM", cfg.Scheduler.MarketOpen, cfg.Scheduler.MarketClose)
	}
	if cfg.Scheduler.MarketOpen > cfg.Scheduler.MarketClose {
		return fmt.Errorf("scheduler market_open %s is after market_close %s", cfg.Scheduler.MarketOpen, cfg.Scheduler.MarketClose)
	}

	seen := make(map[string]bool, len(cfg.Scheduler.Jobs))
	for _, job := range cfg.Scheduler.Jobs {
		if strings.TrimSpace(job.ID) == "" {
			return fmt.Errorf("scheduler job missing id")
		}
		if seen[job.ID] {
			return fmt.Errorf("scheduler job %q defined twice", job.ID)
		}
		seen[job.ID] = true
		if strings.TrimSpace(job.Agent) == "" {
			return fmt.Errorf("scheduler job %q missing agent", job.ID)
		}
		if strings.TrimSpace(job.Title) == "" {
			return fmt.Errorf("scheduler job %q missing title", job.ID)
		}
		hasInterval := job.IntervalMinutes > 0
		hasDaily := job.DailyAt != ""
		if hasInterval == hasDaily {
			return fmt.Errorf("scheduler job %q must set exactly one of interval_minutes and daily_at", job.ID)
		}
		if hasDaily && !clockPattern.MatchString(job.DailyAt) {
			return fmt.Errorf("scheduler job %q daily_at %q must use HH:MM", job.ID, job.DailyAt)
		}
		switch job.Priority {
		case "urgent", "high", "normal", "low":
		default:
			return fmt.Errorf("scheduler job %q has unknown priority %q", job.ID, job.Priority)
		}
	}
	return nil
}

// ParseClock splits a validated "HH:MM" string.
func ParseClock(s string) (hour, minute int, err error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	hour = int(m[1][0]-'0')*10 + int(m[1][1]-'0')
	minute = int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	return hour, minute, nil
}
