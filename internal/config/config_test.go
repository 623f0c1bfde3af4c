package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/missiond/internal/config"
)

func writeHomeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if body != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("MISSIOND_HOME", home)
	for _, key := range []string{
		"MISSION_CONTROL_URL", "DAEMON_DEBUG", "PROJECTS_PATH", "OPENCLAW_GATEWAY_URL",
		"OPENCLAW_GATEWAY_TOKEN", "MISSIOND_BIND_ADDR", "MISSIOND_LOG_LEVEL", "MISSIOND_DB_PATH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return home
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := writeHomeConfig(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.BaseURL != "http://localhost:3000" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.Intervals.HeartbeatSeconds != 30 || cfg.Intervals.DispatchSeconds != 10 || cfg.Intervals.SchedulerSeconds != 10 {
		t.Fatalf("unexpected intervals: %+v", cfg.Intervals)
	}
	if cfg.Heartbeat.StaleThresholdSeconds != 300 || cfg.Heartbeat.MaxFailures != 10 {
		t.Fatalf("unexpected heartbeat config: %+v", cfg.Heartbeat)
	}
	if cfg.Scheduler.Timezone != "America/New_York" {
		t.Fatalf("unexpected timezone %q", cfg.Scheduler.Timezone)
	}
	if cfg.Gateway.CallTimeoutSeconds != 30 {
		t.Fatalf("unexpected call timeout %d", cfg.Gateway.CallTimeoutSeconds)
	}
	if cfg.ResolvedDBPath() != filepath.Join(home, "missiond.db") {
		t.Fatalf("unexpected db path %q", cfg.ResolvedDBPath())
	}
	if cfg.Debug {
		t.Fatal("debug should default off")
	}
}

func TestLoad_FromConfigFile(t *testing.T) {
	writeHomeConfig(t, `
base_url: http://mc.internal:4000/
projects_path: /srv/projects/
intervals:
  dispatch_seconds: 5
scheduler:
  disabled_jobs: [zen-cost-check]
  jobs:
    - id: nightly
      agent: Apollo
      daily_at: "23:15"
      title: Nightly
      priority: HIGH
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://mc.internal:4000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.ProjectsPath != "/srv/projects" {
		t.Fatalf("unexpected projects path %q", cfg.ProjectsPath)
	}
	if cfg.Intervals.DispatchSeconds != 5 || cfg.Intervals.HeartbeatSeconds != 30 {
		t.Fatalf("unexpected intervals: %+v", cfg.Intervals)
	}
	if len(cfg.Scheduler.Jobs) != 1 || cfg.Scheduler.Jobs[0].Priority != "high" {
		t.Fatalf("unexpected jobs: %+v", cfg.Scheduler.Jobs)
	}
	if !cfg.Scheduler.Jobs[0].IsEnabled() {
		t.Fatal("jobs should default to enabled")
	}
	if len(cfg.Scheduler.DisabledJobs) != 1 || cfg.Scheduler.DisabledJobs[0] != "zen-cost-check" {
		t.Fatalf("unexpected disabled jobs: %v", cfg.Scheduler.DisabledJobs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeHomeConfig(t, "base_url: http://from-file:3000\nlog_level: warn\n")
	t.Setenv("MISSION_CONTROL_URL", "http://from-env:3000")
	t.Setenv("DAEMON_DEBUG", "true")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "tok")
	t.Setenv("PROJECTS_PATH", "/tmp/p")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://from-env:3000" {
		t.Fatalf("expected env base url, got %q", cfg.BaseURL)
	}
	if !cfg.Debug {
		t.Fatal("expected DAEMON_DEBUG=true to enable debug")
	}
	if cfg.EffectiveLogLevel() != "debug" {
		t.Fatalf("expected debug effective level, got %q", cfg.EffectiveLogLevel())
	}
	if cfg.Gateway.Token != "tok" {
		t.Fatalf("expected gateway token from env, got %q", cfg.Gateway.Token)
	}
	if cfg.ProjectsPath != "/tmp/p" {
		t.Fatalf("expected projects path from env, got %q", cfg.ProjectsPath)
	}
}

func TestLoad_DebugOnlyExactTrue(t *testing.T) {
	writeHomeConfig(t, "debug: true\n")
	t.Setenv("DAEMON_DEBUG", "1")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Debug {
		t.Fatal("DAEMON_DEBUG=1 must not enable debug")
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"slow scheduler", "intervals:\n  scheduler_seconds: 60\n", "scheduler_seconds"},
		{"bad base url", "base_url: localhost\n", "base_url"},
		{"bad gateway url", "gateway:\n  url: http://gw\n", "gateway.url"},
		{"both schedule kinds", "scheduler:\n  jobs:\n    - {id: a, agent: Z, title: T, interval_minutes: 5, daily_at: \"09:00\"}\n", "exactly one"},
		{"neither schedule kind", "scheduler:\n  jobs:\n    - {id: a, agent: Z, title: T}\n", "exactly one"},
		{"bad clock", "scheduler:\n  jobs:\n    - {id: a, agent: Z, title: T, daily_at: \"9:00\"}\n", "HH:MM"},
		{"duplicate id", "scheduler:\n  jobs:\n    - {id: a, agent: Z, title: T, interval_minutes: 5}\n    - {id: a, agent: Z, title: T, interval_minutes: 5}\n", "twice"},
		{"bad priority", "scheduler:\n  jobs:\n    - {id: a, agent: Z, title: T, interval_minutes: 5, priority: asap}\n", "priority"},
		{"inverted market", "scheduler:\n  market_open: \"17:00\"\n", "after"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeHomeConfig(t, tc.body)
			_, err := config.Load()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestFingerprint_ChangesWithDebug(t *testing.T) {
	a := config.Config{BaseURL: "http://x"}
	b := a
	b.Debug = true
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with debug toggle")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := config.ParseClock("16:30")
	if err != nil || h != 16 || m != 30 {
		t.Fatalf("ParseClock(16:30) = %d, %d, %v", h, m, err)
	}
	if _, _, err := config.ParseClock("24:00"); err == nil {
		t.Fatal("expected error for 24:00")
	}
}
