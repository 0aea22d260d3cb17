package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FOLLOWSTARS_CONFIG", "")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Fatalf("api base = %q", cfg.APIBaseURL)
	}
	if cfg.UserAgent != DefaultUserAgent {
		t.Fatalf("user agent = %q", cfg.UserAgent)
	}
	if cfg.MaxConcurrency != 5 || cfg.FeedLength != 100 {
		t.Fatalf("concurrency/feed = (%d, %d)", cfg.MaxConcurrency, cfg.FeedLength)
	}
	if cfg.MinIntervalMinutes != 10 || cfg.MaxIntervalMinutes != 10080 || cfg.DefaultIntervalMinutes != 60 {
		t.Fatalf("interval band = (%d, %d, %d)", cfg.MinIntervalMinutes, cfg.DefaultIntervalMinutes, cfg.MaxIntervalMinutes)
	}
	if cfg.RefreshInterval != 15*time.Minute {
		t.Fatalf("refresh = %v", cfg.RefreshInterval)
	}
	if cfg.ListenAddr() != "127.0.0.1:8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr())
	}
	if cfg.PathPrefix != "" {
		t.Fatalf("path prefix = %q, want empty", cfg.PathPrefix)
	}
	if cfg.MaintenanceSchedule != DefaultMaintenanceSchedule {
		t.Fatalf("schedule = %q", cfg.MaintenanceSchedule)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error without token")
	}
	if !strings.Contains(err.Error(), "GITHUB_TOKEN") {
		t.Fatalf("err = %v, want token complaint", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
github:
  token: file-token
  user_agent: file-agent
polling:
  max_concurrency: 2
  refresh_minutes: 5
server:
  port: 9000
  serve_prefix: /stars
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("FOLLOWSTARS_CONFIG", path)
	t.Setenv("GITHUB_TOKEN", "env-token")
	t.Setenv("FOLLOWSTARS_PORT", "9443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "env-token" {
		t.Fatalf("token = %q, want env to win", cfg.Token)
	}
	if cfg.Port != 9443 {
		t.Fatalf("port = %d, want env to win", cfg.Port)
	}
	if cfg.UserAgent != "file-agent" {
		t.Fatalf("user agent = %q, want file value", cfg.UserAgent)
	}
	if cfg.MaxConcurrency != 2 {
		t.Fatalf("concurrency = %d, want file value", cfg.MaxConcurrency)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Fatalf("refresh = %v, want file value", cfg.RefreshInterval)
	}
	if cfg.PathPrefix != "/stars" {
		t.Fatalf("prefix = %q", cfg.PathPrefix)
	}
}

func TestLoadCollectsAllErrors(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("FOLLOWSTARS_PORT", "70000")
	t.Setenv("FOLLOWSTARS_MIN_INTERVAL_MINUTES", "500")
	t.Setenv("FOLLOWSTARS_MAX_INTERVAL_MINUTES", "100")
	t.Setenv("FOLLOWSTARS_MAINTENANCE_SCHEDULE", "not-cron")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"GITHUB_TOKEN", "FOLLOWSTARS_PORT", "FOLLOWSTARS_MIN_INTERVAL_MINUTES", "FOLLOWSTARS_MAINTENANCE_SCHEDULE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %s:\n%v", want, err)
		}
	}
}

func TestLoadEmptyScheduleDisablesMaintenance(t *testing.T) {
	t.Setenv("FOLLOWSTARS_CONFIG", "")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("FOLLOWSTARS_MAINTENANCE_SCHEDULE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaintenanceSchedule != "" {
		t.Fatalf("schedule = %q, want empty", cfg.MaintenanceSchedule)
	}
}

func TestCanonicalizePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"   ", ""},
		{"stars", "/stars"},
		{"/stars", "/stars"},
		{"/stars/", "/stars"},
		{"//stars//feed/", "/stars/feed"},
		{"stars/feed", "/stars/feed"},
	}
	for _, tc := range tests {
		var errs []string
		if got := canonicalizePrefix(tc.in, &errs); got != tc.want {
			t.Errorf("canonicalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if len(errs) != 0 {
			t.Errorf("canonicalizePrefix(%q) errored: %v", tc.in, errs)
		}
	}

	var errs []string
	if got := canonicalizePrefix("/has space/", &errs); got != "" || len(errs) != 1 {
		t.Fatalf("whitespace prefix = (%q, %v), want rejection", got, errs)
	}
}
