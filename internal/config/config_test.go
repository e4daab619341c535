package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(New(dir), filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != dir || cfg.WindowDays != 90 || cfg.Strategy != "newest_wins" || cfg.DefaultTaskList != "@default" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.Timeout != 30*time.Second {
		t.Errorf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Daemon.Interval != 15*time.Minute || cfg.Daemon.Debounce != 2*time.Second || cfg.Dashboard.Port != 8080 {
		t.Errorf("unexpected daemon defaults %+v %+v", cfg.Daemon, cfg.Dashboard)
	}
	if cfg.AuditPath() != filepath.Join(dir, "audit", "deletions.jsonl") {
		t.Errorf("AuditPath() = %s", cfg.AuditPath())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	content := `
account = "me@example.com"
window_days = 30

[retry]
base_delay = "1s"

[daemon]
interval = "5m"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TSYNC_WINDOW_DAYS", "7")

	cfg, err := Load(New(dir), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Account != "me@example.com" {
		t.Errorf("Account = %q", cfg.Account)
	}
	if cfg.WindowDays != 7 {
		t.Errorf("environment must override the file, WindowDays = %d", cfg.WindowDays)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("unexpected retry %+v", cfg.Retry)
	}
	if cfg.Daemon.Interval != 5*time.Minute {
		t.Errorf("Daemon.Interval = %v", cfg.Daemon.Interval)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown strategy", `strategy = "coin_flip"`},
		{"zero window", `window_days = 0`},
		{"no attempts", "[retry]\nmax_attempts = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, FileName)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(New(dir), path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)

	if err := WriteDefault(path, dir); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}
	if err := WriteDefault(path, dir); err == nil {
		t.Error("second WriteDefault() must refuse to overwrite")
	}

	cfg, err := Load(New(t.TempDir()), path)
	if err != nil {
		t.Fatalf("Load() of written defaults failed: %v", err)
	}
	if cfg.DataDir != dir || cfg.Daemon.Interval != 15*time.Minute {
		t.Errorf("unexpected config %+v", cfg)
	}

	out, err := Encode(cfg)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if !strings.Contains(out, `interval = "15m0s"`) {
		t.Errorf("encoded config lacks readable durations:\n%s", out)
	}
}

func TestRetryPolicy(t *testing.T) {
	cfg := &Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second, Timeout: time.Minute}}
	p := cfg.RetryPolicy()
	if p.MaxAttempts != 3 || p.Timeout != time.Minute {
		t.Errorf("unexpected policy %+v", p)
	}
	if got := p.Backoff(5); got != 4*time.Second {
		t.Errorf("backoff must be capped, got %v", got)
	}
}

func TestEncode_RedactsRemoteToken(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TSYNC_REMOTE_AUTH_TOKEN", "s3cret")
	cfg, err := Load(New(dir), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.AuthToken != "s3cret" {
		t.Fatalf("AuthToken = %q", cfg.Remote.AuthToken)
	}
	out, err := Encode(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "s3cret") {
		t.Errorf("token leaked into encoded config:\n%s", out)
	}
}
