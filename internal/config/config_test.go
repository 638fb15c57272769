package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promptforge.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:8765" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Daemon.MaxWorkers != 4 {
		t.Errorf("max_workers = %d, want 4", cfg.Daemon.MaxWorkers)
	}
	if cfg.Optimizer.Command != "mipro-run" {
		t.Errorf("optimizer command = %q", cfg.Optimizer.Command)
	}
	if cfg.Optimizer.ModelMode != "balanced" {
		t.Errorf("model_mode = %q", cfg.Optimizer.ModelMode)
	}
	if cfg.Optimizer.TrainSplit != 0.8 {
		t.Errorf("train_split = %v", cfg.Optimizer.TrainSplit)
	}
	if cfg.OptimizerTimeout() != 120*time.Minute {
		t.Errorf("optimizer timeout = %v", cfg.OptimizerTimeout())
	}
	if cfg.SweepInterval() != 60*time.Second {
		t.Errorf("sweep interval = %v", cfg.SweepInterval())
	}
	if len(cfg.Notifications.Events) != 2 {
		t.Errorf("events = %v, want completed+failed", cfg.Notifications.Events)
	}
	if !filepath.IsAbs(cfg.DBPath) {
		t.Errorf("db_path not resolved to absolute: %q", cfg.DBPath)
	}
	if !filepath.IsAbs(cfg.Daemon.PIDFile) {
		t.Errorf("pid_file not resolved to absolute: %q", cfg.Daemon.PIDFile)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
db_path = "store.db"
log_level = "debug"

[server]
listen_addr = "127.0.0.1:9999"

[daemon]
max_workers = 2
liveness_timeout_seconds = 30

[optimizer]
command = "optimize.sh"
model_mode = "quality"
train_split = 0.7
timeout_minutes = 5

[notifications]
events = ["failed"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DBPath != filepath.Join(filepath.Dir(path), "store.db") {
		t.Errorf("db_path = %q, want relative to config dir", cfg.DBPath)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Daemon.MaxWorkers != 2 {
		t.Errorf("max_workers = %d", cfg.Daemon.MaxWorkers)
	}
	if cfg.LivenessTimeout() != 30*time.Second {
		t.Errorf("liveness timeout = %v", cfg.LivenessTimeout())
	}
	if cfg.Optimizer.Command != "optimize.sh" || cfg.Optimizer.ModelMode != "quality" {
		t.Errorf("optimizer = %+v", cfg.Optimizer)
	}
	if cfg.OptimizerTimeout() != 5*time.Minute {
		t.Errorf("optimizer timeout = %v", cfg.OptimizerTimeout())
	}
	if len(cfg.Notifications.Events) != 1 || cfg.Notifications.Events[0] != "failed" {
		t.Errorf("events = %v", cfg.Notifications.Events)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROMPTFORGE_DB_PATH", "/tmp/override.db")
	t.Setenv("PROMPTFORGE_OPTIMIZER_COMMAND", "alt-optimizer")

	path := writeConfig(t, `db_path = "store.db"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("env override lost: db_path = %q", cfg.DBPath)
	}
	if cfg.Optimizer.Command != "alt-optimizer" {
		t.Errorf("env override lost: command = %q", cfg.Optimizer.Command)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad log level", `log_level = "trace"`, "log_level"},
		{"bad model mode", "[optimizer]\nmodel_mode = \"turbo\"", "model_mode"},
		{"bad train split", "[optimizer]\ntrain_split = 1.5", "train_split"},
		{"negative workers", "[daemon]\nmax_workers = -1", "max_workers"},
		{"bad webhook", "[notifications]\nwebhook_url = \"ftp://example.com\"", "webhook_url"},
		{"bad event", "[notifications]\nevents = [\"exploded\"]", "events"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load without file: %v", err)
	}
	if cfg.Optimizer.Command != "mipro-run" {
		t.Errorf("command = %q", cfg.Optimizer.Command)
	}
	if !ValidModelMode(cfg.Optimizer.ModelMode) {
		t.Errorf("default model mode %q not valid", cfg.Optimizer.ModelMode)
	}
}

func TestRunDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/promptforge"}
	got := cfg.RunDir("pf-job-abc")
	want := filepath.Join("/var/lib/promptforge", "runs", "pf-job-abc")
	if got != want {
		t.Errorf("RunDir = %q, want %q", got, want)
	}
}

func TestConfigDir_RespectsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != filepath.Join("/custom/config", "promptforge") {
		t.Errorf("dir = %q", dir)
	}
}
