// Package config loads and validates the promptforge TOML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"log/slog"

	"github.com/BurntSushi/toml"
)

const Version = "0.1.0"

type Config struct {
	DBPath   string `toml:"db_path"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	Server        ServerConfig        `toml:"server"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Optimizer     OptimizerConfig     `toml:"optimizer"`
	Notifications NotificationsConfig `toml:"notifications"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type ServerConfig struct {
	ListenAddr     string  `toml:"listen_addr"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

type DaemonConfig struct {
	PIDFile                string `toml:"pid_file"`
	MaxWorkers             int    `toml:"max_workers"`
	SweepIntervalSeconds   int    `toml:"sweep_interval_seconds"`
	LivenessTimeoutSeconds int    `toml:"liveness_timeout_seconds"`
}

type OptimizerConfig struct {
	Command        string  `toml:"command"`
	TimeoutMinutes int     `toml:"timeout_minutes"`
	ModelMode      string  `toml:"model_mode"`
	RateLimit      int     `toml:"rate_limit"`
	RecordLimit    int     `toml:"record_limit"`
	TrainSplit     float64 `toml:"train_split"`
}

type NotificationsConfig struct {
	WebhookURL      string   `toml:"webhook_url"`
	SlackWebhookURL string   `toml:"slack_webhook_url"`
	Events          []string `toml:"events"`
}

const (
	EventCompleted = "completed"
	EventFailed    = "failed"
)

var defaultNotificationEvents = []string{EventCompleted, EventFailed}

// ModelModes the external optimizer understands. Validated before a worker
// is ever spawned so a typo fails at job creation, not mid-run.
var ModelModes = []string{"fast", "balanced", "quality"}

func ValidModelMode(mode string) bool {
	return slices.Contains(ModelModes, mode)
}

// Load reads a config file and applies defaults, environment overrides and
// validation. Missing file is not an error when path is empty: the defaults
// stand alone, so promptforge runs with zero configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		cfg.BaseDir = filepath.Dir(path)
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if d, err := DataDir(); err == nil {
			cfg.DataDir = d
		} else {
			cfg.DataDir = ".promptforge"
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "promptforge.db")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "promptforge.log")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.Server.RateLimitRPS == 0 {
		cfg.Server.RateLimitRPS = 10
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = 20
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = filepath.Join(cfg.DataDir, "promptforge.pid")
	}
	if cfg.Daemon.MaxWorkers == 0 {
		cfg.Daemon.MaxWorkers = 4
	}
	if cfg.Daemon.SweepIntervalSeconds == 0 {
		cfg.Daemon.SweepIntervalSeconds = 60
	}
	if cfg.Daemon.LivenessTimeoutSeconds == 0 {
		cfg.Daemon.LivenessTimeoutSeconds = 300
	}
	if cfg.Optimizer.Command == "" {
		cfg.Optimizer.Command = "mipro-run"
	}
	if cfg.Optimizer.TimeoutMinutes == 0 {
		cfg.Optimizer.TimeoutMinutes = 120
	}
	if cfg.Optimizer.ModelMode == "" {
		cfg.Optimizer.ModelMode = "balanced"
	}
	if cfg.Optimizer.RateLimit == 0 {
		cfg.Optimizer.RateLimit = 10
	}
	if cfg.Optimizer.TrainSplit == 0 {
		cfg.Optimizer.TrainSplit = 0.8
	}
	if cfg.Notifications.Events == nil {
		cfg.Notifications.Events = slices.Clone(defaultNotificationEvents)
	}
}

// applyEnv layers PROMPTFORGE_* environment variables over file values.
// Env wins over everything so deployments can override without editing TOML.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PROMPTFORGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROMPTFORGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROMPTFORGE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("PROMPTFORGE_WEBHOOK_URL"); v != "" {
		cfg.Notifications.WebhookURL = v
	}
	if v := os.Getenv("PROMPTFORGE_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("PROMPTFORGE_OPTIMIZER_COMMAND"); v != "" {
		cfg.Optimizer.Command = v
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	if !ValidModelMode(cfg.Optimizer.ModelMode) {
		return fmt.Errorf("unsupported optimizer.model_mode: %q (must be one of %s)",
			cfg.Optimizer.ModelMode, strings.Join(ModelModes, ", "))
	}
	if cfg.Optimizer.TrainSplit <= 0 || cfg.Optimizer.TrainSplit >= 1 {
		return fmt.Errorf("optimizer.train_split must be between 0 and 1 exclusive, got %v", cfg.Optimizer.TrainSplit)
	}
	if cfg.Optimizer.TimeoutMinutes < 0 {
		return fmt.Errorf("optimizer.timeout_minutes must not be negative, got %d", cfg.Optimizer.TimeoutMinutes)
	}
	if cfg.Optimizer.RateLimit < 0 {
		return fmt.Errorf("optimizer.rate_limit must not be negative, got %d", cfg.Optimizer.RateLimit)
	}
	if cfg.Optimizer.RecordLimit < 0 {
		return fmt.Errorf("optimizer.record_limit must not be negative, got %d", cfg.Optimizer.RecordLimit)
	}
	if cfg.Daemon.MaxWorkers < 1 {
		return fmt.Errorf("daemon.max_workers must be at least 1, got %d", cfg.Daemon.MaxWorkers)
	}
	if cfg.Notifications.WebhookURL != "" {
		if err := validateWebhookURL(cfg.Notifications.WebhookURL); err != nil {
			return fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.Notifications.SlackWebhookURL != "" {
		if err := validateWebhookURL(cfg.Notifications.SlackWebhookURL); err != nil {
			return fmt.Errorf("invalid notifications.slack_webhook_url: %w", err)
		}
	}
	normalized, err := normalizeEvents(cfg.Notifications.Events)
	if err != nil {
		return fmt.Errorf("invalid notifications.events: %w", err)
	}
	cfg.Notifications.Events = normalized
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeEvents(events []string) ([]string, error) {
	out := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for i, event := range events {
		normalized := strings.ToLower(strings.TrimSpace(event))
		if normalized == "" {
			return nil, fmt.Errorf("event at index %d is empty", i)
		}
		switch normalized {
		case EventCompleted, EventFailed:
		default:
			return nil, fmt.Errorf("unsupported event %q", normalized)
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func resolvePaths(cfg *Config) {
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = expandHome(cfg.DataDir, home)
		cfg.DBPath = expandHome(cfg.DBPath, home)
		cfg.LogFile = expandHome(cfg.LogFile, home)
		cfg.Daemon.PIDFile = expandHome(cfg.Daemon.PIDFile, home)
	}
	cfg.DataDir = absPath(cfg.BaseDir, cfg.DataDir)
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	cfg.Daemon.PIDFile = absPath(cfg.BaseDir, cfg.Daemon.PIDFile)
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if base == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return filepath.Join(base, path)
}

// RunsRoot is the directory that holds per-job run directories.
func (cfg *Config) RunsRoot() string {
	return filepath.Join(cfg.DataDir, "runs")
}

// RunDir returns the side-file directory for one job (worker log, raw
// optimizer event stream, result bundle).
func (cfg *Config) RunDir(jobID string) string {
	return filepath.Join(cfg.RunsRoot(), jobID)
}

func (cfg *Config) SweepInterval() time.Duration {
	return time.Duration(cfg.Daemon.SweepIntervalSeconds) * time.Second
}

func (cfg *Config) LivenessTimeout() time.Duration {
	return time.Duration(cfg.Daemon.LivenessTimeoutSeconds) * time.Second
}

// OptimizerTimeout returns the deadline for one external optimizer call.
// Zero disables the deadline.
func (cfg *Config) OptimizerTimeout() time.Duration {
	return time.Duration(cfg.Optimizer.TimeoutMinutes) * time.Minute
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
