package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration shared by the commands.
type Config struct {
	ProfileRoot string        `yaml:"profile_root"`
	Profile     string        `yaml:"profile"`
	SnapshotDSN string        `yaml:"snapshot_dsn"`
	Server      ServerConfig  `yaml:"server"`
	Remote      RemoteConfig  `yaml:"remote"`
	Refresh     RefreshConfig `yaml:"refresh"`
	Watch       WatchConfig   `yaml:"watch"`
	Mount       MountConfig   `yaml:"mount"`
	Log         LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type RemoteConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type RefreshConfig struct {
	Interval time.Duration `yaml:"interval"`
	Jitter   float64       `yaml:"jitter"`
	Timeout  time.Duration `yaml:"timeout"`
	OnStart  bool          `yaml:"on_start"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type MountConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	root := ".projectfs"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".projectfs")
	}
	return Config{
		ProfileRoot: root,
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
		Remote: RemoteConfig{
			BaseURL:    "https://www.overleaf.com",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		},
		Refresh: RefreshConfig{
			Interval: 15 * time.Minute,
			Jitter:   0.2,
			Timeout:  60 * time.Second,
			OnStart:  true,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads defaults, then the YAML file named by PROJECTFS_CONFIG_PATH,
// then PROJECTFS_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("PROJECTFS_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ProfileRoot, "PROJECTFS_PROFILE_ROOT")
	setString(&cfg.Profile, "PROJECTFS_PROFILE")
	setString(&cfg.SnapshotDSN, "PROJECTFS_SNAPSHOT_DSN")
	setString(&cfg.Server.Addr, "PROJECTFS_ADDR")
	setString(&cfg.Server.Token, "PROJECTFS_API_TOKEN")
	setString(&cfg.Remote.BaseURL, "PROJECTFS_REMOTE_BASE_URL")
	setString(&cfg.Remote.Token, "PROJECTFS_REMOTE_TOKEN")
	setString(&cfg.Mount.Dir, "PROJECTFS_MOUNT_DIR")
	setString(&cfg.Log.Level, "PROJECTFS_LOG_LEVEL")
	setString(&cfg.Log.Format, "PROJECTFS_LOG_FORMAT")

	for name, target := range map[string]*time.Duration{
		"PROJECTFS_REMOTE_TIMEOUT":   &cfg.Remote.Timeout,
		"PROJECTFS_REFRESH_INTERVAL": &cfg.Refresh.Interval,
		"PROJECTFS_REFRESH_TIMEOUT":  &cfg.Refresh.Timeout,
		"PROJECTFS_WATCH_DEBOUNCE":   &cfg.Watch.Debounce,
	} {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*target = value
	}
	if raw := strings.TrimSpace(os.Getenv("PROJECTFS_REMOTE_MAX_RETRIES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid PROJECTFS_REMOTE_MAX_RETRIES: %w", err)
		}
		cfg.Remote.MaxRetries = value
	}
	if raw := strings.TrimSpace(os.Getenv("PROJECTFS_REFRESH_JITTER")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid PROJECTFS_REFRESH_JITTER: %w", err)
		}
		cfg.Refresh.Jitter = value
	}
	for name, target := range map[string]*bool{
		"PROJECTFS_REFRESH_ON_START": &cfg.Refresh.OnStart,
		"PROJECTFS_WATCH":            &cfg.Watch.Enabled,
	} {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*target = value
	}
	return nil
}

func setString(target *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

func (c Config) Validate() error {
	return validation.Errors{
		"profile_root": validation.Validate(c.ProfileRoot, validation.Required),
		"log.level":    validation.Validate(c.Log.Level, validation.In("debug", "info", "warn", "error")),
		"log.format":   validation.Validate(c.Log.Format, validation.In("text", "json")),
		"refresh.jitter": validation.Validate(c.Refresh.Jitter,
			validation.Min(0.0), validation.Max(1.0)),
		"remote.max_retries": validation.Validate(c.Remote.MaxRetries, validation.Min(0)),
	}.Filter()
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
