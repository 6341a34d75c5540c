// Package config loads themectl configuration from file and environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend endpoints
	ServerURL string `yaml:"server_url"`
	WSURL     string `yaml:"ws_url"` // derived from ServerURL when empty

	// Local state
	StateDir string `yaml:"state_dir"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`

	// Session lifecycle
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	MinRefreshLead    time.Duration `yaml:"min_refresh_lead"`
	ValidatorInterval time.Duration `yaml:"validator_interval"`

	// Real-time channel
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`

	// Processing defaults
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// Load reads configuration with precedence: defaults < config file < environment.
// A .env file in the working directory is applied to the environment first.
func Load() (Config, error) {
	_ = godotenv.Load() // absent .env is fine

	cfg := defaults()

	if path := configFilePath(); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	mergeEnv(&cfg)

	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.ServerURL)
	}
	return cfg, nil
}

func defaults() Config {
	stateDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(dir, "themectl")
	}
	return Config{
		ServerURL:            "http://localhost:8080",
		StateDir:             stateDir,
		LogFile:              filepath.Join(os.TempDir(), "themectl.log"),
		LogLevel:             slog.LevelInfo,
		MaxRetries:           3,
		RetryBaseDelay:       2 * time.Second,
		MinRefreshLead:       30 * time.Second,
		ValidatorInterval:    5 * time.Minute,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ChunkSize:            1000,
		ChunkOverlap:         200,
	}
}

func configFilePath() string {
	if p := os.Getenv("THEMECTL_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "themectl", "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Log level arrives as a string in YAML.
	var raw struct {
		Config   `yaml:",inline"`
		LogLevel string `yaml:"log_level"`
	}
	raw.Config = *cfg
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = raw.Config
	if raw.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(raw.LogLevel)
	}
	return nil
}

func mergeEnv(cfg *Config) {
	setString(&cfg.ServerURL, "THEMECTL_SERVER_URL")
	setString(&cfg.WSURL, "THEMECTL_WS_URL")
	setString(&cfg.StateDir, "THEMECTL_STATE_DIR")
	setString(&cfg.LogFile, "THEMECTL_LOG_FILE")
	if v := os.Getenv("THEMECTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	setInt(&cfg.MaxRetries, "THEMECTL_MAX_RETRIES")
	setDuration(&cfg.RetryBaseDelay, "THEMECTL_RETRY_BASE_DELAY")
	setDuration(&cfg.MinRefreshLead, "THEMECTL_MIN_REFRESH_LEAD")
	setDuration(&cfg.ValidatorInterval, "THEMECTL_VALIDATOR_INTERVAL")
	setInt(&cfg.MaxReconnectAttempts, "THEMECTL_MAX_RECONNECT_ATTEMPTS")
	setDuration(&cfg.ReconnectBaseDelay, "THEMECTL_RECONNECT_BASE_DELAY")
	setInt(&cfg.ChunkSize, "THEMECTL_CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "THEMECTL_CHUNK_OVERLAP")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// deriveWSURL turns the HTTP base URL into the websocket endpoint.
func deriveWSURL(serverURL string) string {
	ws := serverURL
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimRight(ws, "/") + "/ws/tasks"
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
