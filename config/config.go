// Package config loads environment variables and provides a typed Config used across the daemon.
// It applies defaults so the binary can run locally with no setup beyond the platform client ids.
// Use Validate to report invalid combinations before wiring.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Control server
	HTTPAddr     string
	ControlToken string

	// Settings store
	SettingsBackend string
	SettingsPath    string
	DBDsn           string
	EncryptionKey   string

	// Twitch
	TwitchClientID     string
	TwitchCallbackPort int
	TwitchAPIBase      string
	TwitchAuthBase     string

	// Trovo
	TrovoClientID     string
	TrovoCallbackPort int
	TrovoAPIBase      string
	TrovoAuthProxyURL string
	TrovoLoginURL     string

	// Runtime
	AuthTimeout       time.Duration
	HTTPWorkers       int
	ReconcileInterval time.Duration
	ValidateInterval  time.Duration
	OTLPEndpoint      string
}

// LoadDotEnv loads path (default ".env") into the environment if present.
// Variables already set take precedence.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// Load reads environment variables and applies defaults. Malformed numbers and
// durations are errors; missing values fall back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          strings.ToLower(os.Getenv("LOG_LEVEL")),
		LogFormat:         strings.ToLower(os.Getenv("LOG_FORMAT")),
		HTTPAddr:          env("HTTP_ADDR", "127.0.0.1:8765"),
		ControlToken:      os.Getenv("CONTROL_TOKEN"),
		SettingsBackend:   strings.ToLower(env("SETTINGS_BACKEND", BackendFile)),
		SettingsPath:      env("SETTINGS_PATH", "data/settings.json"),
		DBDsn:             os.Getenv("DB_DSN"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		TwitchClientID:    os.Getenv("TWITCH_CLIENT_ID"),
		TwitchAPIBase:     os.Getenv("TWITCH_API_BASE"),
		TwitchAuthBase:    os.Getenv("TWITCH_AUTH_BASE"),
		TrovoClientID:     os.Getenv("TROVO_CLIENT_ID"),
		TrovoAPIBase:      os.Getenv("TROVO_API_BASE"),
		TrovoAuthProxyURL: os.Getenv("TROVO_AUTH_PROXY_URL"),
		TrovoLoginURL:     os.Getenv("TROVO_LOGIN_URL"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}

	var err error
	if cfg.TwitchCallbackPort, err = envInt("TWITCH_CALLBACK_PORT", 30000); err != nil {
		return nil, err
	}
	if cfg.TrovoCallbackPort, err = envInt("TROVO_CALLBACK_PORT", 31000); err != nil {
		return nil, err
	}
	if cfg.HTTPWorkers, err = envInt("HTTP_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = envDuration("AUTH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.ValidateInterval, err = envDuration("VALIDATE_INTERVAL", 30*time.Minute); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: want text or json", c.LogFormat))
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("HTTP_ADDR %q: %w", c.HTTPAddr, err))
	}
	switch c.SettingsBackend {
	case BackendFile:
		if c.SettingsPath == "" {
			errs = append(errs, errors.New("SETTINGS_PATH is required for the file backend"))
		}
	case BackendPostgres:
		if c.DBDsn == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("SETTINGS_BACKEND %q: want file, postgres or memory", c.SettingsBackend))
	}
	if c.EncryptionKey != "" {
		if key, err := base64.StdEncoding.DecodeString(c.EncryptionKey); err != nil || len(key) != 32 {
			errs = append(errs, errors.New("ENCRYPTION_KEY must be 32 bytes, base64 encoded"))
		}
	}
	for name, port := range map[string]int{"TWITCH_CALLBACK_PORT": c.TwitchCallbackPort, "TROVO_CALLBACK_PORT": c.TrovoCallbackPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d: out of range", name, port))
		}
	}
	if c.TwitchCallbackPort == c.TrovoCallbackPort {
		errs = append(errs, errors.New("TWITCH_CALLBACK_PORT and TROVO_CALLBACK_PORT must differ"))
	}
	if c.HTTPWorkers <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_WORKERS %d: must be positive", c.HTTPWorkers))
	}
	if c.AuthTimeout < time.Second {
		errs = append(errs, fmt.Errorf("AUTH_TIMEOUT %v: must be at least 1s", c.AuthTimeout))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	if c.TwitchClientID == "" && c.TrovoClientID == "" {
		errs = append(errs, errors.New("no platform configured: set TWITCH_CLIENT_ID and/or TROVO_CLIENT_ID"))
	}
	return errors.Join(errs...)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// envDuration accepts a Go duration ("45s") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// TwitchAuthorizeURL is TWITCH_AUTH_BASE + "/authorize", or empty for the
// production endpoint.
func (c *Config) TwitchAuthorizeURL() string {
	if c.TwitchAuthBase == "" {
		return ""
	}
	return strings.TrimRight(c.TwitchAuthBase, "/") + "/authorize"
}

// TwitchValidateURL is TWITCH_AUTH_BASE + "/validate", or empty for the
// production endpoint.
func (c *Config) TwitchValidateURL() string {
	if c.TwitchAuthBase == "" {
		return ""
	}
	return strings.TrimRight(c.TwitchAuthBase, "/") + "/validate"
}
