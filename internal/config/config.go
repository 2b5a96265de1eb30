package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort          int           `yaml:"http_port"`
	SMTPPort          int           `yaml:"smtp_port"`
	SMTPEnabled       bool          `yaml:"smtp_enabled"`
	SMTPPassword      string        `yaml:"smtp_password"`
	DBPath            string        `yaml:"db_path"`
	AuthSecret        string        `yaml:"auth_secret"`
	AdminEmail        string        `yaml:"admin_email"`
	AdminName         string        `yaml:"admin_name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	LogLevel          string        `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		HTTPPort:          3025,
		SMTPPort:          2025,
		SMTPEnabled:       true,
		SMTPPassword:      "intramail",
		AdminEmail:        "admin@intramail.local",
		AdminName:         "Administrator",
		HeartbeatInterval: 30 * time.Second,
		StaleAfter:        90 * time.Second,
		ReapInterval:      60 * time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFromFile reads a YAML base layer, then applies environment overrides.
func LoadFromFile(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.SMTPPort = getEnvInt("SMTP_PORT", c.SMTPPort)
	c.SMTPEnabled = getEnvBool("SMTP_ENABLED", c.SMTPEnabled)
	c.SMTPPassword = getEnvString("SMTP_PASSWORD", c.SMTPPassword)
	c.DBPath = getEnvString("DB_PATH", c.DBPath)
	c.AuthSecret = getEnvString("AUTH_SECRET", c.AuthSecret)
	c.AdminEmail = strings.ToLower(getEnvString("ADMIN_EMAIL", c.AdminEmail))
	c.AdminName = getEnvString("ADMIN_NAME", c.AdminName)
	c.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.StaleAfter = getEnvDuration("STALE_AFTER", c.StaleAfter)
	c.ReapInterval = getEnvDuration("REAP_INTERVAL", c.ReapInterval)
	c.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", c.LogLevel))
}

// Level maps LogLevel onto slog, defaulting to info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
