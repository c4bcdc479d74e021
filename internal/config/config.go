// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	APIURL          string
	WSPath          string
	DataDir         string
	DBPath          string
	RequestTimeout  time.Duration // non-streaming requests only
	ConnectTimeout  time.Duration // initial connection-status check and socket dial
	Reconnect       ReconnectConfig
	HistoryLimit    int
	HealthInterval  time.Duration
	LogLevel        string
	LogFormat       string
	ConversationLog ConversationLogConfig
}

// ReconnectConfig bounds the realtime reconnect backoff.
type ReconnectConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ConversationLogConfig controls the NDJSON conversation transcript.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("AGENTGOV_DATA_DIR", defaultDataDir())

	queueSize := getEnvInt("AGENTGOV_CONVERSATION_LOG_QUEUE_SIZE", 256)
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := &Config{
		APIURL:         strings.TrimRight(getEnv("AGENTGOV_API_URL", "http://localhost:8000"), "/"),
		WSPath:         getEnv("AGENTGOV_WS_PATH", "/ws"),
		DataDir:        dataDir,
		DBPath:         getEnv("AGENTGOV_DB_PATH", filepath.Join(dataDir, "state.db")),
		RequestTimeout: getEnvDuration("AGENTGOV_REQUEST_TIMEOUT", 30*time.Second),
		ConnectTimeout: getEnvDuration("AGENTGOV_CONNECT_TIMEOUT", 5*time.Second),
		Reconnect: ReconnectConfig{
			BaseDelay: getEnvDuration("AGENTGOV_RECONNECT_BASE", time.Second),
			MaxDelay:  getEnvDuration("AGENTGOV_RECONNECT_MAX", 30*time.Second),
		},
		HistoryLimit:   getEnvInt("AGENTGOV_HISTORY_LIMIT", 50),
		HealthInterval: getEnvDuration("AGENTGOV_HEALTH_INTERVAL", 30*time.Second),
		LogLevel:       strings.ToLower(getEnv("AGENTGOV_LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("AGENTGOV_LOG_FORMAT", "json")),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("AGENTGOV_CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("AGENTGOV_CONVERSATION_LOG_DIR", filepath.Join(dataDir, "conversations")),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("AGENTGOV_API_URL cannot be empty")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("AGENTGOV_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("AGENTGOV_WS_PATH must start with /")
	}
	if c.DBPath == "" {
		return fmt.Errorf("AGENTGOV_DB_PATH cannot be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("AGENTGOV_CONNECT_TIMEOUT must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < AGENTGOV_RECONNECT_BASE <= AGENTGOV_RECONNECT_MAX")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("AGENTGOV_HISTORY_LIMIT must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("AGENTGOV_CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// WebSocketURL returns the realtime endpoint derived from the API URL.
func (c *Config) WebSocketURL() string {
	base := c.APIURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.WSPath
}

// IsDevelopment returns true if the backend is a local address.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.APIURL, "localhost") ||
		strings.Contains(c.APIURL, "127.0.0.1")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgov"
	}
	return filepath.Join(home, ".agentgov")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
