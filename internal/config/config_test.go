package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTGOV_DATA_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIURL != "http://localhost:8000" {
		t.Errorf("unexpected APIURL %q", cfg.APIURL)
	}
	if cfg.DBPath != filepath.Join(dir, "state.db") {
		t.Errorf("unexpected DBPath %q", cfg.DBPath)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("unexpected ConnectTimeout %v", cfg.ConnectTimeout)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("unexpected reconnect max %v", cfg.Reconnect.MaxDelay)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected localhost to be development")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENTGOV_DATA_DIR", t.TempDir())
	t.Setenv("AGENTGOV_API_URL", "https://gov.example.com/")
	t.Setenv("AGENTGOV_RECONNECT_BASE", "250ms")
	t.Setenv("AGENTGOV_RECONNECT_MAX", "4s")
	t.Setenv("AGENTGOV_HISTORY_LIMIT", "10")
	t.Setenv("AGENTGOV_CONVERSATION_LOG_ENABLED", "yes")
	t.Setenv("AGENTGOV_CONVERSATION_LOG_QUEUE_SIZE", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIURL != "https://gov.example.com" {
		t.Errorf("trailing slash not trimmed: %q", cfg.APIURL)
	}
	if got := cfg.WebSocketURL(); got != "wss://gov.example.com/ws" {
		t.Errorf("unexpected websocket URL %q", got)
	}
	if cfg.Reconnect.BaseDelay != 250*time.Millisecond {
		t.Errorf("unexpected base delay %v", cfg.Reconnect.BaseDelay)
	}
	if cfg.HistoryLimit != 10 {
		t.Errorf("unexpected history limit %d", cfg.HistoryLimit)
	}
	if !cfg.ConversationLog.Enabled || cfg.ConversationLog.QueueSize != 256 {
		t.Errorf("unexpected conversation log config %+v", cfg.ConversationLog)
	}
	if cfg.IsDevelopment() {
		t.Error("remote URL should not be development")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			APIURL:         "http://localhost:8000",
			WSPath:         "/ws",
			DBPath:         "state.db",
			ConnectTimeout: time.Second,
			Reconnect:      ReconnectConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second},
			HistoryLimit:   5,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative api url", func(c *Config) { c.APIURL = "localhost:8000" }},
		{"ws path", func(c *Config) { c.WSPath = "ws" }},
		{"db path", func(c *Config) { c.DBPath = "" }},
		{"connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"reconnect order", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }},
		{"history limit", func(c *Config) { c.HistoryLimit = 0 }},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
