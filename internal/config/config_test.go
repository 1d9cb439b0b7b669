package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Validation.AppID = "app-1"
	cfg.Validation.ValidationEndpoint = "https://validator.example.com/v1/receipt"
	cfg.Validation.InventoryEndpoint = "https://validator.example.com/v1/user"
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Validation.SyncPolicy != "once" {
		t.Errorf("Expected once sync policy, got %s", cfg.Validation.SyncPolicy)
	}
	if cfg.Validation.HistoryWindowSeconds != 2628000 {
		t.Errorf("Expected history window 2628000, got %d", cfg.Validation.HistoryWindowSeconds)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"server":{"port":"9000"},"validation":{"app_id":"from-file","sync_policy":"delay","sync_delay_seconds":1800}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("IAP_APP_ID", "from-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("Expected port from file, got %s", cfg.Server.Port)
	}
	if cfg.Validation.AppID != "from-env" {
		t.Errorf("Expected app id from env, got %s", cfg.Validation.AppID)
	}
	if cfg.Validation.SyncDelaySeconds != 1800 {
		t.Errorf("Expected sync delay 1800, got %d", cfg.Validation.SyncDelaySeconds)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
storage:
  backend: redis
  redis_addr: cache:6379
validation:
  storefront: AppleAppStore
  platform: ios
  local_enabled: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.RedisAddr != "cache:6379" {
		t.Errorf("Unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Validation.Storefront != "AppleAppStore" {
		t.Errorf("Expected AppleAppStore, got %s", cfg.Validation.Storefront)
	}
	if cfg.Validation.LocalEnabled {
		t.Error("Expected local validation to be disabled")
	}
	if !cfg.Validation.RemoteEnabled {
		t.Error("Expected remote validation default to survive")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no port", func(c *Config) { c.Server.Port = "" }},
		{"cert without key", func(c *Config) { c.Server.CertFile = "cert.pem" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis"; c.Storage.RedisAddr = "" }},
		{"bad rate", func(c *Config) { c.RateLimit.Rate = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"no app id", func(c *Config) { c.Validation.AppID = "" }},
		{"bad method", func(c *Config) { c.Validation.Method = "GET" }},
		{"unknown policy", func(c *Config) { c.Validation.SyncPolicy = "sometimes" }},
		{"delay without delay", func(c *Config) { c.Validation.SyncPolicy = "delay" }},
		{"sync without endpoint", func(c *Config) { c.Validation.InventoryEndpoint = "" }},
		{"inverted jitter", func(c *Config) { c.Validation.RestoreJitterMaxMs = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	t.Run("memory backend without database path", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Storage.Backend = "memory"
		cfg.Database.Path = ""
		if err := cfg.Validate(); err != nil {
			t.Errorf("Expected valid config, got %v", err)
		}
	})
}
