package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Security   SecurityConfig   `json:"security" yaml:"security"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Validation ValidationConfig `json:"validation" yaml:"validation"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port     string `json:"port" yaml:"port"`
	Host     string `json:"host" yaml:"host"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// StorageConfig selects where the history marker and purchase records live.
type StorageConfig struct {
	// Backend is one of sqlite, redis or memory.
	Backend       string `json:"backend" yaml:"backend"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// TracingConfig configures the jaeger exporter.
type TracingConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
	JaegerEndpoint string `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	Environment    string `json:"environment" yaml:"environment"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

// ValidationConfig holds the purchase validation settings.
type ValidationConfig struct {
	AppID      string `json:"app_id" yaml:"app_id"`
	BundleID   string `json:"bundle_id" yaml:"bundle_id"`
	Platform   string `json:"platform" yaml:"platform"`
	Storefront string `json:"storefront" yaml:"storefront"`
	UserID     string `json:"user_id" yaml:"user_id"`

	ValidationEndpoint string `json:"validation_endpoint" yaml:"validation_endpoint"`
	InventoryEndpoint  string `json:"inventory_endpoint" yaml:"inventory_endpoint"`
	Method             string `json:"method" yaml:"method"`
	TimeoutSeconds     int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxResponseSize    int64  `json:"max_response_size" yaml:"max_response_size"`
	InventoryRetries   int    `json:"inventory_retries" yaml:"inventory_retries"`

	GooglePublicKey string `json:"google_public_key" yaml:"google_public_key"`
	LocalEnabled    bool   `json:"local_enabled" yaml:"local_enabled"`
	RemoteEnabled   bool   `json:"remote_enabled" yaml:"remote_enabled"`

	// SyncPolicy is disabled, once or delay.
	SyncPolicy           string `json:"sync_policy" yaml:"sync_policy"`
	SyncDelaySeconds     int    `json:"sync_delay_seconds" yaml:"sync_delay_seconds"`
	HistoryWindowSeconds int    `json:"history_window_seconds" yaml:"history_window_seconds"`
	RestoreJitterMinMs   int    `json:"restore_jitter_min_ms" yaml:"restore_jitter_min_ms"`
	RestoreJitterMaxMs   int    `json:"restore_jitter_max_ms" yaml:"restore_jitter_max_ms"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Path: "./receipt_validator.db",
		},
		Storage: StorageConfig{
			Backend:   "sqlite",
			RedisAddr: "localhost:6379",
			KeyPrefix: "receipt-validator",
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Tracing: TracingConfig{
			ServiceName:    "receipt-validator",
			JaegerEndpoint: "http://localhost:14268/api/traces",
			Environment:    "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Validation: ValidationConfig{
			Platform:             "android",
			Storefront:           "GooglePlay",
			Method:               "POST",
			TimeoutSeconds:       30,
			MaxResponseSize:      1 << 20,
			InventoryRetries:     3,
			LocalEnabled:         true,
			RemoteEnabled:        true,
			SyncPolicy:           "once",
			HistoryWindowSeconds: 2628000,
			RestoreJitterMinMs:   2000,
			RestoreJitterMaxMs:   5000,
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON or YAML file, picked by extension.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")
	setString(&cfg.Server.CertFile, "SERVER_CERT_FILE")
	setString(&cfg.Server.KeyFile, "SERVER_KEY_FILE")

	setString(&cfg.Database.Path, "DATABASE_PATH")

	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Storage.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Storage.RedisDB, "REDIS_DB")
	setString(&cfg.Storage.KeyPrefix, "STORAGE_KEY_PREFIX")

	setInt64(&cfg.Security.MaxRequestBodySize, "MAX_REQUEST_BODY_SIZE")
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.ServiceName, "SERVICE_NAME")
	setString(&cfg.Tracing.JaegerEndpoint, "JAEGER_ENDPOINT")
	setString(&cfg.Tracing.Environment, "ENVIRONMENT")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	v := &cfg.Validation
	setString(&v.AppID, "IAP_APP_ID")
	setString(&v.BundleID, "IAP_BUNDLE_ID")
	setString(&v.Platform, "IAP_PLATFORM")
	setString(&v.Storefront, "IAP_STOREFRONT")
	setString(&v.UserID, "IAP_USER_ID")
	setString(&v.ValidationEndpoint, "IAP_VALIDATION_ENDPOINT")
	setString(&v.InventoryEndpoint, "IAP_INVENTORY_ENDPOINT")
	setString(&v.Method, "IAP_METHOD")
	setInt(&v.TimeoutSeconds, "IAP_TIMEOUT_SECONDS")
	setInt64(&v.MaxResponseSize, "IAP_MAX_RESPONSE_SIZE")
	setInt(&v.InventoryRetries, "IAP_INVENTORY_RETRIES")
	setString(&v.GooglePublicKey, "IAP_GOOGLE_PUBLIC_KEY")
	setBool(&v.LocalEnabled, "IAP_LOCAL_VALIDATION")
	setBool(&v.RemoteEnabled, "IAP_REMOTE_VALIDATION")
	setString(&v.SyncPolicy, "IAP_SYNC_POLICY")
	setInt(&v.SyncDelaySeconds, "IAP_SYNC_DELAY_SECONDS")
	setInt(&v.HistoryWindowSeconds, "IAP_HISTORY_WINDOW_SECONDS")
	setInt(&v.RestoreJitterMinMs, "IAP_RESTORE_JITTER_MIN_MS")
	setInt(&v.RestoreJitterMaxMs, "IAP_RESTORE_JITTER_MAX_MS")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = strings.ToLower(value) == "true" || value == "1"
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func setInt64(dst *int64, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			*dst = i
		}
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("cert file and key file must be set together")
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("redis address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	v := c.Validation
	if v.RemoteEnabled {
		if v.AppID == "" {
			return fmt.Errorf("validation app id is required")
		}
		if v.ValidationEndpoint == "" {
			return fmt.Errorf("validation endpoint is required")
		}
	}
	switch strings.ToUpper(v.Method) {
	case "POST", "PUT":
	default:
		return fmt.Errorf("validation method must be POST or PUT, got %q", v.Method)
	}
	switch strings.ToLower(v.SyncPolicy) {
	case "", "disabled", "off":
	case "once", "delay":
		if v.InventoryEndpoint == "" {
			return fmt.Errorf("inventory endpoint is required when inventory sync is enabled")
		}
		if strings.EqualFold(v.SyncPolicy, "delay") && v.SyncDelaySeconds <= 0 {
			return fmt.Errorf("sync delay must be positive for the delay policy")
		}
	default:
		return fmt.Errorf("unknown sync policy %q", v.SyncPolicy)
	}
	if v.RestoreJitterMinMs < 0 || v.RestoreJitterMaxMs < v.RestoreJitterMinMs {
		return fmt.Errorf("restore jitter range is invalid")
	}
	return nil
}
