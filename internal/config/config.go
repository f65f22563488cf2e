package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "COAUTHOR"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "coauthor.db"
	defaultLogLevel      = "info"
	defaultGraceSeconds  = 30
	defaultSnapshotSecs  = 300
	defaultFlushDelayMS  = 2000
	defaultTokenTTLMins  = 30
	defaultAllowedOrigin = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	AllowedOrigins   []string
	SessionGrace     time.Duration
	SnapshotInterval time.Duration
	FlushDelay       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMins)
	configViper.SetDefault("session.grace_period_s", defaultGraceSeconds)
	configViper.SetDefault("session.flush_delay_ms", defaultFlushDelayMS)
	configViper.SetDefault("history.snapshot_interval_s", defaultSnapshotSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:   splitOrigins(configViper.GetString("http.allowed_origins")),
		SessionGrace:     time.Duration(configViper.GetInt("session.grace_period_s")) * time.Second,
		SnapshotInterval: time.Duration(configViper.GetInt("history.snapshot_interval_s")) * time.Second,
		FlushDelay:       time.Duration(configViper.GetInt("session.flush_delay_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionGrace <= 0 {
		return fmt.Errorf("session.grace_period_s must be positive")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("history.snapshot_interval_s must be positive")
	}
	if c.FlushDelay <= 0 {
		return fmt.Errorf("session.flush_delay_ms must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
