package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "QUILL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "quill.db"
	defaultLogLevel        = "info"
	defaultDebounceMillis  = 750
	defaultSweepSeconds    = 10
	defaultIdleSeconds     = 30
	minimumDebounceMillis  = 10
	minimumPresenceSeconds = 1
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	SigningSecret  string
	DatabasePath   string
	FlushDebounce  time.Duration
	PresenceSweep  time.Duration
	PresenceIdle   time.Duration
	LogLevel       string
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("flush.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("presence.sweep_seconds", defaultSweepSeconds)
	configViper.SetDefault("presence.idle_seconds", defaultIdleSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		FlushDebounce:  time.Duration(configViper.GetInt("flush.debounce_ms")) * time.Millisecond,
		PresenceSweep:  time.Duration(configViper.GetInt("presence.sweep_seconds")) * time.Second,
		PresenceIdle:   time.Duration(configViper.GetInt("presence.idle_seconds")) * time.Second,
		LogLevel:       configViper.GetString("log.level"),
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
	if c.FlushDebounce < minimumDebounceMillis*time.Millisecond {
		return fmt.Errorf("flush.debounce_ms must be at least %d", minimumDebounceMillis)
	}
	if c.PresenceSweep < minimumPresenceSeconds*time.Second {
		return fmt.Errorf("presence.sweep_seconds must be at least %d", minimumPresenceSeconds)
	}
	if c.PresenceIdle < minimumPresenceSeconds*time.Second {
		return fmt.Errorf("presence.idle_seconds must be at least %d", minimumPresenceSeconds)
	}
	return nil
}
