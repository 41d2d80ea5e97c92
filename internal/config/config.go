package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "HELPDESK"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultCachePath      = "helpdesk-cache.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "helpdesk_session"
	defaultSessionIssuer  = "helpdesk-auth"
	defaultResyncMinutes  = 5
	defaultCheckMinutes   = 1
	defaultFeedAttempts   = 5
	defaultFeedDelayMs    = 1000
	defaultRetryAttempts  = 3
	defaultRetryDelayMs   = 1000
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress           string
	SessionSigningKey     string
	SessionIssuer         string
	SessionCookieName     string
	RemoteDSN             string
	CachePath             string
	LogLevel              string
	ResyncInterval        time.Duration
	ResyncCheckInterval   time.Duration
	FeedMaxAttempts       int
	FeedInitialDelay      time.Duration
	ReconcileMaxAttempts  int
	ReconcileInitialDelay time.Duration
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
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("sync.resync_minutes", defaultResyncMinutes)
	configViper.SetDefault("sync.check_minutes", defaultCheckMinutes)
	configViper.SetDefault("feed.max_attempts", defaultFeedAttempts)
	configViper.SetDefault("feed.initial_delay_ms", defaultFeedDelayMs)
	configViper.SetDefault("reconcile.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("reconcile.initial_delay_ms", defaultRetryDelayMs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		SessionSigningKey:     configViper.GetString("session.signing_secret"),
		SessionIssuer:         configViper.GetString("session.issuer"),
		SessionCookieName:     configViper.GetString("session.cookie_name"),
		RemoteDSN:             configViper.GetString("store.dsn"),
		CachePath:             configViper.GetString("cache.path"),
		LogLevel:              configViper.GetString("log.level"),
		ResyncInterval:        time.Duration(configViper.GetInt("sync.resync_minutes")) * time.Minute,
		ResyncCheckInterval:   time.Duration(configViper.GetInt("sync.check_minutes")) * time.Minute,
		FeedMaxAttempts:       configViper.GetInt("feed.max_attempts"),
		FeedInitialDelay:      time.Duration(configViper.GetInt("feed.initial_delay_ms")) * time.Millisecond,
		ReconcileMaxAttempts:  configViper.GetInt("reconcile.max_attempts"),
		ReconcileInitialDelay: time.Duration(configViper.GetInt("reconcile.initial_delay_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.RemoteDSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.FeedMaxAttempts <= 0 {
		return fmt.Errorf("feed.max_attempts must be positive")
	}
	if c.ReconcileMaxAttempts <= 0 {
		return fmt.Errorf("reconcile.max_attempts must be positive")
	}
	return nil
}
