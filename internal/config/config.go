package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "collab.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultQueryParam        = "token"
	defaultIssuer            = "collab-auth"
	defaultTypingTimeout     = 3 * time.Second
	defaultSendBuffer        = 256
	defaultMaxMessageBytes   = 64 * 1024
	defaultPingInterval      = 30 * time.Second
	defaultPongWait          = 60 * time.Second
	defaultRedisChannel      = "collab:events"
	defaultMaxUpdatePayload  = 1 << 20
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 10
	defaultLogMaxAgeDays     = 28
	defaultMetricsEnabled    = true
	defaultPresenceDebounce  = time.Duration(0)
	defaultShutdownTimeout   = 10 * time.Second
	minimumPongWaitHeadroom  = time.Second
	maximumConfiguredBufSize = 1 << 16
)

// AppConfig captures runtime configuration for the realtime engine.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	SigningSecret string
	Issuer        string
	CookieName    string
	QueryParam    string

	TypingTimeout    time.Duration
	PresenceDebounce time.Duration

	SendBuffer       int
	MaxMessageBytes  int64
	MaxUpdatePayload int
	PingInterval     time.Duration
	PongWait         time.Duration

	RedisAddress string
	RedisChannel string
	NodeID       string

	MetricsEnabled  bool
	ShutdownTimeout time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.query_param", defaultQueryParam)
	configViper.SetDefault("typing.timeout", defaultTypingTimeout)
	configViper.SetDefault("presence.debounce", defaultPresenceDebounce)
	configViper.SetDefault("connection.send_buffer", defaultSendBuffer)
	configViper.SetDefault("connection.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("connection.ping_interval", defaultPingInterval)
	configViper.SetDefault("connection.pong_wait", defaultPongWait)
	configViper.SetDefault("document.max_update_bytes", defaultMaxUpdatePayload)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("node.id", "")
	configViper.SetDefault("metrics.enabled", defaultMetricsEnabled)
	configViper.SetDefault("shutdown.timeout", defaultShutdownTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          configViper.GetString("log.file"),
		LogMaxSizeMB:     configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:    configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:    configViper.GetInt("log.max_age_days"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		Issuer:           configViper.GetString("auth.issuer"),
		CookieName:       configViper.GetString("auth.cookie_name"),
		QueryParam:       configViper.GetString("auth.query_param"),
		TypingTimeout:    configViper.GetDuration("typing.timeout"),
		PresenceDebounce: configViper.GetDuration("presence.debounce"),
		SendBuffer:       configViper.GetInt("connection.send_buffer"),
		MaxMessageBytes:  configViper.GetInt64("connection.max_message_bytes"),
		MaxUpdatePayload: configViper.GetInt("document.max_update_bytes"),
		PingInterval:     configViper.GetDuration("connection.ping_interval"),
		PongWait:         configViper.GetDuration("connection.pong_wait"),
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:     configViper.GetString("redis.channel"),
		NodeID:           strings.TrimSpace(configViper.GetString("node.id")),
		MetricsEnabled:   configViper.GetBool("metrics.enabled"),
		ShutdownTimeout:  configViper.GetDuration("shutdown.timeout"),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
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
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("http.allowed_origins must list at least one origin")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.QueryParam) == "" {
		return fmt.Errorf("auth.query_param is required")
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("typing.timeout must be positive")
	}
	if c.PresenceDebounce < 0 {
		return fmt.Errorf("presence.debounce must not be negative")
	}
	if c.SendBuffer <= 0 || c.SendBuffer > maximumConfiguredBufSize {
		return fmt.Errorf("connection.send_buffer must be between 1 and %d", maximumConfiguredBufSize)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("connection.max_message_bytes must be positive")
	}
	if c.MaxUpdatePayload <= 0 {
		return fmt.Errorf("document.max_update_bytes must be positive")
	}
	if c.PingInterval <= 0 || c.PongWait < c.PingInterval+minimumPongWaitHeadroom {
		return fmt.Errorf("connection.pong_wait must exceed connection.ping_interval")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}
