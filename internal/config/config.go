package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PIXELFIELD"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "pixelfield.db"
	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "pixelfield"
	defaultRedisChannelPrefix = "pixelfield"
	defaultAccessCacheTTL     = 5 * time.Second
	defaultMaxRenderScale     = 32
	defaultServiceName        = "pixelfield-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	LogEncoding        string
	SessionSecret      string
	SessionCookieName  string
	SessionIssuer      string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	AccessCacheTTL     time.Duration
	TracingEndpoint    string
	TracingService     string
	MaxRenderScale     int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel_prefix", defaultRedisChannelPrefix)
	configViper.SetDefault("access_cache.ttl", defaultAccessCacheTTL)
	configViper.SetDefault("tracing.endpoint", "")
	configViper.SetDefault("tracing.service_name", defaultServiceName)
	configViper.SetDefault("render.max_scale", defaultMaxRenderScale)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		LogEncoding:        configViper.GetString("log.encoding"),
		SessionSecret:      configViper.GetString("session.signing_secret"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisChannelPrefix: configViper.GetString("redis.channel_prefix"),
		AccessCacheTTL:     configViper.GetDuration("access_cache.ttl"),
		TracingEndpoint:    configViper.GetString("tracing.endpoint"),
		TracingService:     configViper.GetString("tracing.service_name"),
		MaxRenderScale:     configViper.GetInt("render.max_scale"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogEncoding)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	if c.AccessCacheTTL < 0 {
		return fmt.Errorf("access_cache.ttl must not be negative")
	}
	if c.MaxRenderScale < 1 {
		return fmt.Errorf("render.max_scale must be at least 1")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	return nil
}
