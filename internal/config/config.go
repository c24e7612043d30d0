package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/kvstore"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MANUSCRIPT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultAuthIssuer         = "manuscript-auth"
	defaultTokenTTLMinutes    = 60
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "manuscript.db"
	defaultDocumentsBackend   = kvstore.BackendSQL
	defaultKafkaTopic         = "manuscript.document-updates"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultServerVersion      = "1.0.0"
	defaultMinClientVersion   = "1.0.0"
	defaultSessionIdleSeconds = 90
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	SigningSecret string
	AuthIssuer    string
	TokenTTL      time.Duration

	DatabaseDriver   string
	DatabaseDSN      string
	DocumentsBackend string
	RedisURL         string

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel  string
	LogFormat string

	ServerVersion      string
	ProtocolVersion    int
	MinClientVersion   string
	SessionIdleTimeout time.Duration
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
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("documents.backend", defaultDocumentsBackend)
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("version.server", defaultServerVersion)
	configViper.SetDefault("version.min_client", defaultMinClientVersion)
	configViper.SetDefault("sync.session_idle_timeout_seconds", defaultSessionIdleSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		DocumentsBackend:   configViper.GetString("documents.backend"),
		RedisURL:           configViper.GetString("redis.url"),
		KafkaBrokers:       splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopic:         configViper.GetString("kafka.topic"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		ServerVersion:      configViper.GetString("version.server"),
		ProtocolVersion:    configViper.GetInt("version.protocol"),
		MinClientVersion:   configViper.GetString("version.min_client"),
		SessionIdleTimeout: time.Duration(configViper.GetInt("sync.session_idle_timeout_seconds")) * time.Second,
	}

	backend, err := kvstore.NormalizeBackend(cfg.DocumentsBackend)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.DocumentsBackend = backend

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DocumentsBackend == kvstore.BackendRedis && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required when documents.backend is redis")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.ProtocolVersion < 0 {
		return fmt.Errorf("version.protocol must not be negative")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("sync.session_idle_timeout_seconds must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
