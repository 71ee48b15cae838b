package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "VAULT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultEnvironment  = "production"
	defaultDatabasePath = "vault.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "vault_session"
	defaultIssuer       = "vault-api"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentTest        = "test"
)

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// SessionConfig describes session token signing.
type SessionConfig struct {
	SigningSecret string
	CookieName    string
	Issuer        string
	TTL           time.Duration
	SecureCookies bool
}

// CSRFConfig describes the double-submit token cookie.
type CSRFConfig struct {
	HashKey    string
	CookieName string
	HeaderName string
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend       string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	DefaultTTL    time.Duration
}

// RateLimitConfig sizes the API-wide and sign-in rate limits.
type RateLimitConfig struct {
	Backend    string
	Limit      int
	Window     time.Duration
	AuthLimit  int
	AuthWindow time.Duration
}

// StorageConfig selects the object store for uploads.
type StorageConfig struct {
	Backend        string
	LocalRoot      string
	Bucket         string
	PublicBaseURL  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	Environment    string
	LogLevel       string
	LogBufferSize  int
	AllowedOrigins []string
	Database       DatabaseConfig
	Session        SessionConfig
	CSRF           CSRFConfig
	Cache          CacheConfig
	RateLimit      RateLimitConfig
	Storage        StorageConfig
}

// Development reports whether internal error details may be returned to clients.
func (c AppConfig) Development() bool {
	return c.Environment == EnvironmentDevelopment
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
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.buffer_size", 1000)
	configViper.SetDefault("database.driver", "sqlite")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.ttl_minutes", 7*24*60)
	configViper.SetDefault("session.secure_cookies", true)
	configViper.SetDefault("csrf.cookie_name", "csrf-token")
	configViper.SetDefault("csrf.header_name", "X-CSRF-Token")
	configViper.SetDefault("cache.backend", "memory")
	configViper.SetDefault("cache.redis_address", "localhost:6379")
	configViper.SetDefault("cache.redis_db", 0)
	configViper.SetDefault("cache.default_ttl_seconds", 300)
	configViper.SetDefault("ratelimit.backend", "memory")
	configViper.SetDefault("ratelimit.limit", 100)
	configViper.SetDefault("ratelimit.window_seconds", 60)
	configViper.SetDefault("ratelimit.auth_limit", 10)
	configViper.SetDefault("ratelimit.auth_window_seconds", 60)
	configViper.SetDefault("storage.backend", "local")
	configViper.SetDefault("storage.local_root", "data/objects")
	configViper.SetDefault("storage.bucket", "attachments")
	configViper.SetDefault("storage.public_base_url", "/files")
	configViper.SetDefault("storage.minio_use_ssl", true)
	configViper.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		Environment:    strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		LogLevel:       configViper.GetString("log.level"),
		LogBufferSize:  configViper.GetInt("log.buffer_size"),
		AllowedOrigins: configViper.GetStringSlice("cors.allowed_origins"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(configViper.GetString("database.driver")),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			CookieName:    configViper.GetString("session.cookie_name"),
			Issuer:        configViper.GetString("session.issuer"),
			TTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
			SecureCookies: configViper.GetBool("session.secure_cookies"),
		},
		CSRF: CSRFConfig{
			HashKey:    configViper.GetString("csrf.hash_key"),
			CookieName: configViper.GetString("csrf.cookie_name"),
			HeaderName: configViper.GetString("csrf.header_name"),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(configViper.GetString("cache.backend")),
			RedisAddress:  configViper.GetString("cache.redis_address"),
			RedisPassword: configViper.GetString("cache.redis_password"),
			RedisDB:       configViper.GetInt("cache.redis_db"),
			DefaultTTL:    time.Duration(configViper.GetInt("cache.default_ttl_seconds")) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Backend:    strings.ToLower(configViper.GetString("ratelimit.backend")),
			Limit:      configViper.GetInt("ratelimit.limit"),
			Window:     time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
			AuthLimit:  configViper.GetInt("ratelimit.auth_limit"),
			AuthWindow: time.Duration(configViper.GetInt("ratelimit.auth_window_seconds")) * time.Second,
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(configViper.GetString("storage.backend")),
			LocalRoot:      configViper.GetString("storage.local_root"),
			Bucket:         configViper.GetString("storage.bucket"),
			PublicBaseURL:  configViper.GetString("storage.public_base_url"),
			MinioEndpoint:  configViper.GetString("storage.minio_endpoint"),
			MinioAccessKey: configViper.GetString("storage.minio_access_key"),
			MinioSecretKey: configViper.GetString("storage.minio_secret_key"),
			MinioUseSSL:    configViper.GetBool("storage.minio_use_ssl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.CSRF.HashKey) == "" {
		return fmt.Errorf("csrf.hash_key is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	switch c.Environment {
	case EnvironmentDevelopment, EnvironmentProduction, EnvironmentTest:
	default:
		return fmt.Errorf("environment must be one of development, production, test")
	}
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis")
	}
	if c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis" {
		return fmt.Errorf("ratelimit.backend must be memory or redis")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 || c.RateLimit.AuthLimit <= 0 || c.RateLimit.AuthWindow <= 0 {
		return fmt.Errorf("rate limits and windows must be positive")
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.LocalRoot) == "" {
			return fmt.Errorf("storage.local_root is required")
		}
	case "minio":
		if strings.TrimSpace(c.Storage.MinioEndpoint) == "" || strings.TrimSpace(c.Storage.Bucket) == "" {
			return fmt.Errorf("storage.minio_endpoint and storage.bucket are required for minio")
		}
	default:
		return fmt.Errorf("storage.backend must be local or minio")
	}
	return nil
}
