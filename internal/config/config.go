package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fail policies for backing stores. Quota and cache stores fail open by
// default; stricter deployments can flip them.
const (
	OnStoreErrorAdmit  = "admit"
	OnStoreErrorReject = "reject"
	OnStoreErrorSkip   = "skip"
	OnStoreErrorFail   = "fail"
)

// Config holds all application configuration
type Config struct {
	// Database configuration (analytical store)
	Database DatabaseConfig

	// Redis configuration (quota counters, answer cache, query status)
	Redis RedisConfig

	// Intent classifier configuration
	Classifier ClassifierConfig

	// Authentication configuration
	Auth AuthConfig

	// Server configuration
	Server ServerConfig

	// Query configuration
	Query QueryConfig

	// Quota configuration
	Quota QuotaConfig

	// Cache configuration
	Cache CacheConfig
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	Database       string
	Username       string
	Password       string
	SSLMode        string
	MigrationsPath string
	MaxOpenConns   int
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, sslMode)
}

// URL returns the postgres:// URL used by golang-migrate
func (d DatabaseConfig) URL() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, sslMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// ClassifierConfig holds intent classifier (Claude) configuration
type ClassifierConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// AuthConfig holds tenant token verification configuration
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	BurstRPS    float64
	BurstSize   int
	AdminRoles  []string
	AllowHeader bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	GinMode         string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// QueryConfig holds query processing configuration
type QueryConfig struct {
	DefaultLimit      int
	MaxLimit          int
	ExecutionTimeout  time.Duration
	ClassifyTimeout   time.Duration
	MaxQuestionLength int
	DefaultDialect    string
	CatalogPath       string
	ExposeSQL         bool
}

// QuotaConfig holds quota manager configuration
type QuotaConfig struct {
	OnStoreError string
	KeyPrefix    string
}

// CacheConfig holds answer cache configuration
type CacheConfig struct {
	Enabled      bool
	DefaultTTL   time.Duration
	OnStoreError string
	KeyPrefix    string
	ComputeLimit time.Duration
}

// Loader handles loading configuration from various sources
type Loader struct {
	provider SecretProvider
}

// NewLoader creates a new configuration loader with the given secret provider
func NewLoader(provider SecretProvider) *Loader {
	return &Loader{
		provider: provider,
	}
}

// NewDefaultLoader creates a loader over DefaultProviders. Non-empty
// overrides are consulted before any of them.
func NewDefaultLoader(overrides map[string]string) *Loader {
	providers := DefaultProviders()
	if len(overrides) > 0 {
		providers = append([]SecretProvider{NewStaticProvider(overrides)}, providers...)
	}
	return NewLoader(NewChainProvider(providers...))
}

// Load loads the complete configuration
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}

	cfg.Database = DatabaseConfig{
		Host:           l.getString(ctx, "DB_HOST", "localhost"),
		Port:           l.getString(ctx, "DB_PORT", "5432"),
		Database:       l.getString(ctx, "DB_NAME", "impact"),
		Username:       l.getString(ctx, "DB_USER", "impact_ro"),
		Password:       l.getString(ctx, "DB_PASSWORD", ""),
		SSLMode:        l.getString(ctx, "DB_SSLMODE", "disable"),
		MigrationsPath: l.getString(ctx, "DB_MIGRATIONS_PATH", "migrations"),
		MaxOpenConns:   l.getInt(ctx, "DB_MAX_OPEN_CONNS", 25),
	}

	cfg.Redis = RedisConfig{
		Addr:     l.getString(ctx, "REDIS_ADDR", "localhost:6379"),
		Password: l.getString(ctx, "REDIS_PASSWORD", ""),
		DB:       l.getInt(ctx, "REDIS_DB", 0),
		Timeout:  l.getDuration(ctx, "REDIS_TIMEOUT", 500*time.Millisecond),
	}

	cfg.Classifier = ClassifierConfig{
		APIKey:  l.getString(ctx, "CLAUDE_API_KEY", ""),
		Model:   l.getString(ctx, "CLAUDE_MODEL", "claude-3-haiku-20240307"),
		BaseURL: l.getString(ctx, "CLAUDE_BASE_URL", "https://api.anthropic.com/v1"),
		Timeout: l.getDuration(ctx, "CLASSIFIER_TIMEOUT", 15*time.Second),
	}

	cfg.Auth = AuthConfig{
		JWTSecret:   l.getString(ctx, "JWT_SECRET", ""),
		JWTIssuer:   l.getString(ctx, "JWT_ISSUER", "impact-platform"),
		BurstRPS:    l.getFloat(ctx, "BURST_RPS", 5),
		BurstSize:   l.getInt(ctx, "BURST_SIZE", 20),
		AdminRoles:  l.getSlice(ctx, "ADMIN_ROLES", []string{"system_admin"}),
		AllowHeader: l.getBool(ctx, "AUTH_ALLOW_HEADER", false),
	}

	cfg.Server = ServerConfig{
		Port:            l.getString(ctx, "PORT", "8080"),
		GinMode:         l.getString(ctx, "GIN_MODE", "debug"),
		LogLevel:        l.getString(ctx, "LOG_LEVEL", "info"),
		ShutdownTimeout: l.getDuration(ctx, "SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	cfg.Query = QueryConfig{
		DefaultLimit:      l.getInt(ctx, "QUERY_DEFAULT_LIMIT", 1000),
		MaxLimit:          l.getInt(ctx, "QUERY_MAX_LIMIT", 10000),
		ExecutionTimeout:  l.getDuration(ctx, "QUERY_TIMEOUT", 30*time.Second),
		ClassifyTimeout:   l.getDuration(ctx, "CLASSIFY_TIMEOUT", 20*time.Second),
		MaxQuestionLength: l.getInt(ctx, "MAX_QUESTION_LENGTH", 500),
		DefaultDialect:    l.getString(ctx, "QUERY_DIALECT", "postgres"),
		CatalogPath:       l.getString(ctx, "CATALOG_PATH", ""),
		ExposeSQL:         l.getBool(ctx, "EXPOSE_SQL", false),
	}

	cfg.Quota = QuotaConfig{
		OnStoreError: l.getString(ctx, "QUOTA_ON_STORE_ERROR", OnStoreErrorAdmit),
		KeyPrefix:    l.getString(ctx, "QUOTA_KEY_PREFIX", "quota:"),
	}

	cfg.Cache = CacheConfig{
		Enabled:      l.getBool(ctx, "CACHE_ENABLED", true),
		DefaultTTL:   l.getDuration(ctx, "CACHE_TTL", 5*time.Minute),
		OnStoreError: l.getString(ctx, "CACHE_ON_STORE_ERROR", OnStoreErrorSkip),
		KeyPrefix:    l.getString(ctx, "CACHE_KEY_PREFIX", "answer:"),
		ComputeLimit: l.getDuration(ctx, "CACHE_COMPUTE_LIMIT", 45*time.Second),
	}

	return cfg, nil
}

// Helper methods for retrieving and parsing configuration values

func (l *Loader) getString(ctx context.Context, key, defaultValue string) string {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}
	return value
}

func (l *Loader) getBool(ctx context.Context, key string, defaultValue bool) bool {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func (l *Loader) getInt(ctx context.Context, key string, defaultValue int) int {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func (l *Loader) getFloat(ctx context.Context, key string, defaultValue float64) float64 {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func (l *Loader) getDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func (l *Loader) getSlice(ctx context.Context, key string, defaultValue []string) []string {
	value, err := l.provider.GetSecret(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// MustLoad loads configuration and panics on error
// Useful for application startup
func (l *Loader) MustLoad(ctx context.Context) *Config {
	cfg, err := l.Load(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
