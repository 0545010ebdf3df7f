package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Bus        BusConfig
	Moderation ModerationConfig
	Mentions   MentionsConfig
	Auth       AuthConfig
	WebSocket  WebSocketConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	GracefulTimeout time.Duration
	MaxHeaderBytes  int
	AllowedOrigins  []string
}

// DatabaseConfig holds Postgres configuration. An empty URL selects the
// in-memory stores.
type DatabaseConfig struct {
	URL              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	ConnMaxIdleTime  time.Duration
	ConnectTimeout   time.Duration
	MaxRetryAttempts int
	RetryBackoff     time.Duration
	MigrationsPath   string
	AutoMigrate      bool
}

// RedisConfig holds Redis configuration. An empty URL disables cross-instance
// fan-out and the Redis cache.
type RedisConfig struct {
	URL           string
	ChannelPrefix string
	InstanceID    string
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	MentionTTL      time.Duration
}

// BusConfig holds topic bus configuration
type BusConfig struct {
	MailboxSize    int
	HandlerTimeout time.Duration
	CloseTimeout   time.Duration
}

// ModerationConfig holds comment policy configuration
type ModerationConfig struct {
	PreModeration    bool
	SubmitRateLimit  int
	SubmitRateWindow time.Duration
	DefaultPageSize  int
	MaxPageSize      int
}

// MentionsConfig holds mention suggester configuration
type MentionsConfig struct {
	PageSize      int
	Debounce      time.Duration
	LookupTimeout time.Duration
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	AllowAnonymous bool
}

// WebSocketConfig holds client session configuration
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueSize   int
	MaxMessageSize  int64
	PongWait        time.Duration
	WriteWait       time.Duration
	FrameRate       float64
	FrameBurst      int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	// Load environment file based on GO_ENV
	env := getEnv("GO_ENV", "development")
	if env != "production" {
		envFile := fmt.Sprintf(".env.%s", env)
		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		} else {
			_ = godotenv.Load() // fallback to .env
		}
	}

	config := FromEnv(env)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// FromEnv builds the configuration for env from process environment
// variables only, without reading .env files or validating
func FromEnv(env string) *Config {
	return &Config{
		Server:     loadServerConfig(env),
		Database:   loadDatabaseConfig(),
		Redis:      loadRedisConfig(),
		Cache:      loadCacheConfig(),
		Bus:        loadBusConfig(),
		Moderation: loadModerationConfig(),
		Mentions:   loadMentionsConfig(),
		Auth:       loadAuthConfig(env),
		WebSocket:  loadWebSocketConfig(),
		Logging:    loadLoggingConfig(env),
	}
}

func loadServerConfig(env string) ServerConfig {
	config := ServerConfig{
		Port:            getEnv("PORT", "9000"),
		Host:            getEnv("SERVER_HOST", "0.0.0.0"),
		Environment:     env,
		ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		GracefulTimeout: getDurationEnv("GRACEFUL_TIMEOUT", 30*time.Second),
		MaxHeaderBytes:  getIntEnv("MAX_HEADER_BYTES", 1<<20),
		AllowedOrigins:  getListEnv("ALLOWED_ORIGINS", nil),
	}

	if env == "development" {
		config.GracefulTimeout = getDurationEnv("GRACEFUL_TIMEOUT", 10*time.Second)
	}
	return config
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:              getEnv("DATABASE_URL", ""),
		MaxOpenConns:     getIntEnv("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getIntEnv("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime:  getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		ConnectTimeout:   getDurationEnv("DB_CONNECT_TIMEOUT", 10*time.Second),
		MaxRetryAttempts: getIntEnv("DB_MAX_RETRY_ATTEMPTS", 5),
		RetryBackoff:     getDurationEnv("DB_RETRY_BACKOFF", 500*time.Millisecond),
		MigrationsPath:   getEnv("MIGRATIONS_PATH", "migrations"),
		AutoMigrate:      getBoolEnv("DB_AUTO_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:           getEnv("REDIS_URL", ""),
		ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "livecomments:post:"),
		InstanceID:    getEnv("INSTANCE_ID", ""),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL:      getDurationEnv("CACHE_DEFAULT_TTL", 5*time.Minute),
		CleanupInterval: getDurationEnv("CACHE_CLEANUP_INTERVAL", time.Minute),
		MentionTTL:      getDurationEnv("CACHE_MENTION_TTL", 30*time.Second),
	}
}

func loadBusConfig() BusConfig {
	return BusConfig{
		MailboxSize:    getIntEnv("BUS_MAILBOX_SIZE", 1024),
		HandlerTimeout: getDurationEnv("BUS_HANDLER_TIMEOUT", 10*time.Second),
		CloseTimeout:   getDurationEnv("BUS_CLOSE_TIMEOUT", 5*time.Second),
	}
}

func loadModerationConfig() ModerationConfig {
	return ModerationConfig{
		PreModeration:    getBoolEnv("PRE_MODERATION", false),
		SubmitRateLimit:  getIntEnv("SUBMIT_RATE_LIMIT", 10),
		SubmitRateWindow: getDurationEnv("SUBMIT_RATE_WINDOW", time.Minute),
		DefaultPageSize:  getIntEnv("COMMENTS_PAGE_SIZE", 50),
		MaxPageSize:      getIntEnv("COMMENTS_MAX_PAGE_SIZE", 200),
	}
}

func loadMentionsConfig() MentionsConfig {
	return MentionsConfig{
		PageSize:      getIntEnv("MENTION_PAGE_SIZE", 5),
		Debounce:      getDurationEnv("MENTION_DEBOUNCE", 150*time.Millisecond),
		LookupTimeout: getDurationEnv("MENTION_LOOKUP_TIMEOUT", 2*time.Second),
	}
}

func loadAuthConfig(env string) AuthConfig {
	return AuthConfig{
		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWTIssuer:      getEnv("JWT_ISSUER", ""),
		AllowAnonymous: getBoolEnv("ALLOW_ANONYMOUS", env != "production"),
	}
}

func loadWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReadBufferSize:  getIntEnv("WS_READ_BUFFER_SIZE", 1024),
		WriteBufferSize: getIntEnv("WS_WRITE_BUFFER_SIZE", 1024),
		SendQueueSize:   getIntEnv("WS_SEND_QUEUE_SIZE", 256),
		MaxMessageSize:  getInt64Env("WS_MAX_MESSAGE_SIZE", 4096),
		PongWait:        getDurationEnv("WS_PONG_WAIT", 60*time.Second),
		WriteWait:       getDurationEnv("WS_WRITE_WAIT", 10*time.Second),
		FrameRate:       getFloat64Env("WS_FRAME_RATE", 5),
		FrameBurst:      getIntEnv("WS_FRAME_BURST", 10),
	}
}

func loadLoggingConfig(env string) LoggingConfig {
	return LoggingConfig{
		Level:  getEnv("LOG_LEVEL", getDefaultLogLevel(env)),
		Format: getEnv("LOG_FORMAT", getDefaultLogFormat(env)),
	}
}

// ===============================
// VALIDATION
// ===============================

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus config: %w", err)
	}
	if err := c.Moderation.Validate(); err != nil {
		return fmt.Errorf("moderation config: %w", err)
	}
	if err := c.Mentions.Validate(); err != nil {
		return fmt.Errorf("mentions config: %w", err)
	}
	if err := c.Auth.Validate(c.Server.Environment); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if s.ReadTimeout <= 0 {
		return fmt.Errorf("ReadTimeout must be positive")
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive")
	}
	return nil
}

func (d *DatabaseConfig) Validate() error {
	if d.URL == "" {
		return nil
	}
	if d.MaxOpenConns <= 0 {
		return fmt.Errorf("MaxOpenConns must be positive")
	}
	if d.MaxIdleConns < 0 {
		return fmt.Errorf("MaxIdleConns cannot be negative")
	}
	if d.MaxIdleConns > d.MaxOpenConns {
		return fmt.Errorf("MaxIdleConns cannot be greater than MaxOpenConns")
	}
	if d.ConnMaxLifetime <= 0 {
		return fmt.Errorf("ConnMaxLifetime must be positive")
	}
	return nil
}

func (b *BusConfig) Validate() error {
	if b.MailboxSize <= 0 {
		return fmt.Errorf("MailboxSize must be positive")
	}
	if b.HandlerTimeout <= 0 {
		return fmt.Errorf("HandlerTimeout must be positive")
	}
	return nil
}

func (m *ModerationConfig) Validate() error {
	if m.SubmitRateLimit < 0 {
		return fmt.Errorf("SubmitRateLimit cannot be negative")
	}
	if m.SubmitRateLimit > 0 && m.SubmitRateWindow <= 0 {
		return fmt.Errorf("SubmitRateWindow must be positive when rate limiting")
	}
	if m.DefaultPageSize <= 0 || m.MaxPageSize < m.DefaultPageSize {
		return fmt.Errorf("page sizes must satisfy 0 < default <= max")
	}
	return nil
}

func (m *MentionsConfig) Validate() error {
	if m.PageSize <= 0 {
		return fmt.Errorf("PageSize must be positive")
	}
	if m.LookupTimeout <= 0 {
		return fmt.Errorf("LookupTimeout must be positive")
	}
	return nil
}

func (a *AuthConfig) Validate(env string) error {
	if a.JWTSecret == "" && env == "production" {
		return fmt.Errorf("JWT_SECRET must be set for production")
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// IsDevelopment reports whether the service runs in development
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat64Env(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDefaultLogLevel(env string) string {
	switch env {
	case "production":
		return "info"
	default:
		return "debug"
	}
}

func getDefaultLogFormat(env string) string {
	switch env {
	case "production":
		return "json"
	default:
		return "console"
	}
}
