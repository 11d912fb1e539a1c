package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Agent    AgentConfig
}

type ServerConfig struct {
	Port          string
	AllowedOrigin string
	DefaultTenant string
}

type PostgresConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	Migrate      bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StockTTL time.Duration
}

type AuthConfig struct {
	Secret string
	// TokenTTL only applies to development tokens minted by the CLI.
	TokenTTL time.Duration
}

type RealtimeConfig struct {
	// BufferSize is the number of events a slow subscriber may lag before drops.
	BufferSize    int
	RelayPrefix   string
	HeartbeatEach time.Duration
}

type AgentConfig struct {
	ServerURL    string
	Token        string
	DataDir      string
	SyncInterval time.Duration
	RetryCeiling int
	HTTPTimeout  time.Duration
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Port:          getEnv("PORT", "8080"),
			AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
			DefaultTenant: getEnv("DEFAULT_TENANT_ID", "tenant-main"),
		},
		Postgres: PostgresConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: getEnvInt("DATABASE_MAX_OPEN_CONNS", 30),
			MaxIdleConns: getEnvInt("DATABASE_MAX_IDLE_CONNS", 8),
			Migrate:      getEnvBool("DATABASE_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			StockTTL: getEnvDuration("STOCK_CACHE_TTL", 30*time.Second),
		},
		Auth: AuthConfig{
			Secret:   strings.TrimSpace(os.Getenv("AUTH_SECRET")),
			TokenTTL: getEnvDuration("AUTH_TOKEN_TTL", 12*time.Hour),
		},
		Realtime: RealtimeConfig{
			BufferSize:    getEnvInt("REALTIME_BUFFER_SIZE", 64),
			RelayPrefix:   getEnv("REALTIME_RELAY_PREFIX", "fieldsync"),
			HeartbeatEach: getEnvDuration("REALTIME_HEARTBEAT", 25*time.Second),
		},
		Agent: AgentConfig{
			ServerURL:    getEnv("AGENT_SERVER_URL", "http://127.0.0.1:8080"),
			Token:        strings.TrimSpace(os.Getenv("AGENT_TOKEN")),
			DataDir:      getEnv("AGENT_DATA_DIR", "./fieldsync-queue"),
			SyncInterval: getEnvDuration("AGENT_SYNC_INTERVAL", 5*time.Second),
			RetryCeiling: getEnvInt("AGENT_RETRY_CEILING", 5),
			HTTPTimeout:  getEnvDuration("AGENT_HTTP_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.Realtime.BufferSize < 1 {
		cfg.Realtime.BufferSize = 64
	}
	if cfg.Agent.RetryCeiling < 1 {
		cfg.Agent.RetryCeiling = 5
	}
	if cfg.Agent.SyncInterval <= 0 {
		cfg.Agent.SyncInterval = 5 * time.Second
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Server.Port)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return val
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
