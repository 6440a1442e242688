package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Admin    AdminConfig
	Platform PlatformConfig
	Monitor  MonitorConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/relayvoice?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AdminConfig holds the dashboard operator accounts. Emails and bcrypt
// password hashes come in as parallel comma-separated lists.
type AdminConfig struct {
	Emails         []string
	PasswordHashes []string
}

// PlatformConfig holds media platform API settings (room server + token
// signing credentials).
type PlatformConfig struct {
	URL             string // websocket endpoint clients dial, e.g. wss://media.example.com
	APIKey          string
	APISecret       string
	GrantTTLMinutes int
}

// GrantTTL returns the monitor-token lifetime.
func (c PlatformConfig) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLMinutes) * time.Minute
}

// MonitorConfig holds monitoring-plane tuning knobs.
type MonitorConfig struct {
	SilenceThresholdSec           int
	SweepIntervalSec              int
	EmptyGraceSec                 int
	DisconnectGraceSec            int
	EventQueueSize                int
	MaxSubscribersPerConversation int
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/relayvoice?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "relayvoice"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		Admin: AdminConfig{
			Emails:         splitTrim(getEnv("ADMIN_EMAILS", ""), ","),
			PasswordHashes: splitTrim(getEnv("ADMIN_PASSWORD_HASHES", ""), ","),
		},
		Platform: PlatformConfig{
			URL:             getEnv("PLATFORM_URL", "wss://localhost:7880"),
			APIKey:          getEnv("PLATFORM_API_KEY", ""),
			APISecret:       getEnv("PLATFORM_API_SECRET", ""),
			GrantTTLMinutes: getEnvInt("PLATFORM_GRANT_TTL_MINUTES", 10),
		},
		Monitor: MonitorConfig{
			SilenceThresholdSec:           getEnvInt("MONITOR_SILENCE_THRESHOLD_SEC", 30),
			SweepIntervalSec:              getEnvInt("MONITOR_SWEEP_INTERVAL_SEC", 5),
			EmptyGraceSec:                 getEnvInt("MONITOR_EMPTY_GRACE_SEC", 30),
			DisconnectGraceSec:            getEnvInt("MONITOR_DISCONNECT_GRACE_SEC", 15),
			EventQueueSize:                getEnvInt("MONITOR_EVENT_QUEUE_SIZE", 64),
			MaxSubscribersPerConversation: getEnvInt("MONITOR_MAX_SUBSCRIBERS", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "relayvoice-recordings-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
