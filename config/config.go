package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	defaultJWTSecret = "securechat-secret-key-change-in-production"
	// base64("securechat-dev-master-key-32byte"), rejected outside dev.
	defaultMasterKey = "c2VjdXJlY2hhdC1kZXYtbWFzdGVyLWtleS0zMmJ5dGU="
)

type Config struct {
	Env            string
	Port           string
	DBDriver       string
	DatabaseDSN    string
	JWTSecret      string
	MasterKey      string
	SessionTTL     time.Duration
	KeyRotation    time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
	RetryAttempts  int
}

// Load reads the process environment, after merging an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:            getEnv("APP_ENV", "dev"),
		Port:           getEnv("PORT", "8080"),
		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DatabaseDSN:    getEnv("DATABASE_DSN", "securechat.db"),
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		MasterKey:      getEnv("MASTER_KEY", defaultMasterKey),
		SessionTTL:     time.Duration(getEnvInt("SESSION_TTL_HOURS", 168)) * time.Hour,
		KeyRotation:    time.Duration(getEnvInt("KEY_ROTATION_DAYS", 0)) * 24 * time.Hour,
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		RetryAttempts:  getEnvInt("DB_RETRY_ATTEMPTS", 3),
	}
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

// MasterKeyBytes decodes MASTER_KEY. Validate guarantees it succeeds.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode MASTER_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MASTER_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch c.DBDriver {
	case DriverMySQL:
		if _, err := mysql.ParseDSN(c.DatabaseDSN); err != nil {
			return fmt.Errorf("invalid mysql DATABASE_DSN: %w", err)
		}
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL_HOURS must be positive")
	}
	if c.RateLimitRPS < 1 || c.RateLimitBurst < 1 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return errors.New("DB_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Env != "dev" {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be set outside dev")
		}
		if c.MasterKey == defaultMasterKey {
			return errors.New("MASTER_KEY must be set outside dev")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < 0 {
		return defaultValue
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
