package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"APP_ENV", "PORT", "DB_DRIVER", "DATABASE_DSN", "SESSION_TTL_HOURS", "DB_RETRY_ATTEMPTS"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
	if cfg.DBDriver != DriverSQLite {
		t.Errorf("Load() DBDriver = %v, want %v", cfg.DBDriver, DriverSQLite)
	}
	if cfg.SessionTTL != 168*time.Hour {
		t.Errorf("Load() SessionTTL = %v, want 168h", cfg.SessionTTL)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("Load() RetryAttempts = %v, want 3", cfg.RetryAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DATABASE_DSN", "chat:chat@tcp(localhost:3306)/securechat?parseTime=true")
	t.Setenv("SESSION_TTL_HOURS", "1")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg := Load()

	if cfg.Port != "9090" || cfg.Addr() != ":9090" {
		t.Errorf("Load() Port = %v, Addr = %v", cfg.Port, cfg.Addr())
	}
	if cfg.DBDriver != DriverMySQL {
		t.Errorf("Load() DBDriver = %v, want mysql", cfg.DBDriver)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("Load() SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Load() AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	t.Setenv("SESSION_TTL_HOURS", "soon")
	t.Setenv("DB_RETRY_ATTEMPTS", "-2")

	cfg := Load()

	if cfg.SessionTTL != 168*time.Hour {
		t.Errorf("Load() SessionTTL = %v, want default", cfg.SessionTTL)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("Load() RetryAttempts = %v, want default", cfg.RetryAttempts)
	}
}

func TestLoad_ZeroRateLimitRejected(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "0")

	cfg := Load()

	if cfg.RateLimitRPS != 0 {
		t.Fatalf("Load() RateLimitRPS = %v, want 0", cfg.RateLimitRPS)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted RATE_LIMIT_RPS=0")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:            "dev",
			Port:           "8080",
			DBDriver:       DriverSQLite,
			DatabaseDSN:    "securechat.db",
			JWTSecret:      defaultJWTSecret,
			MasterKey:      defaultMasterKey,
			SessionTTL:     time.Hour,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			RetryAttempts:  3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid dev config", func(*Config) {}, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"empty dsn", func(c *Config) { c.DatabaseDSN = "" }, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "oracle" }, true},
		{"bad mysql dsn", func(c *Config) { c.DBDriver = DriverMySQL; c.DatabaseDSN = "not a dsn" }, true},
		{"good mysql dsn", func(c *Config) { c.DBDriver = DriverMySQL; c.DatabaseDSN = "u:p@tcp(db:3306)/chat" }, false},
		{"short master key", func(c *Config) { c.MasterKey = "c2hvcnQ=" }, true},
		{"master key not base64", func(c *Config) { c.MasterKey = "%%%" }, true},
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }, true},
		{"no retries", func(c *Config) { c.RetryAttempts = 0 }, true},
		{"zero rate limit", func(c *Config) { c.RateLimitRPS = 0 }, true},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, true},
		{"default secret in prod", func(c *Config) { c.Env = "prod" }, true},
		{"default master key in prod", func(c *Config) { c.Env = "prod"; c.JWTSecret = "real-secret" }, true},
		{"prod with real secrets", func(c *Config) {
			c.Env = "prod"
			c.JWTSecret = "real-secret"
			c.MasterKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
