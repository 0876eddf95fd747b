package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// minSecretLen is the shortest HMAC secret accepted for token signing.
const minSecretLen = 32

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	StorageDriver        string        `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	JWTIssuer            string        `mapstructure:"JWT_ISSUER"`
	JWTAccessSecret      string        `mapstructure:"JWT_ACCESS_SECRET"`
	JWTRefreshSecret     string        `mapstructure:"JWT_REFRESH_SECRET"`
	AccessTokenTTL       time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL      time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	VerifyEmailTTL       time.Duration `mapstructure:"VERIFY_EMAIL_TTL"`
	ResetPasswordTTL     time.Duration `mapstructure:"RESET_PASSWORD_TTL"`
	BcryptCost           int           `mapstructure:"BCRYPT_COST"`
	RequireVerifiedEmail bool          `mapstructure:"REQUIRE_VERIFIED_EMAIL"`
	AppBaseURL           string        `mapstructure:"APP_BASE_URL"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	AuthRateLimitRPS     float64       `mapstructure:"AUTH_RATE_LIMIT_RPS"`
	AuthRateLimitBurst   int           `mapstructure:"AUTH_RATE_LIMIT_BURST"`
	AuditQueueSize       int           `mapstructure:"AUDIT_QUEUE_SIZE"`
	SessionPurgeInterval time.Duration `mapstructure:"SESSION_PURGE_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DRIVER", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("JWT_ISSUER", "emr")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("VERIFY_EMAIL_TTL", "24h")
	v.SetDefault("RESET_PASSWORD_TTL", "1h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REQUIRE_VERIFIED_EMAIL", true)
	v.SetDefault("APP_BASE_URL", "http://localhost:3000")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_RATE_LIMIT_RPS", 5)
	v.SetDefault("AUTH_RATE_LIMIT_BURST", 10)
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("SESSION_PURGE_INTERVAL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "STORAGE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"JWT_ISSUER", "JWT_ACCESS_SECRET", "JWT_REFRESH_SECRET",
		"ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL", "VERIFY_EMAIL_TTL", "RESET_PASSWORD_TTL",
		"BCRYPT_COST", "REQUIRE_VERIFIED_EMAIL", "APP_BASE_URL", "CORS_ORIGINS",
		"AUTH_RATE_LIMIT_RPS", "AUTH_RATE_LIMIT_BURST", "AUDIT_QUEUE_SIZE", "SESSION_PURGE_INTERVAL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStorage reports whether sessions, accounts and tokens live in process memory.
func (c *Config) UsesMemoryStorage() bool {
	return c.StorageDriver == StorageMemory
}

// Validate checks that the configuration is safe to run. Outside development
// the access and refresh signing secrets must be distinct so that possession
// of one cannot be used to forge the other.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver)
	}

	if len(c.JWTAccessSecret) < minSecretLen {
		return fmt.Errorf("JWT_ACCESS_SECRET must be at least %d bytes", minSecretLen)
	}
	if len(c.JWTRefreshSecret) < minSecretLen {
		return fmt.Errorf("JWT_REFRESH_SECRET must be at least %d bytes", minSecretLen)
	}
	if !c.IsDev() && c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL (%s) must be shorter than REFRESH_TOKEN_TTL (%s)", c.AccessTokenTTL, c.RefreshTokenTTL)
	}
	if c.VerifyEmailTTL <= 0 || c.ResetPasswordTTL <= 0 {
		return fmt.Errorf("VERIFY_EMAIL_TTL and RESET_PASSWORD_TTL must be positive")
	}
	if c.AuditQueueSize <= 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be positive, got %d", c.AuditQueueSize)
	}

	return nil
}
