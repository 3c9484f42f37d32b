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
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Auth     AuthConfig
	Lockout  LockoutConfig
	Approval ApprovalConfig
	Email    EmailConfig
	Captcha  CaptchaConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string // CIDR ranges allowed to set forwarding headers
	GeoTablePath   string   // optional static IP-to-location table
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	RememberMeExpiry     time.Duration
	MFAChallengeExpiry   time.Duration
	MFASetupExpiry       time.Duration
	MagicLinkExpiry      time.Duration
	MFAEncryptionKey     []byte // 32 bytes, AES-256
	TOTPIssuer           string
	BackupCodeCount      int
	CleanupInterval      time.Duration
	AuditRetention       time.Duration
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	PermissionCacheTTL   time.Duration
	ForceReauthFlagTTL   time.Duration
	RevokedSessionTTL    time.Duration
}

type LockoutConfig struct {
	Threshold       int           // failures before the account locks
	Window          time.Duration // counter TTL
	BaseDuration    time.Duration // first lock
	Multiplier      float64       // escalation per extra failure past the threshold
	MaxDuration     time.Duration
	NotifyThreshold int // failures at which the owner is emailed
}

type ApprovalConfig struct {
	TokenExpiry    time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	BaseURL        string // public base for approval links
}

type EmailConfig struct {
	AWSRegion   string
	FromAddress string
	Enabled     bool
}

type CaptchaConfig struct {
	Secret    string
	VerifyURL string
	Required  bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	mfaKey := getEnv("MFA_ENCRYPTION_KEY", "")
	if len(mfaKey) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be exactly 32 bytes (got %d)", len(mfaKey))
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseCommaList(getEnv("TRUSTED_PROXIES", "")),
			GeoTablePath:   getEnv("GEO_TABLE_PATH", ""),
		},
		Auth: AuthConfig{
			JWTSecret:           jwtSecret,
			AccessTokenExpiry:   getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:  getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 24*time.Hour),
			RememberMeExpiry:    getEnvAsDuration("REMEMBER_ME_EXPIRY", 30*24*time.Hour),
			MFAChallengeExpiry:  getEnvAsDuration("MFA_CHALLENGE_EXPIRY", 5*time.Minute),
			MFASetupExpiry:      getEnvAsDuration("MFA_SETUP_EXPIRY", 15*time.Minute),
			MagicLinkExpiry:     getEnvAsDuration("MAGIC_LINK_EXPIRY", 15*time.Minute),
			MFAEncryptionKey:    []byte(mfaKey),
			TOTPIssuer:          getEnv("TOTP_ISSUER", "Bastion"),
			BackupCodeCount:     getEnvAsInt("BACKUP_CODE_COUNT", 8),
			CleanupInterval:     getEnvAsDuration("TOKEN_CLEANUP_INTERVAL", 1*time.Hour),
			AuditRetention:      getEnvAsDuration("AUDIT_RETENTION", 365*24*time.Hour),
			TimingDelayBaseMs:   getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs: getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			PermissionCacheTTL:  getEnvAsDuration("PERMISSION_CACHE_TTL", 10*time.Minute),
			ForceReauthFlagTTL:  getEnvAsDuration("FORCE_REAUTH_FLAG_TTL", 30*24*time.Hour),
			RevokedSessionTTL:   getEnvAsDuration("REVOKED_SESSION_TTL", 24*time.Hour),
		},
		Lockout: LockoutConfig{
			Threshold:       getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Window:          getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			BaseDuration:    getEnvAsDuration("LOCKOUT_BASE_DURATION", 15*time.Minute),
			Multiplier:      getEnvAsFloat("LOCKOUT_MULTIPLIER", 2.0),
			MaxDuration:     getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			NotifyThreshold: getEnvAsInt("LOCKOUT_NOTIFY_THRESHOLD", 5),
		},
		Approval: ApprovalConfig{
			TokenExpiry:    getEnvAsDuration("APPROVAL_TOKEN_EXPIRY", 30*time.Minute),
			MaxAttempts:    getEnvAsInt("APPROVAL_MAX_ATTEMPTS", 3),
			ResendCooldown: getEnvAsDuration("APPROVAL_RESEND_COOLDOWN", 60*time.Second),
			BaseURL:        getEnv("APPROVAL_BASE_URL", "http://localhost:8080"),
		},
		Email: EmailConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("EMAIL_FROM", "no-reply@localhost"),
			Enabled:     getEnvAsBool("EMAIL_ENABLED", false),
		},
		Captcha: CaptchaConfig{
			Secret:    getEnv("CAPTCHA_SECRET", ""),
			VerifyURL: getEnv("CAPTCHA_VERIFY_URL", "https://www.google.com/recaptcha/api/siteverify"),
			Required:  getEnvAsBool("CAPTCHA_REQUIRED", false),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if cfg.Lockout.Multiplier < 1.0 {
		return nil, fmt.Errorf("LOCKOUT_MULTIPLIER must be >= 1.0 so lockouts escalate monotonically")
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for the JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{}
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}
}
