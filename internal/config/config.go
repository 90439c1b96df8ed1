package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// DeliveryLog writes outbound messages to the logger instead of a broker.
	DeliveryLog = "log"
	// DeliveryAMQP publishes outbound messages to RabbitMQ.
	DeliveryAMQP = "amqp"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string `envconfig:"APP_NAME" default:"KnowyourMechanic"`
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	DBMaxConns       int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"5s"`
	RedisPoolSize    int           `envconfig:"REDIS_POOL_SIZE" default:"10"`

	RabbitURL      string `envconfig:"RABBIT_URL"`
	NotifyExchange string `envconfig:"NOTIFY_EXCHANGE" default:"notifications.exchange"`

	JWTSecret string        `envconfig:"JWT_SECRET"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"720h"`

	LoginOTPTTL     time.Duration `envconfig:"LOGIN_OTP_TTL" default:"10m"`
	ServiceOTPTTL   time.Duration `envconfig:"SERVICE_OTP_TTL" default:"15m"`
	OTPLength       int           `envconfig:"OTP_LENGTH" default:"4"`
	OTPHashCost     int           `envconfig:"OTP_HASH_COST" default:"10"`
	OTPDelivery     string        `envconfig:"OTP_DELIVERY" default:"log"`
	DiagnosticOTP   bool          `envconfig:"DIAGNOSTIC_OTP"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"3s"`
	OTPRateLimit    int           `envconfig:"OTP_RATE_LIMIT_PER_MIN" default:"5"`

	// OTPVerifyAttempts caps guesses per phone or service record within one code window.
	OTPVerifyAttempts int `envconfig:"OTP_VERIFY_ATTEMPTS" default:"5"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	ShutdownPeriod time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	PaymentVPA        string `envconfig:"PAYMENT_VPA" default:"merchant@upi"`
	PaymentPayee      string `envconfig:"PAYMENT_PAYEE" default:"KnowyourMechanic"`
	NotifyCountryCode string `envconfig:"NOTIFY_COUNTRY_CODE" default:"91"`
}

// devSecret signs tokens in development when JWT_SECRET is unset.
const devSecret = "dev-only-secret-change-me"

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv populates a Config from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.OTPDelivery = strings.ToLower(cfg.OTPDelivery)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OTPLength < 4 || c.OTPLength > 8 {
		return fmt.Errorf("OTP_LENGTH must be between 4 and 8, got %d", c.OTPLength)
	}
	if c.LoginOTPTTL <= 0 || c.ServiceOTPTTL <= 0 {
		return fmt.Errorf("OTP windows must be positive")
	}
	switch c.OTPDelivery {
	case DeliveryLog:
	case DeliveryAMQP:
		if c.RabbitURL == "" {
			return fmt.Errorf("RABBIT_URL must be set when OTP_DELIVERY=amqp")
		}
	default:
		return fmt.Errorf("unknown OTP_DELIVERY %q", c.OTPDelivery)
	}

	if c.IsDev() {
		if c.JWTSecret == "" {
			c.JWTSecret = devSecret
		}
		return nil
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.DiagnosticOTP {
		return fmt.Errorf("DIAGNOSTIC_OTP is not allowed when APP_ENV=%s", c.AppEnv)
	}
	// The log notifier writes codes in plaintext and never reaches a phone.
	if c.OTPDelivery == DeliveryLog {
		return fmt.Errorf("OTP_DELIVERY=%s is not allowed when APP_ENV=%s", DeliveryLog, c.AppEnv)
	}
	return nil
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
