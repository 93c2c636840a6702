package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	Storage     string   `mapstructure:"STORAGE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	NATSURL     string   `mapstructure:"NATS_URL"`
	NATSPrefix  string   `mapstructure:"NATS_SUBJECT_PREFIX"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
	DeliveryWorkers      int           `mapstructure:"DELIVERY_WORKERS"`
	DeliveryPollInterval time.Duration `mapstructure:"DELIVERY_POLL_INTERVAL"`
	DeliveryMaxAttempts  int           `mapstructure:"DELIVERY_MAX_ATTEMPTS"`
	StaleHorizon         time.Duration `mapstructure:"STALE_HORIZON"`
	GatewayURL           string        `mapstructure:"GATEWAY_URL"`
	GatewaySecret        string        `mapstructure:"GATEWAY_SECRET"`
	SMSTimeout           time.Duration `mapstructure:"SMS_TIMEOUT"`
	EmailTimeout         time.Duration `mapstructure:"EMAIL_TIMEOUT"`
	PushTimeout          time.Duration `mapstructure:"PUSH_TIMEOUT"`
	VoiceTimeout         time.Duration `mapstructure:"VOICE_TIMEOUT"`

	FollowUpEscalateAfter    time.Duration `mapstructure:"FOLLOWUP_ESCALATE_AFTER"`
	FollowUpEscalationTarget string        `mapstructure:"FOLLOWUP_ESCALATION_TARGET"`
	AmbulanceSpeedKmh        float64       `mapstructure:"AMBULANCE_SPEED_KMH"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NATS_URL", "NATS_SUBJECT_PREFIX", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"SWEEP_INTERVAL", "DELIVERY_WORKERS", "DELIVERY_POLL_INTERVAL", "DELIVERY_MAX_ATTEMPTS",
	"STALE_HORIZON", "GATEWAY_URL", "GATEWAY_SECRET", "SMS_TIMEOUT", "EMAIL_TIMEOUT", "PUSH_TIMEOUT", "VOICE_TIMEOUT",
	"FOLLOWUP_ESCALATE_AFTER", "FOLLOWUP_ESCALATION_TARGET", "AMBULANCE_SPEED_KMH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE", StorageMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NATS_SUBJECT_PREFIX", "referrals")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("DELIVERY_WORKERS", 4)
	v.SetDefault("DELIVERY_POLL_INTERVAL", "5s")
	v.SetDefault("DELIVERY_MAX_ATTEMPTS", 5)
	v.SetDefault("STALE_HORIZON", "1h")
	v.SetDefault("SMS_TIMEOUT", "10s")
	v.SetDefault("EMAIL_TIMEOUT", "15s")
	v.SetDefault("PUSH_TIMEOUT", "5s")
	v.SetDefault("VOICE_TIMEOUT", "30s")
	v.SetDefault("FOLLOWUP_ESCALATE_AFTER", "48h")
	v.SetDefault("AMBULANCE_SPEED_KMH", 60)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
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

// Validate checks that the configuration is safe to run. Production refuses
// in-memory storage, which would lose referrals and queued notifications on
// restart.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage)
	}
	if c.IsProduction() && c.Storage != StoragePostgres {
		return fmt.Errorf("STORAGE=%s is required in production", StoragePostgres)
	}
	if c.Storage == StoragePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.DeliveryWorkers <= 0 {
		return fmt.Errorf("DELIVERY_WORKERS must be positive, got %d", c.DeliveryWorkers)
	}
	if c.DeliveryMaxAttempts <= 0 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be positive, got %d", c.DeliveryMaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"SMS_TIMEOUT":   c.SMSTimeout,
		"EMAIL_TIMEOUT": c.EmailTimeout,
		"PUSH_TIMEOUT":  c.PushTimeout,
		"VOICE_TIMEOUT": c.VoiceTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AmbulanceSpeedKmh <= 0 {
		return fmt.Errorf("AMBULANCE_SPEED_KMH must be positive, got %g", c.AmbulanceSpeedKmh)
	}
	return nil
}
