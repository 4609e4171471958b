package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	AppName  string
	Server   ServerConfig
	Auth     AuthConfig
	WhatsApp WhatsAppConfig
	OTP      OTPConfig
	Redis    RedisConfig
	NATS     NATSConfig
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	IdempotencyTTL time.Duration
	TrustedProxies []string // peers whose X-Forwarded-For is honoured
	RatePerMinute  int      // per client IP on the OTP endpoints
	RateBurst      int
}

type AuthConfig struct {
	APIKey    string
	JWTSecret string // optional; enables HS256 service tokens as bearer credentials
}

type WhatsAppConfig struct {
	Driver         string // whatsmeow, or dev to log messages instead of sending
	SessionPath    string // SQLite file holding the paired device credentials
	SessionDBURL   string // Postgres DSN; takes precedence over SessionPath when set
	DeviceName     string
	RepairOnLogout bool
	SendTimeout    time.Duration
	DefaultCountry string // country calling code used when a number has no leading +
}

type OTPConfig struct {
	TTL               time.Duration
	ConsumedRetention time.Duration
	SweepInterval     time.Duration
	CodeLength        int
	HashCost          int
	Store             string // memory or redis
	RatePerMinute     int    // issuances per phone number
	RateBurst         int
	MaxAttempts       int // failed verifications before a code is invalidated
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type NATSConfig struct {
	URL   string // empty disables the event bus
	Queue string
}

// Load reads .env when present, then builds the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:     getEnv("APP_ENV", "development"),
		AppName: getEnv("APP_NAME", "Job Board"),
		Server: ServerConfig{
			Port:           getEnv("PORT", "3001"),
			AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 5*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			IdempotencyTTL: getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			TrustedProxies: getList("TRUSTED_PROXIES", nil),
			RatePerMinute:  getInt("HTTP_RATE_LIMIT_PER_MINUTE", 300),
			RateBurst:      getInt("HTTP_RATE_BURST", 60),
		},
		Auth: AuthConfig{
			APIKey:    getEnv("API_KEY", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		WhatsApp: WhatsAppConfig{
			Driver:         strings.ToLower(getEnv("WHATSAPP_DRIVER", "whatsmeow")),
			SessionPath:    getEnv("WHATSAPP_SESSION_PATH", "./.wa-session/session.db"),
			SessionDBURL:   getEnv("WHATSAPP_SESSION_DB_URL", ""),
			DeviceName:     getEnv("WHATSAPP_DEVICE_NAME", "Job Board Relay"),
			RepairOnLogout: getBool("WHATSAPP_REPAIR_ON_LOGOUT", true),
			SendTimeout:    getDuration("WHATSAPP_SEND_TIMEOUT", 20*time.Second),
			DefaultCountry: strings.TrimPrefix(getEnv("DEFAULT_COUNTRY_CODE", "62"), "+"),
		},
		OTP: OTPConfig{
			TTL:               getDuration("OTP_TTL", 5*time.Minute),
			ConsumedRetention: getDuration("OTP_CONSUMED_RETENTION", 60*time.Second),
			SweepInterval:     getDuration("OTP_SWEEP_INTERVAL", 5*time.Minute),
			CodeLength:        getInt("OTP_CODE_LENGTH", 6),
			HashCost:          getInt("OTP_HASH_COST", 10),
			Store:             strings.ToLower(getEnv("OTP_STORE", "memory")),
			RatePerMinute:     getInt("OTP_RATE_LIMIT_PER_MINUTE", 5),
			RateBurst:         getInt("OTP_RATE_BURST", 3),
			MaxAttempts:       getInt("OTP_MAX_ATTEMPTS", 5),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:   getEnv("NATS_URL", ""),
			Queue: getEnv("NATS_QUEUE", "wa-relay"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: PORT must be set")
	}
	if c.IsProduction() && !c.AuthEnabled() {
		return errors.New("config: API_KEY or JWT_SECRET must be set when APP_ENV=production")
	}
	if c.WhatsApp.Driver != "whatsmeow" && c.WhatsApp.Driver != "dev" {
		return errors.New("config: WHATSAPP_DRIVER must be whatsmeow or dev")
	}
	if c.IsProduction() && c.WhatsApp.Driver == "dev" {
		return errors.New("config: WHATSAPP_DRIVER=dev is not allowed when APP_ENV=production")
	}
	if c.OTP.Store != "memory" && c.OTP.Store != "redis" {
		return errors.New("config: OTP_STORE must be memory or redis")
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return errors.New("config: OTP_CODE_LENGTH must be between 4 and 10")
	}
	if c.OTP.MaxAttempts < 1 {
		return errors.New("config: OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.OTP.TTL <= 0 {
		return errors.New("config: OTP_TTL must be positive")
	}
	if c.OTP.SweepInterval <= 0 {
		return errors.New("config: OTP_SWEEP_INTERVAL must be positive")
	}
	if c.WhatsApp.DefaultCountry == "" {
		return errors.New("config: DEFAULT_COUNTRY_CODE must be set")
	}
	if _, err := strconv.Atoi(c.WhatsApp.DefaultCountry); err != nil {
		return errors.New("config: DEFAULT_COUNTRY_CODE must be numeric")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c *Config) AuthEnabled() bool {
	return c.Auth.APIKey != "" || c.Auth.JWTSecret != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
