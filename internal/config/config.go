package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings of the API server
type Config struct {
	Env            string
	Port           string
	DatabaseDSN    string
	JWTSecret      string
	JWTIssuer      string
	InternalAPIKey string

	AIGatewayURL    string
	AIGatewayAPIKey string
	AIModel         string
	PromptsFile     string

	PlatformFeeRate float64
	AllowedOrigins  []string

	DRIPInterval   time.Duration
	ExpiryInterval time.Duration
	// ValuationInterval drives the mock appraisal feed; zero disables it
	ValuationInterval time.Duration
}

// IsProduction reports whether the server runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads .env (if present) and the environment.
// Priority: ENV > .env file > defaults
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:             getEnvDefault("ENV", "development"),
		Port:            getEnvDefault("PORT", "8080"),
		DatabaseDSN:     getEnvDefault("DATABASE_DSN", "blineit.db"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTIssuer:       getEnvDefault("JWT_ISSUER", "blineit"),
		InternalAPIKey:  os.Getenv("INTERNAL_API_KEY"),
		AIGatewayURL:    getEnvDefault("AI_GATEWAY_URL", "https://ai.gateway.lovable.dev/v1"),
		AIGatewayAPIKey: os.Getenv("AI_GATEWAY_API_KEY"),
		AIModel:         getEnvDefault("AI_MODEL", "google/gemini-2.5-flash"),
		PromptsFile:     os.Getenv("PROMPTS_FILE"),
		AllowedOrigins:  splitList(getEnvDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")),
	}

	var err error
	if cfg.PlatformFeeRate, err = getEnvFloat("PLATFORM_FEE_RATE", 0.02); err != nil {
		return nil, err
	}
	if cfg.DRIPInterval, err = getEnvDuration("DRIP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ExpiryInterval, err = getEnvDuration("EXPIRY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if v := os.Getenv("VALUATION_INTERVAL"); v != "" && v != "0" {
		if cfg.ValuationInterval, err = getEnvDuration("VALUATION_INTERVAL", 0); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the settings production cannot run without
func (c *Config) Validate() error {
	if c.PlatformFeeRate < 0 || c.PlatformFeeRate > 0.2 {
		return fmt.Errorf("PLATFORM_FEE_RATE must be between 0 and 0.2, got %v", c.PlatformFeeRate)
	}
	if c.IsProduction() {
		if c.ValuationInterval > 0 {
			return fmt.Errorf("VALUATION_INTERVAL must not be set in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.InternalAPIKey == "" {
			return fmt.Errorf("INTERNAL_API_KEY is required in production")
		}
	}
	if c.JWTSecret == "" {
		c.JWTSecret = "blineit-dev-secret"
	}
	if c.InternalAPIKey == "" {
		c.InternalAPIKey = "blineit-dev-internal-key"
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
