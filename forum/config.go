package forum

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAddr           = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultEmailSuffix    = "@stu.pku.edu.cn"
)

type Config struct {
	Env             string
	Addr            string
	AuthSecret      string
	DatabaseURL     string
	RLSCacheEnabled bool
	RLSCacheTTL     time.Duration
	RequestTimeout  time.Duration
	EmailSuffix     string
	LogLevel        string
}

func (c Config) Production() bool {
	return c.Env == "production"
}

// LoadDotEnvs loads .env files, most specific first; values already present
// in the environment are never overwritten.
func LoadDotEnvs() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	// Missing files are expected.
	_ = godotenv.Load(".env." + env + ".local")
	if env != "test" {
		_ = godotenv.Load(".env.local")
	}
	_ = godotenv.Load(".env." + env)
	_ = godotenv.Load(".env")
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	return configFrom(os.Getenv)
}

func configFrom(getenv func(string) string) (Config, error) {
	cfg := Config{
		Env:             getenv("APP_ENV"),
		Addr:            getenv("ADDR"),
		AuthSecret:      getenv("AUTH_SECRET"),
		DatabaseURL:     getenv("POSTGRES_URL"),
		RLSCacheEnabled: true,
		RLSCacheTTL:     DefaultRLSCacheTTL,
		RequestTimeout:  defaultRequestTimeout,
		EmailSuffix:     getenv("EMAIL_SUFFIX"),
		LogLevel:        getenv("LOG_LEVEL"),
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = getenv("DATABASE_URL")
	}
	if cfg.EmailSuffix == "" {
		cfg.EmailSuffix = defaultEmailSuffix
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.AuthSecret == "" {
		return Config{}, errors.New("AUTH_SECRET environment variable is not set")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("POSTGRES_URL environment variable is not set")
	}

	if s := getenv("RLS_CACHE_ENABLED"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RLS_CACHE_ENABLED: %w", err)
		}
		cfg.RLSCacheEnabled = v
	}
	if s := getenv("RLS_CACHE_TTL"); s != "" {
		v, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RLS_CACHE_TTL: %w", err)
		}
		cfg.RLSCacheTTL = v
	}
	if s := getenv("REQUEST_TIMEOUT"); s != "" {
		v, err := time.ParseDuration(s)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("invalid REQUEST_TIMEOUT %q", s)
		}
		cfg.RequestTimeout = v
	}
	return cfg, nil
}

// EffectiveRLSCacheTTL is zero when the cache is off.
func (c Config) EffectiveRLSCacheTTL() time.Duration {
	if !c.RLSCacheEnabled {
		return 0
	}
	return c.RLSCacheTTL
}
