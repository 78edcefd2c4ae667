package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port    string `yaml:"port"`
		GinMode string `yaml:"gin_mode"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Admin struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"admin"`

	Batch struct {
		Size          int           `yaml:"size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		FlushTimeout  time.Duration `yaml:"flush_timeout"`
		MaxAttempts   int           `yaml:"max_attempts"`
	} `yaml:"batch"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Cache struct {
		OrderTTL   time.Duration `yaml:"order_ttl"`
		ListingTTL time.Duration `yaml:"listing_ttl"`
	} `yaml:"cache"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.GinMode = "debug"
	cfg.Database.DSN = "ordering.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	cfg.Auth.JWTSecret = "restaurant_ordering_dev_secret"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Admin.Username = "admin"
	cfg.Admin.Password = "admin123"
	cfg.Batch.Size = 10
	cfg.Batch.FlushInterval = time.Second
	cfg.Batch.FlushTimeout = 10 * time.Second
	cfg.Cache.OrderTTL = 5 * time.Minute
	cfg.Cache.ListingTTL = time.Minute
	cfg.Kafka.Topic = "order-events"
	cfg.Log.Level = "info"
	return cfg
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty or missing), then a .env file, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.GinMode = getEnv("GIN_MODE", c.Server.GinMode)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Admin.Username = getEnv("ADMIN_USERNAME", c.Admin.Username)
	c.Admin.Password = getEnv("ADMIN_PASSWORD", c.Admin.Password)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}

	var err error
	if c.Batch.Size, err = getEnvInt("BATCH_SIZE", c.Batch.Size); err != nil {
		return err
	}
	if c.Batch.MaxAttempts, err = getEnvInt("BATCH_MAX_ATTEMPTS", c.Batch.MaxAttempts); err != nil {
		return err
	}
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Batch.FlushInterval, err = getEnvDuration("BATCH_FLUSH_INTERVAL", c.Batch.FlushInterval); err != nil {
		return err
	}
	if c.Batch.FlushTimeout, err = getEnvDuration("BATCH_FLUSH_TIMEOUT", c.Batch.FlushTimeout); err != nil {
		return err
	}
	if c.Auth.TokenTTL, err = getEnvDuration("JWT_TTL", c.Auth.TokenTTL); err != nil {
		return err
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = pretty
	}
	return nil
}

// Validate rejects settings the batching pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Batch.Size < 2 {
		return fmt.Errorf("batch.size must be at least 2, got %d", c.Batch.Size)
	}
	// every order is queued as an order record followed by its detail record
	if c.Batch.Size%2 != 0 {
		return fmt.Errorf("batch.size must be even so an order and its detail share a batch, got %d", c.Batch.Size)
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be positive, got %s", c.Batch.FlushInterval)
	}
	if c.Batch.FlushTimeout <= 0 {
		return fmt.Errorf("batch.flush_timeout must be positive, got %s", c.Batch.FlushTimeout)
	}
	if c.Batch.MaxAttempts < 0 {
		return fmt.Errorf("batch.max_attempts must not be negative, got %d", c.Batch.MaxAttempts)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
