// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	CatalogMemory   = "memory"
	CatalogHttp     = "http"
	CatalogPostgres = "postgres"
)

type Config struct {
	ServiceName     string        `yaml:"serviceName"`
	HTTPAddr        string        `yaml:"httpAddr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	LogLevel        string        `yaml:"logLevel"`
	LokiURL         string        `yaml:"lokiUrl"`
	OTLPEndpoint    string        `yaml:"otlpEndpoint"`

	Store       string `yaml:"store"`
	PostgresDSN string `yaml:"postgresDsn"`
	RedisAddr   string `yaml:"redisAddr"`

	Catalog        string        `yaml:"catalog"`
	CatalogURL     string        `yaml:"catalogUrl"`
	CatalogTimeout time.Duration `yaml:"catalogTimeout"`

	KafkaBrokers       []string `yaml:"kafkaBrokers"`
	KafkaEventsTopic   string   `yaml:"kafkaEventsTopic"`
	KafkaPaymentsTopic string   `yaml:"kafkaPaymentsTopic"`
	KafkaGroupId       string   `yaml:"kafkaGroupId"`

	DefaultTTL         time.Duration `yaml:"defaultTtl"`
	ReserveMaxAttempts int           `yaml:"reserveMaxAttempts"`
	ReserveBaseDelay   time.Duration `yaml:"reserveBaseDelay"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
	SweepBatchSize     int           `yaml:"sweepBatchSize"`
	IdempotencyTTL     time.Duration `yaml:"idempotencyTtl"`
}

func Defaults() Config {
	return Config{
		ServiceName:        "stock-reservations",
		HTTPAddr:           ":3133",
		ShutdownTimeout:    15 * time.Second,
		LogLevel:           "info",
		Store:              StoreMemory,
		Catalog:            CatalogMemory,
		CatalogTimeout:     2 * time.Second,
		KafkaEventsTopic:   "stock.reservations",
		KafkaPaymentsTopic: "payments.outcomes",
		KafkaGroupId:       "stock-reservations",
		DefaultTTL:         30 * time.Minute,
		ReserveMaxAttempts: 5,
		ReserveBaseDelay:   10 * time.Millisecond,
		SweepInterval:      time.Minute,
		SweepBatchSize:     500,
		IdempotencyTTL:     24 * time.Hour,
	}
}

// Load reads CONFIG_FILE when set, then applies environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceName = getenv("SERVICE_NAME", cfg.ServiceName)
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ShutdownTimeout = durenv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LokiURL = getenv("LOKI_URL", cfg.LokiURL)
	cfg.OTLPEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	cfg.Store = getenv("RESERVATION_STORE", cfg.Store)
	cfg.PostgresDSN = getenv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)

	cfg.Catalog = getenv("CATALOG", cfg.Catalog)
	cfg.CatalogURL = getenv("CATALOG_URL", cfg.CatalogURL)
	cfg.CatalogTimeout = durenv("CATALOG_TIMEOUT", cfg.CatalogTimeout)

	if v := getenv("KAFKA_BROKERS", ""); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	cfg.KafkaEventsTopic = getenv("KAFKA_EVENTS_TOPIC", cfg.KafkaEventsTopic)
	cfg.KafkaPaymentsTopic = getenv("KAFKA_PAYMENTS_TOPIC", cfg.KafkaPaymentsTopic)
	cfg.KafkaGroupId = getenv("KAFKA_GROUP_ID", cfg.KafkaGroupId)

	cfg.DefaultTTL = durenv("RESERVATION_DEFAULT_TTL", cfg.DefaultTTL)
	cfg.ReserveMaxAttempts = atoienv("RESERVE_MAX_ATTEMPTS", cfg.ReserveMaxAttempts)
	cfg.ReserveBaseDelay = durenv("RESERVE_BASE_DELAY", cfg.ReserveBaseDelay)
	cfg.SweepInterval = durenv("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepBatchSize = atoienv("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.IdempotencyTTL = durenv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reservation store %q", c.Store))
	}
	switch c.Catalog {
	case CatalogMemory:
	case CatalogHttp:
		if c.CatalogURL == "" {
			errs = append(errs, errors.New("CATALOG_URL is required for the http catalog"))
		}
	case CatalogPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres catalog"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown catalog %q", c.Catalog))
	}
	if c.DefaultTTL <= 0 || c.SweepInterval <= 0 || c.CatalogTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("durations must be positive"))
	}
	if c.ReserveMaxAttempts <= 0 || c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("RESERVE_MAX_ATTEMPTS and SWEEP_BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// durenv accepts Go duration strings ("90s") or plain seconds ("90").
func durenv(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
