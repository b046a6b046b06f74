package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Census API configuration.
	CensusAPIKey     string
	CensusBaseURL    string
	CensusTimeout    time.Duration
	CensusMaxRetries int
	CensusChunkSize  int
	CensusConcurrent int
	CensusRateLimit  float64 // requests per second
	CensusCacheSize  int
	CensusCacheTTL   time.Duration

	// Harvest configuration.
	StartYear       int
	CatalogPath     string
	SQLitePath      string
	RefreshInterval time.Duration

	// Kafka publishing of derived metrics (feature-flagged via KAFKA_ENABLED / KAFKA_BROKERS).
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// GCS snapshots (disabled when SNAPSHOT_BUCKET is unset).
	SnapshotBucket string
	SnapshotPrefix string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        strings.ToLower(sharedcfg.EnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(sharedcfg.EnvOrDefault("LOG_FORMAT", "json")),
		ShutdownTimeout: shutdownTimeout,

		CensusAPIKey:  os.Getenv("CENSUS_API_KEY"),
		CensusBaseURL: strings.TrimRight(sharedcfg.EnvOrDefault("CENSUS_BASE_URL", "https://api.census.gov/data"), "/"),

		CatalogPath:    os.Getenv("CATALOG_PATH"),
		SQLitePath:     sharedcfg.EnvOrDefault("SQLITE_PATH", "data/acs.db"),
		KafkaTopic:     sharedcfg.EnvOrDefault("KAFKA_TOPIC", "acs-derived-metrics"),
		SnapshotBucket: os.Getenv("SNAPSHOT_BUCKET"),
		SnapshotPrefix: strings.Trim(sharedcfg.EnvOrDefault("SNAPSHOT_PREFIX", "acs"), "/"),
	}

	if cfg.CensusTimeout, err = parseDuration("CENSUS_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.CensusCacheTTL, err = parseDuration("CENSUS_CACHE_TTL", "24h"); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = parseDuration("REFRESH_INTERVAL", "24h"); err != nil {
		return nil, err
	}
	if cfg.CensusMaxRetries, err = parseInt("CENSUS_MAX_RETRIES", 3, 0); err != nil {
		return nil, err
	}
	if cfg.CensusChunkSize, err = parseInt("CENSUS_CHUNK_SIZE", 10, 1); err != nil {
		return nil, err
	}
	if cfg.CensusConcurrent, err = parseInt("CENSUS_CONCURRENCY", 5, 1); err != nil {
		return nil, err
	}
	if cfg.CensusCacheSize, err = parseInt("CENSUS_CACHE_SIZE", 1000, 1); err != nil {
		return nil, err
	}
	if cfg.StartYear, err = parseInt("ACS_START_YEAR", 2010, 2005); err != nil {
		return nil, err
	}

	rate, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("CENSUS_RATE_LIMIT", "5"), 64)
	if err != nil || rate <= 0 {
		return nil, errors.New("invalid CENSUS_RATE_LIMIT")
	}
	cfg.CensusRateLimit = rate

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}
	cfg.KafkaEnabled = len(cfg.KafkaBrokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		cfg.KafkaEnabled = v == "true"
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want json or text", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required")
	}
	if cfg.SQLitePath == "" {
		return nil, errors.New("SQLITE_PATH is required")
	}

	return cfg, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, def, minValue int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minValue {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", key, minValue)
	}
	return n, nil
}
