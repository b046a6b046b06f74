package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	assert.Empty(t, cfg.CensusAPIKey)
	assert.Equal(t, "https://api.census.gov/data", cfg.CensusBaseURL)
	assert.Equal(t, 30*time.Second, cfg.CensusTimeout)
	assert.Equal(t, 3, cfg.CensusMaxRetries)
	assert.Equal(t, 10, cfg.CensusChunkSize)
	assert.Equal(t, 5, cfg.CensusConcurrent)
	assert.Equal(t, 5.0, cfg.CensusRateLimit)
	assert.Equal(t, 1000, cfg.CensusCacheSize)
	assert.Equal(t, 24*time.Hour, cfg.CensusCacheTTL)

	assert.Equal(t, 2010, cfg.StartYear)
	assert.Empty(t, cfg.CatalogPath)
	assert.Equal(t, "data/acs.db", cfg.SQLitePath)
	assert.Equal(t, 24*time.Hour, cfg.RefreshInterval)

	assert.False(t, cfg.KafkaEnabled)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "acs-derived-metrics", cfg.KafkaTopic)
	assert.Empty(t, cfg.SnapshotBucket)
	assert.Equal(t, "acs", cfg.SnapshotPrefix)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("CENSUS_API_KEY", "abc123")
	t.Setenv("CENSUS_BASE_URL", "http://localhost:9999/data/")
	t.Setenv("CENSUS_TIMEOUT", "5s")
	t.Setenv("CENSUS_MAX_RETRIES", "0")
	t.Setenv("CENSUS_CHUNK_SIZE", "20")
	t.Setenv("CENSUS_CONCURRENCY", "2")
	t.Setenv("CENSUS_RATE_LIMIT", "0.5")
	t.Setenv("CENSUS_CACHE_SIZE", "50")
	t.Setenv("CENSUS_CACHE_TTL", "1h")
	t.Setenv("ACS_START_YEAR", "2015")
	t.Setenv("CATALOG_PATH", "/etc/acs/catalog.yaml")
	t.Setenv("SQLITE_PATH", "/tmp/acs.db")
	t.Setenv("REFRESH_INTERVAL", "6h")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_TOPIC", "custom-topic")
	t.Setenv("SNAPSHOT_BUCKET", "acs-snapshots")
	t.Setenv("SNAPSHOT_PREFIX", "/housing/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "abc123", cfg.CensusAPIKey)
	assert.Equal(t, "http://localhost:9999/data", cfg.CensusBaseURL)
	assert.Equal(t, 5*time.Second, cfg.CensusTimeout)
	assert.Equal(t, 0, cfg.CensusMaxRetries)
	assert.Equal(t, 20, cfg.CensusChunkSize)
	assert.Equal(t, 2, cfg.CensusConcurrent)
	assert.Equal(t, 0.5, cfg.CensusRateLimit)
	assert.Equal(t, 50, cfg.CensusCacheSize)
	assert.Equal(t, time.Hour, cfg.CensusCacheTTL)
	assert.Equal(t, 2015, cfg.StartYear)
	assert.Equal(t, "/etc/acs/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, "/tmp/acs.db", cfg.SQLitePath)
	assert.Equal(t, 6*time.Hour, cfg.RefreshInterval)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-topic", cfg.KafkaTopic)
	assert.Equal(t, "acs-snapshots", cfg.SnapshotBucket)
	assert.Equal(t, "housing", cfg.SnapshotPrefix)
}

func TestLoad_InvalidShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_NegativeShutdownTimeout(t *testing.T) {
	t.Setenv("SHUTDOWN_TIMEOUT", "-1s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"CENSUS_TIMEOUT", "bad"},
		{"CENSUS_TIMEOUT", "-5s"},
		{"CENSUS_CACHE_TTL", "forever"},
		{"REFRESH_INTERVAL", "0s"},
		{"CENSUS_MAX_RETRIES", "-1"},
		{"CENSUS_CHUNK_SIZE", "0"},
		{"CENSUS_CONCURRENCY", "many"},
		{"CENSUS_CACHE_SIZE", "0"},
		{"CENSUS_RATE_LIMIT", "0"},
		{"ACS_START_YEAR", "1999"},
		{"LOG_FORMAT", "xml"},
		{"LOG_LEVEL", "trace"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_KafkaEnabledWithoutBrokers(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestLoad_KafkaExplicitlyDisabled(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("KAFKA_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}
