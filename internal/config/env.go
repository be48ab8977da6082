package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WIKITRACK_"

// ApplyEnv overrides settings from environment variables:
//   - WIKITRACK_DB_BACKEND, WIKITRACK_DB_PATH, WIKITRACK_DB_DSN, WIKITRACK_LOCK_DIR
//   - WIKITRACK_USER_AGENT
//   - WIKITRACK_WIKI_API_RPS, WIKITRACK_REPLICA_ENDPOINT, WIKITRACK_REPLICA_RPS
//   - WIKITRACK_ORES_ENDPOINT, WIKITRACK_ORES_CONCURRENCY
//   - WIKITRACK_RETRY_MAX_ATTEMPTS
//   - WIKITRACK_USERS_PER_REQUEST, WIKITRACK_SLICE_SIZE, WIKITRACK_SCORE_BATCH_SIZE
//   - WIKITRACK_FUTURE_SLACK_HOURS
//   - WIKITRACK_SCHEDULE_IMPORT, WIKITRACK_SCHEDULE_ALL_WIKIS
//   - WIKITRACK_LOG_LEVEL, WIKITRACK_LOG_FORMAT
//
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	parseEnvString("DB_BACKEND", &c.Database.Backend)
	parseEnvString("DB_PATH", &c.Database.Path)
	parseEnvString("DB_DSN", &c.Database.DSN)
	parseEnvString("LOCK_DIR", &c.Database.LockDir)
	parseEnvString("USER_AGENT", &c.WikiAPI.UserAgent)
	parseEnvString("REPLICA_ENDPOINT", &c.Replica.Endpoint)
	parseEnvString("ORES_ENDPOINT", &c.ORES.Endpoint)
	parseEnvString("SCHEDULE_IMPORT", &c.Schedule.Import)
	parseEnvString("SCHEDULE_ALL_WIKIS", &c.Schedule.AllWikis)
	parseEnvString("LOG_LEVEL", &c.Log.Level)
	parseEnvString("LOG_FORMAT", &c.Log.Format)

	if err := parseEnvFloat("WIKI_API_RPS", &c.WikiAPI.RequestsPerSecond); err != nil {
		return err
	}
	if err := parseEnvFloat("REPLICA_RPS", &c.Replica.RequestsPerSecond); err != nil {
		return err
	}
	if err := parseEnvInt("ORES_CONCURRENCY", &c.ORES.Concurrency); err != nil {
		return err
	}
	if err := parseEnvInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts); err != nil {
		return err
	}
	if err := parseEnvInt("USERS_PER_REQUEST", &c.Import.UsersPerRequest); err != nil {
		return err
	}
	if err := parseEnvInt("SLICE_SIZE", &c.Import.SliceSize); err != nil {
		return err
	}
	if err := parseEnvInt("SCORE_BATCH_SIZE", &c.Import.ScoreBatchSize); err != nil {
		return err
	}
	if err := parseEnvDuration("FUTURE_SLACK_HOURS", &c.Import.FutureSlack, time.Hour); err != nil {
		return err
	}
	return nil
}

func parseEnvString(key string, dest *string) {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		*dest = value
	}
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a whole number of multiplier units from an
// environment variable
func parseEnvDuration(key string, dest *time.Duration, multiplier time.Duration) error {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
	}
	*dest = time.Duration(parsed) * multiplier
	return nil
}
