package importer

import (
	"fmt"
	"time"

	"github.com/wikiedu/wikitrack/internal/ores"
)

// Config holds batching settings for the import pipeline
type Config struct {
	// UsersPerRequest is how many usernames go into one edit-history request
	// Default: 40
	UsersPerRequest int `yaml:"users_per_request"`

	// SliceSize is how many fetched article entries are persisted together.
	// It bounds peak memory during large imports.
	// Default: 8000
	SliceSize int `yaml:"slice_size"`

	// FutureSlack extends the import window past now to absorb clock skew
	// and late-arriving edits
	// Default: 48h
	FutureSlack time.Duration `yaml:"future_slack"`

	// ScoreBatchSize is how many revisions are scored per batch
	// Default: ores.RevsPerRequest (50)
	ScoreBatchSize int `yaml:"score_batch_size"`
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		UsersPerRequest: 40,
		SliceSize:       8000,
		FutureSlack:     48 * time.Hour,
		ScoreBatchSize:  ores.RevsPerRequest,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.UsersPerRequest <= 0 {
		return fmt.Errorf("users_per_request must be positive (got %d)", c.UsersPerRequest)
	}
	if c.UsersPerRequest > 500 {
		return fmt.Errorf("users_per_request too large (got %d, max 500)", c.UsersPerRequest)
	}
	if c.SliceSize <= 0 {
		return fmt.Errorf("slice_size must be positive (got %d)", c.SliceSize)
	}
	if c.FutureSlack < 0 {
		return fmt.Errorf("future_slack cannot be negative (got %v)", c.FutureSlack)
	}
	if c.ScoreBatchSize <= 0 {
		return fmt.Errorf("score_batch_size must be positive (got %d)", c.ScoreBatchSize)
	}
	if c.ScoreBatchSize > 500 {
		return fmt.Errorf("score_batch_size too large (got %d, max 500)", c.ScoreBatchSize)
	}
	return nil
}

// ceilDiv returns the number of batches of size needed to cover n items
func ceilDiv(n, size int) int {
	if size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
