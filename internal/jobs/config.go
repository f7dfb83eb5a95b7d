package jobs

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Config holds orchestrator configuration.
type Config struct {
	// Workers is the number of jobs processed in parallel.
	Workers int `koanf:"workers"`
	// MediaConcurrency bounds parallel extractions within one job.
	MediaConcurrency int `koanf:"media_concurrency"`
	// BatchSize is the number of messages written per transaction while
	// parsing. Progress is recomputed after every batch.
	BatchSize int `koanf:"batch_size"`
	// PollInterval is how often idle workers look for queued jobs that
	// were not signalled, such as jobs queued by another process.
	PollInterval config.Duration `koanf:"poll_interval"`
	// EventInterval throttles progress events per job.
	EventInterval config.Duration `koanf:"event_interval"`
	// RetainUploads keeps the uploaded file after completion so failed
	// media can be retried by Reprocess. Deleting the archive removes it.
	RetainUploads bool `koanf:"retain_uploads"`
}

// NewDefaultConfig returns orchestrator defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Workers:          2,
		MediaConcurrency: 4,
		BatchSize:        500,
		PollInterval:     config.Duration(5 * time.Second),
		EventInterval:    config.Duration(500 * time.Millisecond),
		RetainUploads:    true,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	if c.MediaConcurrency <= 0 {
		return fmt.Errorf("jobs.media_concurrency must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	if c.EventInterval < 0 {
		return fmt.Errorf("jobs.event_interval cannot be negative")
	}
	return nil
}
