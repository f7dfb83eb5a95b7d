package inbox

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Config configures the watch folder.
type Config struct {
	Enabled bool `koanf:"enabled"`
	// Dir is watched for dropped archives.
	Dir string `koanf:"dir"`
	// Owner is the owner every dropped archive is submitted for.
	Owner string `koanf:"owner"`
	// UploadDir receives files once they are claimed. It should be the
	// server's upload directory so uploads and drops are retained alike.
	UploadDir string `koanf:"upload_dir"`
	// StableFor is how long a file's size must stay unchanged before it is
	// considered fully written.
	StableFor config.Duration `koanf:"stable_for"`
}

// NewDefaultConfig returns watch folder defaults. The inbox is disabled
// until an owner is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Dir:       "~/.local/share/archivist/inbox",
		UploadDir: "~/.local/share/archivist/uploads",
		StableFor: config.Duration(2 * time.Second),
	}
}

// Validate checks configuration for errors. A disabled inbox is always
// valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return fmt.Errorf("inbox.dir is required")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("inbox.upload_dir is required")
	}
	if c.Owner == "" {
		return fmt.Errorf("inbox.owner is required when the inbox is enabled")
	}
	if c.StableFor <= 0 {
		return fmt.Errorf("inbox.stable_for must be positive")
	}
	return nil
}
