// Package media extracts binary payloads referenced by parsed messages into
// content-addressed storage.
//
// Every payload is hashed with SHA-256 while it is staged. The checksum is
// looked up before anything is committed to the blob root, so identical
// content referenced from any number of messages, archives or owners is
// written once. Thumbnails, image dimensions and perceptual hashes are
// best-effort: failing to compute them never fails the asset.
//
// Stored assets are readable only through Open, which requires the caller
// to own a ref to the checksum.
package media

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Config holds media extraction configuration.
type Config struct {
	// Root is the blob directory. Assets live at <root>/<aa>/<bb>/<sha256>.
	Root string `koanf:"root"`
	// MaxAssetBytes caps one asset. Larger payloads fail extraction.
	MaxAssetBytes int64 `koanf:"max_asset_bytes"`
	// ExtractTimeout bounds a single asset extraction.
	ExtractTimeout config.Duration `koanf:"extract_timeout"`
	// ThumbnailSize is the bounding box edge for thumbnails, in pixels.
	ThumbnailSize int `koanf:"thumbnail_size"`
	// FFmpegPath enables video thumbnails when the binary is present.
	FFmpegPath string `koanf:"ffmpeg_path"`
	// FetchURLs enables resolving url pointers over HTTP. When disabled,
	// url refs are recorded as deferred.
	FetchURLs bool `koanf:"fetch_urls"`
	// FetchRate limits remote fetches per second, shared by all jobs.
	FetchRate  float64 `koanf:"fetch_rate"`
	FetchBurst int     `koanf:"fetch_burst"`
}

// NewDefaultConfig returns media defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Root:           "~/.local/share/archivist/media",
		MaxAssetBytes:  512 << 20,
		ExtractTimeout: config.Duration(2 * time.Minute),
		ThumbnailSize:  256,
		FFmpegPath:     "ffmpeg",
		FetchURLs:      false,
		FetchRate:      2,
		FetchBurst:     4,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("media.root is required")
	}
	if c.MaxAssetBytes <= 0 {
		return fmt.Errorf("media.max_asset_bytes must be positive")
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("media.extract_timeout must be positive")
	}
	if c.ThumbnailSize <= 0 {
		return fmt.Errorf("media.thumbnail_size must be positive")
	}
	if c.FetchURLs && c.FetchRate <= 0 {
		return fmt.Errorf("media.fetch_rate must be positive when fetch_urls is enabled")
	}
	return nil
}
