// Package config provides configuration loading for archivist.
//
// Configuration is read from a YAML file and overridden by environment
// variables. The server section is decoded here; every other section
// (storage, media, embeddings, vectorstore, jobs, events, inbox, logging,
// telemetry) is owned by the package it configures and decoded with
// Section, so those packages can depend on config without a cycle:
//
//	cfg, err := config.LoadWithFile("")
//	storeCfg := store.NewDefaultConfig()
//	if err := cfg.Section("storage", storeCfg); err != nil {
//	    return err
//	}
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the archivist daemon configuration.
type Config struct {
	Server ServerConfig `koanf:"server"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// UploadDir receives uploaded archives before a job picks them up.
	UploadDir string `koanf:"upload_dir"`
	// MaxUploadBytes caps one upload. Zero means no limit.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Section decodes the named top-level section into out. out should already
// hold defaults; keys absent from the file and environment keep them.
func (c *Config) Section(name string, out interface{}) error {
	if c.k == nil || !c.k.Exists(name) {
		return nil
	}
	if err := c.k.Unmarshal(name, out); err != nil {
		return fmt.Errorf("decoding %s config: %w", name, err)
	}
	return nil
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Upload directory is empty
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.UploadDir == "" {
		return errors.New("server.upload_dir is required")
	}
	if c.Server.MaxUploadBytes < 0 {
		return errors.New("server.max_upload_bytes cannot be negative")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.UploadDir == "" {
		cfg.Server.UploadDir = "~/.local/share/archivist/uploads"
	}
}
