package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temporary directory for the test.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "archivist")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `server:
  http_port: 9300
  http_host: 0.0.0.0
  shutdown_timeout: 3s
  upload_dir: /srv/uploads
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 9300 {
		t.Errorf("Server.Port = %d, want 9300", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Server.UploadDir != "/srv/uploads" {
		t.Errorf("Server.UploadDir = %q", cfg.Server.UploadDir)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(home, ".config", "archivist", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	want := Default()
	if cfg.Server != want.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, want.Server)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 9300\n", 0600)
	t.Setenv("SERVER_HTTP_PORT", "9400")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Server.Port != 9400 {
		t.Errorf("Server.Port = %d, want 9400 from environment", cfg.Server.Port)
	}
}

type sectionConfig struct {
	Workers   int      `koanf:"workers"`
	Timeout   Duration `koanf:"timeout"`
	APIKey    Secret   `koanf:"api_key"`
	Untouched string   `koanf:"untouched"`
}

func TestSection(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `jobs:
  workers: 8
  timeout: 90s
  api_key: sk-test
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}

	out := &sectionConfig{Workers: 2, Untouched: "default"}
	if err := cfg.Section("jobs", out); err != nil {
		t.Fatalf("Section() error = %v", err)
	}
	if out.Workers != 8 {
		t.Errorf("Workers = %d, want 8", out.Workers)
	}
	if out.Timeout.Duration() != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", out.Timeout.Duration())
	}
	if out.APIKey.Value() != "sk-test" {
		t.Errorf("APIKey not decoded")
	}
	if out.Untouched != "default" {
		t.Errorf("Untouched = %q, want default kept", out.Untouched)
	}

	missing := &sectionConfig{Workers: 3}
	if err := cfg.Section("inbox", missing); err != nil {
		t.Fatalf("Section(missing) error = %v", err)
	}
	if missing.Workers != 3 {
		t.Errorf("absent section changed defaults: %+v", missing)
	}
}

func TestSection_EnvOnly(t *testing.T) {
	home := setupTestHome(t)
	t.Setenv("JOBS_WORKERS", "6")

	cfg, err := LoadWithFile(filepath.Join(home, ".config", "archivist", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	out := &sectionConfig{}
	if err := cfg.Section("jobs", out); err != nil {
		t.Fatalf("Section() error = %v", err)
	}
	if out.Workers != 6 {
		t.Errorf("Workers = %d, want 6", out.Workers)
	}
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 9300\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Fatalf("LoadWithFile() error = %v, want permission error", err)
	}
}

func TestLoadWithFile_RejectsLargeFile(t *testing.T) {
	home := setupTestHome(t)
	big := "server:\n  upload_dir: " + strings.Repeat("a", maxConfigFileSize) + "\n"
	path := writeConfig(t, home, big, 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("LoadWithFile() error = %v, want size error", err)
	}
}

func TestLoadWithFile_InvalidPort(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "server:\n  http_port: 70000\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want validation error")
	}
}

func TestValidateConfigPath(t *testing.T) {
	home := setupTestHome(t)

	valid := []string{
		filepath.Join(home, ".config", "archivist", "config.yaml"),
		filepath.Join(home, ".config", "archivist", "prod", "config.yaml"),
		"/etc/archivist/config.yaml",
	}
	for _, p := range valid {
		t.Run("valid "+p, func(t *testing.T) {
			if err := validateConfigPath(p); err != nil {
				t.Errorf("valid path rejected: %s: %v", p, err)
			}
		})
	}

	invalid := []string{
		"/etc/passwd",
		"/tmp/config.yaml",
		"/etc/archivist../etc/passwd",
		filepath.Join(home, ".config", "archivist", "..", "..", "..", "etc", "passwd"),
		filepath.Join(home, ".config", "archivist-evil", "config.yaml"),
	}
	for _, p := range invalid {
		t.Run("invalid "+p, func(t *testing.T) {
			if err := validateConfigPath(p); err == nil {
				t.Errorf("path outside allowed directories accepted: %s", p)
			}
		})
	}
}
