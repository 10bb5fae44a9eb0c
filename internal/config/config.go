// Package config provides configuration loading and validation for the
// extension manager.
//
// Configuration can be provided via:
//   - Command line flags (highest priority)
//   - Environment variables (EXTWARDEN_ prefix)
//   - Configuration file (YAML or JSON)
//
// Extensions Configuration:
//
// Installed extensions live under a single root directory, one
// subdirectory per slug. Staging directories for in-flight installs are
// created under a separate directory that must never be inside the root:
//
//	extensions:
//	  root: "/var/lib/extwarden/extensions"
//	  staging: "/var/lib/extwarden/staging"
//	  max_upload_size: "10MB"
//	  max_files: 500
//	  max_total_size: "10MB"
//
// Archive Retention:
//
// Validated upload archives are retained via gocloud.dev/blob:
//
// Local filesystem (default):
//
//	retention:
//	  url: "file:///var/lib/extwarden/archives"
//
// Amazon S3 or S3-compatible:
//
//	retention:
//	  url: "s3://bucket?endpoint=http://localhost:9000"
//
// Database Configuration:
//
// State and integrity baselines are stored in SQLite (default) or
// PostgreSQL:
//
//	database:
//	  driver: "sqlite"
//	  path: "/var/lib/extwarden/extwarden.db"
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extension manager.
type Config struct {
	// Listen is the address to listen on (e.g., ":8080").
	Listen string `json:"listen" yaml:"listen"`

	// Extensions configures the extension root and upload limits.
	Extensions ExtensionsConfig `json:"extensions" yaml:"extensions"`

	// Retention configures storage of validated upload archives.
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Database configures state and baseline persistence.
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Audit configures the audit log.
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Log configures operational logging.
	Log LogConfig `json:"log" yaml:"log"`
}

// ExtensionsConfig configures the extension root and upload limits.
type ExtensionsConfig struct {
	// Root is the directory installed extensions live in, one
	// subdirectory per slug.
	Root string `json:"root" yaml:"root"`

	// Staging is the directory staging areas are created in. Must not
	// be inside Root.
	Staging string `json:"staging" yaml:"staging"`

	// MaxUploadSize is the maximum accepted upload size (e.g. "10MB").
	MaxUploadSize string `json:"max_upload_size" yaml:"max_upload_size"`

	// MaxFiles is the maximum number of file entries in an archive.
	MaxFiles int `json:"max_files" yaml:"max_files"`

	// MaxTotalSize is the maximum declared uncompressed size of all
	// archive entries combined (e.g. "10MB").
	MaxTotalSize string `json:"max_total_size" yaml:"max_total_size"`
}

// RetentionConfig configures archive retention storage.
type RetentionConfig struct {
	// URL is the storage backend URL.
	// Supported schemes:
	//   - file:///path/to/dir - Local filesystem (default)
	//   - s3://bucket-name - Amazon S3
	//   - s3://bucket?endpoint=http://localhost:9000 - S3-compatible (MinIO)
	URL string `json:"url" yaml:"url"`
}

// DatabaseConfig configures state and baseline persistence.
type DatabaseConfig struct {
	// Driver is the database driver: "sqlite" or "postgres".
	Driver string `json:"driver" yaml:"driver"`

	// Path is the path to the SQLite database file.
	Path string `json:"path" yaml:"path"`

	// URL is the PostgreSQL connection string.
	URL string `json:"url" yaml:"url"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	// Path is the audit log file.
	Path string `json:"path" yaml:"path"`

	// RotateSize is the size at which the log rotates (e.g. "1MB").
	RotateSize string `json:"rotate_size" yaml:"rotate_size"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `json:"format" yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Extensions: ExtensionsConfig{
			Root:          "./data/extensions",
			Staging:       "./data/staging",
			MaxUploadSize: "10MB",
			MaxFiles:      500,
			MaxTotalSize:  "10MB",
		},
		Retention: RetentionConfig{
			URL: "file://./data/archives",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/extwarden.db",
		},
		Audit: AuditConfig{
			Path:       "./data/audit.log",
			RotateSize: "1MB",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a file (YAML or JSON).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		// Try YAML first, then JSON
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config (tried YAML and JSON): %w", err)
			}
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to a Config.
// Environment variables use the EXTWARDEN_ prefix:
//   - EXTWARDEN_LISTEN
//   - EXTWARDEN_EXTENSIONS_ROOT
//   - EXTWARDEN_EXTENSIONS_STAGING
//   - EXTWARDEN_RETENTION_URL
//   - EXTWARDEN_DATABASE_DRIVER
//   - EXTWARDEN_DATABASE_PATH
//   - EXTWARDEN_DATABASE_URL
//   - EXTWARDEN_AUDIT_PATH
//   - EXTWARDEN_LOG_LEVEL
//   - EXTWARDEN_LOG_FORMAT
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("EXTWARDEN_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("EXTWARDEN_EXTENSIONS_ROOT"); v != "" {
		c.Extensions.Root = v
	}
	if v := os.Getenv("EXTWARDEN_EXTENSIONS_STAGING"); v != "" {
		c.Extensions.Staging = v
	}
	if v := os.Getenv("EXTWARDEN_RETENTION_URL"); v != "" {
		c.Retention.URL = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("EXTWARDEN_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("EXTWARDEN_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("EXTWARDEN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("EXTWARDEN_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Extensions.Root == "" {
		return fmt.Errorf("extensions.root is required")
	}
	if c.Extensions.Staging == "" {
		return fmt.Errorf("extensions.staging is required")
	}

	// Staging areas must never be visible under the extensions root.
	absRoot, err := filepath.Abs(c.Extensions.Root)
	if err != nil {
		return fmt.Errorf("resolving extensions.root: %w", err)
	}
	absStaging, err := filepath.Abs(c.Extensions.Staging)
	if err != nil {
		return fmt.Errorf("resolving extensions.staging: %w", err)
	}
	if absStaging == absRoot || strings.HasPrefix(absStaging, absRoot+string(os.PathSeparator)) {
		return fmt.Errorf("extensions.staging must not be inside extensions.root")
	}

	if c.Extensions.MaxFiles <= 0 {
		return fmt.Errorf("extensions.max_files must be positive")
	}
	if _, err := ParseSize(c.Extensions.MaxUploadSize); err != nil {
		return fmt.Errorf("invalid extensions.max_upload_size: %w", err)
	}
	if _, err := ParseSize(c.Extensions.MaxTotalSize); err != nil {
		return fmt.Errorf("invalid extensions.max_total_size: %w", err)
	}

	if c.Retention.URL == "" {
		return fmt.Errorf("retention.url is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres driver")
		}
	default:
		return fmt.Errorf("invalid database.driver %q (must be sqlite or postgres)", c.Database.Driver)
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if _, err := ParseSize(c.Audit.RotateSize); err != nil {
		return fmt.Errorf("invalid audit.rotate_size: %w", err)
	}

	// Validate log level
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// OK
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", c.Log.Level)
	}

	// Validate log format
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
		// OK
	default:
		return fmt.Errorf("invalid log format %q (must be text or json)", c.Log.Format)
	}

	return nil
}

// MaxUploadBytes returns extensions.max_upload_size in bytes.
func (c *Config) MaxUploadBytes() int64 {
	n, _ := ParseSize(c.Extensions.MaxUploadSize)
	return n
}

// MaxTotalBytes returns extensions.max_total_size in bytes.
func (c *Config) MaxTotalBytes() int64 {
	n, _ := ParseSize(c.Extensions.MaxTotalSize)
	return n
}

// AuditRotateBytes returns audit.rotate_size in bytes.
func (c *Config) AuditRotateBytes() int64 {
	n, _ := ParseSize(c.Audit.RotateSize)
	return n
}

// ParseSize parses a human-readable size string (e.g., "10MB", "500KB").
// Returns the size in bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	// Check suffixes in order of length (longest first) to avoid partial matches
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"T", 1024 * 1024 * 1024 * 1024},
		{"G", 1024 * 1024 * 1024},
		{"M", 1024 * 1024},
		{"K", 1024},
		{"B", 1},
	}

	for _, s2 := range suffixes {
		if strings.HasSuffix(s, s2.suffix) {
			numStr := strings.TrimSuffix(s, s2.suffix)
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q", numStr)
			}
			return int64(num * float64(s2.mult)), nil
		}
	}

	// Try parsing as plain number (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return num, nil
}
