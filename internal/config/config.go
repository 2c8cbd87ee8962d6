// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by LoadFromEnv.
const (
	DefaultCommitMaxRetries   = 15
	DefaultCommitRetryBackoff = 50 * time.Millisecond
	DefaultMaxRowsPerFile     = 1_000_000
	DefaultWriteParallelism   = 4
	DefaultCheckpointInterval = 10
	DefaultEngineInfo         = "delta-append"
)

// Config holds the table location, optional object-store credentials, and
// writer tuning.
type Config struct {
	TableURI string // table location (path or object-store URI)

	// S3 fields are optional; nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3URLStyle string // "path" (default) or "vhost"

	AzureAccountName string
	AzureAccountKey  string
	GCSKeyFilePath   string // service account JSON; empty uses application default credentials

	LogLevel string // log level: debug, info, warn, error (default "info")
	Env      string // environment: "development" (default) or "production"

	// Writer tuning
	CommitMaxRetries   int           // conflict retries after the first attempt (default 15)
	CommitRetryBackoff time.Duration // minimum spacing between commit attempts (default 50ms)
	MaxRowsPerFile     int           // rows per data file (default 1,000,000)
	WriteParallelism   int           // concurrent data-file uploads (default 4)
	CheckpointInterval int           // write a checkpoint every N versions; 0 disables (default 10)
	EngineInfo         string        // recorded in commitInfo.engineInfo

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// HasS3Config returns true if static S3 credentials are set.
func (c *Config) HasS3Config() bool {
	return c.S3KeyID != nil && c.S3Secret != nil
}

// HasAzureConfig returns true if an Azure account key is set. The account
// name may come from AZURE_ACCOUNT_NAME or from the table location.
func (c *Config) HasAzureConfig() bool {
	return c.AzureAccountKey != ""
}

// Validate checks the settings an append needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TableURI) == "" {
		return fmt.Errorf("TABLE_URI must be set")
	}
	if c.CommitMaxRetries < 0 {
		return fmt.Errorf("COMMIT_MAX_RETRIES must not be negative")
	}
	if c.MaxRowsPerFile <= 0 {
		return fmt.Errorf("MAX_ROWS_PER_FILE must be positive")
	}
	if c.WriteParallelism <= 0 {
		return fmt.Errorf("WRITE_PARALLELISM must be positive")
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("CHECKPOINT_INTERVAL must not be negative")
	}
	if c.S3URLStyle != "path" && c.S3URLStyle != "vhost" {
		return fmt.Errorf("URL_STYLE must be 'path' or 'vhost', got %q", c.S3URLStyle)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Storage credentials are optional; the table location is checked by Validate.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		TableURI:         os.Getenv("TABLE_URI"),
		S3URLStyle:       strings.ToLower(os.Getenv("URL_STYLE")),
		AzureAccountName: os.Getenv("AZURE_ACCOUNT_NAME"),
		AzureAccountKey:  os.Getenv("AZURE_ACCOUNT_KEY"),
		GCSKeyFilePath:   os.Getenv("GCS_KEY_FILE_PATH"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Env:              os.Getenv("ENV"),
		EngineInfo:       os.Getenv("ENGINE_INFO"),
	}

	// S3 fields are optional, only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		cfg.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		cfg.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		cfg.S3Region = &v
	}

	var err error
	if cfg.CommitMaxRetries, err = parseIntEnv("COMMIT_MAX_RETRIES", DefaultCommitMaxRetries); err != nil {
		return nil, err
	}
	if cfg.MaxRowsPerFile, err = parseIntEnv("MAX_ROWS_PER_FILE", DefaultMaxRowsPerFile); err != nil {
		return nil, err
	}
	if cfg.WriteParallelism, err = parseIntEnv("WRITE_PARALLELISM", DefaultWriteParallelism); err != nil {
		return nil, err
	}
	if cfg.CheckpointInterval, err = parseIntEnv("CHECKPOINT_INTERVAL", DefaultCheckpointInterval); err != nil {
		return nil, err
	}
	cfg.CommitRetryBackoff = DefaultCommitRetryBackoff
	if v := os.Getenv("COMMIT_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("COMMIT_RETRY_BACKOFF: %w", err)
		}
		cfg.CommitRetryBackoff = d
	}

	// Defaults
	if cfg.S3URLStyle == "" {
		cfg.S3URLStyle = "path"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EngineInfo == "" {
		cfg.EngineInfo = DefaultEngineInfo
	}
	if (cfg.S3KeyID == nil) != (cfg.S3Secret == nil) {
		cfg.Warnings = append(cfg.Warnings, "only one of KEY_ID and SECRET is set, S3 credentials are ignored")
	}
	if cfg.AzureAccountName != "" && cfg.AzureAccountKey == "" {
		cfg.Warnings = append(cfg.Warnings, "AZURE_ACCOUNT_NAME is set without AZURE_ACCOUNT_KEY, Azure locations will fail")
	}

	return cfg, nil
}

func parseIntEnv(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
