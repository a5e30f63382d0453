package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	CallLog       CallLogConfig       `toml:"call_log"`      // Telephony provider settings
	Transcription TranscriptionConfig `toml:"transcription"` // Transcription provider and rate limit settings
	Retry         RetryConfig         `toml:"retry"`         // Retry and backoff settings
	Scheduler     SchedulerConfig     `toml:"scheduler"`     // Run budget and concurrency settings
	Storage       StorageConfig       `toml:"storage"`       // Data persistence settings
	Export        ExportConfig        `toml:"export"`        // Output format settings
	Server        ServerConfig        `toml:"server"`        // Status HTTP server settings
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// CallLogConfig contains telephony provider configuration. Credentials
// (client ID, client secret, JWT assertion) come from the environment, not
// this file.
type CallLogConfig struct {
	BaseURL            string `toml:"base_url"`             // Provider REST base URL
	TimeoutSeconds     int    `toml:"timeout_seconds"`      // HTTP timeout for provider calls
	PageSize           int    `toml:"page_size"`            // Records per call-log page (max 1000)
	MetadataIntervalMs int    `toml:"metadata_interval_ms"` // Minimum gap between call-log/metadata requests
	MediaIntervalMs    int    `toml:"media_interval_ms"`    // Minimum gap between recording downloads (stricter)
}

// TranscriptionConfig contains transcription provider settings and the
// per-credential rate limits the run must stay inside.
type TranscriptionConfig struct {
	Provider           string  `toml:"provider"`             // "whisper" or "gemini"
	Model              string  `toml:"model"`                // Provider model name (empty = provider default)
	BaseURL            string  `toml:"base_url"`             // Override API base URL (OpenAI-compatible gateways)
	TimeoutSeconds     int     `toml:"timeout_seconds"`      // Per-request timeout
	Language           string  `toml:"language"`             // Language hint passed to the provider (empty = autodetect)
	RequestsPerMinute  int     `toml:"requests_per_minute"`  // Per-credential sliding window limit
	HourlyAudioSeconds float64 `toml:"hourly_audio_seconds"` // Per-credential audio seconds per rolling hour
	SafetyFactor       float64 `toml:"safety_factor"`        // Fraction of the hourly ceiling actually spent (0-1)
	CooldownSeconds    int     `toml:"cooldown_seconds"`     // Quota-exceeded cooldown per credential
	ErrorBanThreshold  int     `toml:"error_ban_threshold"`  // Consecutive errors before a credential is benched
	MinDurationSeconds int     `toml:"min_duration_seconds"` // Calls shorter than this are skipped
	MaxFileMB          int     `toml:"max_file_mb"`          // Recordings larger than this are failed without upload
}

// RetryConfig contains retry and backoff settings
type RetryConfig struct {
	MaxAttempts       int `toml:"max_attempts"`        // Attempts per stage before the job fails
	BaseDelaySeconds  int `toml:"base_delay_seconds"`  // First transient backoff delay
	MaxDelaySeconds   int `toml:"max_delay_seconds"`   // Backoff cap
	QuotaDelaySeconds int `toml:"quota_delay_seconds"` // Fixed delay after a quota rejection
}

// SchedulerConfig contains run budget and concurrency settings
type SchedulerConfig struct {
	WorkerCap         int    `toml:"worker_cap"`          // Upper bound on transcription workers
	BudgetMinutes     int    `toml:"budget_minutes"`      // Wall-clock budget for the whole run
	GraceDrainSeconds int    `toml:"grace_drain_seconds"` // Drain window after the budget expires
	AudioDir          string `toml:"audio_dir"`           // Where downloaded recordings are kept
	Timezone          string `toml:"timezone"`            // IANA zone for the target day, e.g. "America/Chicago" (default: system local)
}

// Location resolves the configured timezone. The target date and its
// midnight-to-midnight fetch window are interpreted in this zone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type     string `toml:"type"`      // Storage backend type (currently only "sqlite" is supported)
	BasePath string `toml:"base_path"` // Path to the SQLite database file
}

// ExportConfig contains output settings
type ExportConfig struct {
	OutputDir        string   `toml:"output_dir"`        // Directory for exports and the run summary
	Formats          []string `toml:"formats"`           // Any of "csv", "json", "xlsx"
	WriteTranscripts bool     `toml:"write_transcripts"` // Also write one .txt per recording
}

// ServerConfig contains the status HTTP server configuration
type ServerConfig struct {
	Enabled          bool   `toml:"enabled"`               // Serve status endpoints during the run
	Host             string `toml:"host"`                  // Host address to bind to
	Port             int    `toml:"port"`                  // HTTP port
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.CallLog.TimeoutSeconds <= 0 {
		c.CallLog.TimeoutSeconds = 60
	}
	if c.CallLog.PageSize <= 0 {
		c.CallLog.PageSize = 1000
	}
	if c.CallLog.MetadataIntervalMs <= 0 {
		c.CallLog.MetadataIntervalMs = 1000
	}
	if c.CallLog.MediaIntervalMs <= 0 {
		c.CallLog.MediaIntervalMs = 5000
	}
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "whisper"
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		c.Transcription.TimeoutSeconds = 300
	}
	if c.Transcription.RequestsPerMinute <= 0 {
		c.Transcription.RequestsPerMinute = 300
	}
	if c.Transcription.HourlyAudioSeconds <= 0 {
		c.Transcription.HourlyAudioSeconds = 7200
	}
	if c.Transcription.SafetyFactor <= 0 || c.Transcription.SafetyFactor > 1 {
		c.Transcription.SafetyFactor = 0.9
	}
	if c.Transcription.CooldownSeconds <= 0 {
		c.Transcription.CooldownSeconds = 300
	}
	if c.Transcription.ErrorBanThreshold <= 0 {
		c.Transcription.ErrorBanThreshold = 5
	}
	if c.Transcription.MinDurationSeconds <= 0 {
		c.Transcription.MinDurationSeconds = 20
	}
	if c.Transcription.MaxFileMB <= 0 {
		c.Transcription.MaxFileMB = 25
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		c.Retry.BaseDelaySeconds = 2
	}
	if c.Retry.MaxDelaySeconds <= 0 {
		c.Retry.MaxDelaySeconds = 90
	}
	if c.Retry.QuotaDelaySeconds <= 0 {
		c.Retry.QuotaDelaySeconds = 15
	}
	if c.Scheduler.WorkerCap <= 0 {
		c.Scheduler.WorkerCap = 8
	}
	if c.Scheduler.BudgetMinutes <= 0 {
		c.Scheduler.BudgetMinutes = 330
	}
	if c.Scheduler.GraceDrainSeconds <= 0 {
		c.Scheduler.GraceDrainSeconds = 120
	}
	if c.Scheduler.AudioDir == "" {
		c.Scheduler.AudioDir = "recordings"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Local"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "callscribe.db"
	}
	if c.Export.OutputDir == "" {
		c.Export.OutputDir = "output"
	}
	if len(c.Export.Formats) == 0 {
		c.Export.Formats = []string{"csv", "json"}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = 30
	}
	if c.Server.WriteTimeoutSecs <= 0 {
		c.Server.WriteTimeoutSecs = 30
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = 60
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CallLog.BaseURL == "" {
		return fmt.Errorf("call_log base_url is required")
	}

	switch c.Transcription.Provider {
	case "whisper", "gemini":
	default:
		return fmt.Errorf("unknown transcription provider %q (expected \"whisper\" or \"gemini\")", c.Transcription.Provider)
	}

	if c.CallLog.PageSize > 1000 {
		return fmt.Errorf("call_log page_size must not exceed 1000: %d", c.CallLog.PageSize)
	}

	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type %q (only \"sqlite\" is supported)", c.Storage.Type)
	}

	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}

	for _, format := range c.Export.Formats {
		switch format {
		case "csv", "json", "xlsx":
		default:
			return fmt.Errorf("unknown export format %q (expected csv, json or xlsx)", format)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}

	return nil
}
