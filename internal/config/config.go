package config

import (
	"fmt"
	"time"

	"github.com/rezkam/calsync/internal/batch"
	"github.com/rezkam/calsync/internal/env"
	"github.com/rezkam/calsync/internal/gcal"
	"github.com/rezkam/calsync/internal/oauth"
)

// Config holds the application configuration.
type Config struct {
	// OAuth client configuration. The client secret is optional for
	// installed-app clients using PKCE.
	ClientID           string `env:"CALSYNC_CLIENT_ID"`
	ClientSecret       string `env:"CALSYNC_CLIENT_SECRET"`
	RedirectPort       int    `env:"CALSYNC_REDIRECT_PORT" default:"8586"`
	Passphrase         string `env:"CALSYNC_PASSPHRASE"`
	RememberPassphrase bool   `env:"CALSYNC_REMEMBER_PASSPHRASE" default:"false"`

	// Vault configuration.
	VaultDir  string `env:"CALSYNC_VAULT_DIR"`
	VaultName string `env:"CALSYNC_VAULT_NAME"`

	// Calendar configuration.
	CalendarID             string `env:"CALSYNC_CALENDAR_ID" default:"primary"`
	DefaultDurationMinutes int    `env:"CALSYNC_DEFAULT_DURATION_MINUTES" default:"60"`

	// Event description toggles.
	DescriptionPriority   bool `env:"CALSYNC_DESC_PRIORITY" default:"true"`
	DescriptionTags       bool `env:"CALSYNC_DESC_TAGS" default:"true"`
	DescriptionCreated    bool `env:"CALSYNC_DESC_CREATED" default:"false"`
	DescriptionScheduled  bool `env:"CALSYNC_DESC_SCHEDULED" default:"false"`
	DescriptionCompletion bool `env:"CALSYNC_DESC_COMPLETION" default:"false"`
	CompareDescription    bool `env:"CALSYNC_COMPARE_DESCRIPTION" default:"false"`

	// Sync cadence.
	SyncInterval time.Duration `env:"CALSYNC_SYNC_INTERVAL" default:"5m"`
	AutoSync     bool          `env:"CALSYNC_AUTO_SYNC" default:"true"`

	// Batch executor tuning.
	MaxBatchPerHTTP      int           `env:"CALSYNC_MAX_BATCH_PER_HTTP" default:"50"`
	InitialBatchSize     int           `env:"CALSYNC_INITIAL_BATCH_SIZE" default:"25"`
	MinBatchSize         int           `env:"CALSYNC_MIN_BATCH_SIZE" default:"5"`
	MaxInFlight          int           `env:"CALSYNC_MAX_IN_FLIGHT" default:"2"`
	InterBatchDelay      time.Duration `env:"CALSYNC_INTER_BATCH_DELAY" default:"200ms"`
	RateErrorCooldown    time.Duration `env:"CALSYNC_RATE_ERROR_COOLDOWN" default:"5s"`
	LatencySLA           time.Duration `env:"CALSYNC_LATENCY_SLA" default:"6s"`
	MaxAttempts          int           `env:"CALSYNC_MAX_ATTEMPTS" default:"4"`
	RetryInitialInterval time.Duration `env:"CALSYNC_RETRY_INITIAL_INTERVAL" default:"500ms"`

	// Storage configuration.
	StorageType string `env:"CALSYNC_STORAGE_TYPE" default:"fs"` // fs, sqlite, gcs
	FSPath      string `env:"CALSYNC_FS_PATH" default:"./calsync-data/calsync-state.json"`
	SQLitePath  string `env:"CALSYNC_SQLITE_PATH" default:"./calsync-data/calsync.db"`
	GCSBucket   string `env:"CALSYNC_GCS_BUCKET"`

	// Observability configuration.
	OTelEnabled   bool   `env:"CALSYNC_OTEL_ENABLED" default:"false"`
	OTelCollector string `env:"CALSYNC_OTEL_COLLECTOR" default:"localhost:4318"`
}

// Load parses environment variables into a Config struct.
// It enforces the CALSYNC_ prefix and validates dependent fields.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.VaultDir == "" {
		return fmt.Errorf("CALSYNC_VAULT_DIR is required")
	}
	if c.VaultName == "" {
		return fmt.Errorf("CALSYNC_VAULT_NAME is required")
	}

	switch c.StorageType {
	case "fs":
		if c.FSPath == "" {
			return fmt.Errorf("CALSYNC_FS_PATH is required when CALSYNC_STORAGE_TYPE is 'fs'")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("CALSYNC_SQLITE_PATH is required when CALSYNC_STORAGE_TYPE is 'sqlite'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("CALSYNC_GCS_BUCKET is required when CALSYNC_STORAGE_TYPE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown CALSYNC_STORAGE_TYPE: %s", c.StorageType)
	}

	if c.MinBatchSize < 1 || c.MaxBatchPerHTTP < c.MinBatchSize {
		return fmt.Errorf("batch size bounds are inconsistent: min=%d max=%d", c.MinBatchSize, c.MaxBatchPerHTTP)
	}
	if c.InitialBatchSize < c.MinBatchSize || c.InitialBatchSize > c.MaxBatchPerHTTP {
		return fmt.Errorf("CALSYNC_INITIAL_BATCH_SIZE %d is outside [%d, %d]", c.InitialBatchSize, c.MinBatchSize, c.MaxBatchPerHTTP)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("CALSYNC_MAX_IN_FLIGHT must be at least 1")
	}
	return nil
}

// ExecutorConfig maps tuning fields onto the batch executor's config.
func (c *Config) ExecutorConfig() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxBatchPerHTTP = c.MaxBatchPerHTTP
	cfg.InitialBatchSize = c.InitialBatchSize
	cfg.MinBatchSize = c.MinBatchSize
	cfg.MaxInFlight = c.MaxInFlight
	cfg.InterBatchDelay = c.InterBatchDelay
	cfg.RateErrorCooldown = c.RateErrorCooldown
	cfg.LatencySLA = c.LatencySLA
	cfg.MaxAttempts = c.MaxAttempts
	cfg.RetryInitialInterval = c.RetryInitialInterval
	return cfg
}

// MapperConfig maps payload composition fields.
func (c *Config) MapperConfig() gcal.MapperConfig {
	return gcal.MapperConfig{
		VaultName:              c.VaultName,
		DefaultDurationMinutes: c.DefaultDurationMinutes,
		IncludePriority:        c.DescriptionPriority,
		IncludeTags:            c.DescriptionTags,
		IncludeCreated:         c.DescriptionCreated,
		IncludeScheduled:       c.DescriptionScheduled,
		IncludeCompletion:      c.DescriptionCompletion,
	}
}

// DiffConfig maps comparison toggles.
func (c *Config) DiffConfig() gcal.DiffConfig {
	return gcal.DiffConfig{CompareDescription: c.CompareDescription}
}

// OAuthConfig maps the OAuth client fields.
func (c *Config) OAuthConfig() oauth.Config {
	return oauth.Config{
		ClientID:           c.ClientID,
		ClientSecret:       c.ClientSecret,
		RememberPassphrase: c.RememberPassphrase,
	}
}
