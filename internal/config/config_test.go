package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	os.Clearenv()
	os.Setenv("CALSYNC_VAULT_DIR", "/vault")
	os.Setenv("CALSYNC_VAULT_NAME", "Notes")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "primary", cfg.CalendarID)
	assert.Equal(t, 8586, cfg.RedirectPort)
	assert.Equal(t, "fs", cfg.StorageType)
	assert.Equal(t, 50, cfg.MaxBatchPerHTTP)
	assert.Equal(t, 25, cfg.InitialBatchSize)
	assert.Equal(t, 2, cfg.MaxInFlight)
	assert.True(t, cfg.AutoSync)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_MissingVaultDir(t *testing.T) {
	os.Clearenv()
	os.Setenv("CALSYNC_VAULT_NAME", "Notes")

	_, err := Load()
	assert.ErrorContains(t, err, "CALSYNC_VAULT_DIR")
}

func TestLoad_UnknownStorageType(t *testing.T) {
	setRequired(t)
	os.Setenv("CALSYNC_STORAGE_TYPE", "redis")

	_, err := Load()
	assert.ErrorContains(t, err, "unknown CALSYNC_STORAGE_TYPE")
}

func TestLoad_GCSRequiresBucket(t *testing.T) {
	setRequired(t)
	os.Setenv("CALSYNC_STORAGE_TYPE", "gcs")

	_, err := Load()
	assert.ErrorContains(t, err, "CALSYNC_GCS_BUCKET")
}

func TestLoad_BatchBoundsValidated(t *testing.T) {
	setRequired(t)
	os.Setenv("CALSYNC_INITIAL_BATCH_SIZE", "100")

	_, err := Load()
	assert.ErrorContains(t, err, "CALSYNC_INITIAL_BATCH_SIZE")
}

func TestExecutorConfig_MapsTuning(t *testing.T) {
	setRequired(t)
	os.Setenv("CALSYNC_MAX_IN_FLIGHT", "4")
	os.Setenv("CALSYNC_LATENCY_SLA", "2s")

	cfg, err := Load()
	require.NoError(t, err)

	ec := cfg.ExecutorConfig()
	assert.Equal(t, 4, ec.MaxInFlight)
	assert.Equal(t, "2s", ec.LatencySLA.String())
	assert.NotEmpty(t, ec.Endpoint)
}

func TestMapperConfig_MapsToggles(t *testing.T) {
	setRequired(t)
	os.Setenv("CALSYNC_DESC_TAGS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	mc := cfg.MapperConfig()
	assert.Equal(t, "Notes", mc.VaultName)
	assert.True(t, mc.IncludePriority)
	assert.False(t, mc.IncludeTags)
	assert.Equal(t, 60, mc.DefaultDurationMinutes)
}
