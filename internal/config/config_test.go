package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STATE_CONFIG_FILE", "")
	t.Setenv("LEASE_DURATION", "")
	t.Setenv("MAX_RETRIES", "")
	t.Setenv("BATCH_SIZE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 60*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.PollMaxInterval)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverSQLite)
	t.Setenv("BATCH_SIZE", "5")
	t.Setenv("MAX_RETRIES", "not-a-number")
	t.Setenv("PROVIDER_OFFER_FIRST", "true")
	t.Setenv("STATE_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.True(t, cfg.ProviderOffer)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	_, err := Load()
	assert.Error(t, err)
}

func TestStateConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
leaseDuration: 90s
negotiation:
  maxRetries:
    REQUESTED: 2
transfer:
  maxRetries:
    DEPROVISIONING: 10
`), 0o600))
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STATE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 2, cfg.States.Negotiation.MaxRetries["REQUESTED"])

	parse := func(name string) (int, bool) {
		if name == "DEPROVISIONING" {
			return 800, true
		}
		return 0, false
	}
	resolved, err := cfg.States.Transfer.ResolveMaxRetries(parse)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{800: 10}, resolved)

	_, err = cfg.States.Negotiation.ResolveMaxRetries(parse)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"HttpData", "AmazonS3"}, splitList(" HttpData, ,AmazonS3 "))
}
