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
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
kafka_brokers: ["k1:9092", "k2:9092"]
reservation_ttl: 10m
max_active_per_owner: 3
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_ACTIVE_PER_OWNER", "7")
	t.Setenv("LOCK_TTL", "5s")
	t.Setenv("LOCK_POOL_SIZE", "4")
	t.Setenv("KAFKA_BROKERS", "a:1, b:2,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, 7, cfg.MaxActivePerOwner)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, 4, cfg.LockPoolSize)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, "stock-api", cfg.ServiceName)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LOCK_TTL", "forever")
	t.Setenv("REAPER_BATCH", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL")
	assert.Contains(t, err.Error(), "REAPER_BATCH")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
