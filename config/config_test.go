package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches into a fresh folder so no stray .env file is picked up.
func chdir(t *testing.T) string {
	dir := t.TempDir()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	return dir
}

func TestDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15, cfg.Entities.Shards)
	assert.Equal(t, 15*time.Second, cfg.Entities.IdleTimeout)
	assert.Equal(t, 1, cfg.Driver.IDMin)
	assert.Equal(t, 100, cfg.Driver.IDMax)
	assert.Equal(t, 2*time.Second, cfg.Driver.QueryInterval)
	assert.Equal(t, 121, cfg.Monitor.StatsCount)
	assert.Equal(t, 5*time.Second, cfg.Monitor.SingletonInterval)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, log.LvlInfo, lvl)
}

func TestLayering(t *testing.T) {
	dir := chdir(t)

	yml := `
node:
  name: yaml-node
  datadir: /tmp/<name>/data
entities:
  shards: 30
  idle_timeout: 1m
driver:
  id_min: 5
  id_max: 50
  command_rate: 20
log:
  level: debug
`
	path := filepath.Join(dir, "shardview.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SHARDVIEW_DRIVER_ID_MAX=70\nSHARDVIEW_HTTP_ADDR=:9000\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("SHARDVIEW_DRIVER_ID_MAX")
		os.Unsetenv("SHARDVIEW_HTTP_ADDR")
	})

	t.Setenv("SHARDVIEW_NODE_NAME", "env-node")
	t.Setenv("SHARDVIEW_DRIVER_COMMAND_RATE", "40")
	t.Setenv("SHARDVIEW_MONITOR_STATS_INTERVAL", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	// Environment beats the file, the file beats the defaults
	assert.Equal(t, "env-node", cfg.Node.Name)
	assert.Equal(t, "/tmp/env-node/data", cfg.Datadir())
	assert.Equal(t, 30, cfg.Entities.Shards)
	assert.Equal(t, time.Minute, cfg.Entities.IdleTimeout)
	assert.Equal(t, 5, cfg.Driver.IDMin)
	assert.Equal(t, 70, cfg.Driver.IDMax)
	assert.Equal(t, 40, cfg.Driver.CommandRate)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.StatsInterval)
	assert.Equal(t, 256, cfg.Entities.Mailbox)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, log.LvlDebug, lvl)

	// The .env file only fills variables missing from the environment
	t.Setenv("SHARDVIEW_HTTP_ADDR", ":9100")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
}

func TestLoadErrors(t *testing.T) {
	dir := chdir(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities: [\n"), 0600))
	_, err = Load(path)
	assert.Error(t, err)

	t.Setenv("SHARDVIEW_ENTITIES_SHARDS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero shards", func(c *Config) { c.Entities.Shards = 0 }},
		{"negative shards", func(c *Config) { c.Entities.Shards = -1 }},
		{"empty id range", func(c *Config) { c.Driver.IDMin, c.Driver.IDMax = 10, 9 }},
		{"zero rate", func(c *Config) { c.Driver.CommandRate = 0 }},
		{"zero query interval", func(c *Config) { c.Driver.QueryInterval = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	cfg := Default()
	cfg.Driver.IDMin, cfg.Driver.IDMax = 7, 7
	assert.NoError(t, cfg.Validate())
}
