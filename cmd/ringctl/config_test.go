package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	var (
		writeConfig = func(t *testing.T, body string) string {
			var path = filepath.Join(t.TempDir(), "ringctl.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			return path
		}
	)

	t.Run("should fall back to defaults when file is missing", func(t *testing.T) {
		// Act
		var cfg, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, defaultConfig(), cfg)
	})

	t.Run("should override defaults from file", func(t *testing.T) {
		// Arrange
		var path = writeConfig(t, `
nodes:
  - localhost:27019
  - localhost:27020
backend: postgres
postgres:
  table: demo
ring:
  vnodes: 4
migration:
  retry_backoff: 10ms
health:
  interval: 2s
logger:
  level: debug
  json: true
`)

		// Act
		var cfg, err = loadConfig(path)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"localhost:27019", "localhost:27020"}, cfg.Nodes)
		assert.Equal(t, backendPostgres, cfg.Backend)
		assert.Equal(t, "demo", cfg.Postgres.Table)
		assert.Equal(t, defaultConfig().Postgres.URL, cfg.Postgres.URL, "unset keys keep their default")
		assert.Equal(t, 4, cfg.Ring.VNodes)
		assert.Equal(t, 100, cfg.Migration.BatchSize)
		assert.True(t, cfg.Logger.JSON)

		var backoff, _ = cfg.retryBackoff()
		var interval, _ = cfg.healthInterval()
		assert.Equal(t, 10*time.Millisecond, backoff)
		assert.Equal(t, 2*time.Second, interval)
	})

	t.Run("should reject unknown backend", func(t *testing.T) {
		// Arrange
		var path = writeConfig(t, "backend: mongo\n")

		// Act
		var _, err = loadConfig(path)

		// Assert
		assert.ErrorContains(t, err, "unknown backend")
	})

	t.Run("should reject malformed node id", func(t *testing.T) {
		// Arrange
		var path = writeConfig(t, "nodes: [no-port]\n")

		// Act
		var _, err = loadConfig(path)

		// Assert
		assert.Error(t, err)
	})

	t.Run("should reject malformed duration", func(t *testing.T) {
		// Arrange
		var path = writeConfig(t, "health:\n  interval: soon\n")

		// Act
		var _, err = loadConfig(path)

		// Assert
		assert.ErrorContains(t, err, "health.interval")
	})
}
