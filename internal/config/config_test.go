package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 10*time.Second, c.Solver.Timeout)
	d, err := c.DayStart()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour+30*time.Minute, d)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ridernav.yaml")
	body := []byte(`
port: "9090"
localTz: UTC
solver:
  dispatchBinary: /opt/solver/dispatch
  timeout: 3s
depot:
  lat: 12.5
  lng: 77.25
kafka:
  brokers: [k1:9092]
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("KAFKA_BROKERS", "a:1, b:2")
	t.Setenv("RATE_BURST", "3")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", c.Port)
	assert.Equal(t, "/opt/solver/dispatch", c.Solver.DispatchBinary)
	assert.Equal(t, 3*time.Second, c.Solver.Timeout)
	assert.Equal(t, 12.5, c.Depot.Lat)
	assert.Equal(t, []string{"a:1", "b:2"}, c.Kafka.Brokers)
	assert.Equal(t, 3, c.Rate.Burst)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SOLVER_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}
