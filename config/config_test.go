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
	path := filepath.Join(t.TempDir(), "cp.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.ChargePoint.Connectors)
	assert.Equal(t, "ws://localhost:8887/CP-1", cfg.EndpointURL())
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.LoopInterval)
	assert.Equal(t, time.Minute, cfg.CentralSystem.MaxReconnect)
	assert.Equal(t, 10*time.Second, cfg.CentralSystem.WriteTimeout)
	assert.False(t, cfg.Nats.Enable)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chargePoint:
  id: CP-42
  connectors: 2
centralSystem:
  url: ws://cs.example.com/ocpp/
engine:
  loopInterval: 50ms
`), 0o644))
	t.Setenv("CP_NATS_ENABLE", "true")
	t.Setenv("CP_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "CP-42", cfg.ChargePoint.ID)
	assert.Equal(t, 2, cfg.ChargePoint.Connectors)
	assert.Equal(t, "Demo", cfg.ChargePoint.Vendor)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.LoopInterval)
	assert.Equal(t, 40*time.Second, cfg.Engine.DefaultTimeout)
	assert.True(t, cfg.Nats.Enable)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "ws://cs.example.com/ocpp/CP-42", cfg.EndpointURL())
}

func TestLoadRejectsZeroConnectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chargePoint:\n  connectors: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
