package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)

	require.Equal(t, ":7650", cfg.ListenAddress)
	require.Equal(t, ":9650", cfg.MetricsAddress)
	require.Equal(t, "./overnet-data", cfg.DataDir)
	require.Equal(t, 64, cfg.MaxConnections)
	require.Equal(t, 1000, cfg.SettlingDelayMs)
	require.Empty(t, cfg.Bootnodes)
}

func TestLoadExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
ListenAddress = ":8000"
ExternalAddress = "203.0.113.7:8000"
DataDir = "/var/lib/overnet"
Bootnodes = ["203.0.113.9:7650"]
MaxConnections = 16
SettlingDelayMs = 250
AuthTimeoutSecs = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8000", cfg.ListenAddress)
	require.Equal(t, "203.0.113.7:8000", cfg.ExternalAddress)
	require.Equal(t, []string{"203.0.113.9:7650"}, cfg.Bootnodes)
	require.Equal(t, 250*time.Millisecond, cfg.SettlingDelay())
	require.Equal(t, 5*time.Second, cfg.AuthTimeout())
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ExternalAddress = "203.0.113.7:7650"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7650", cfg.ListenAddress)
	require.Equal(t, 64, cfg.MaxConnections)
	require.Equal(t, time.Second, cfg.SettlingDelay())
	require.Equal(t, 30*time.Second, cfg.AuthTimeout())
}

func TestValidate(t *testing.T) {
	base := Config{
		ExternalAddress: "203.0.113.7:7650",
		MaxConnections:  64,
		SettlingDelayMs: 1000,
	}
	require.NoError(t, base.Validate())

	missingExternal := base
	missingExternal.ExternalAddress = "  "
	require.Error(t, missingExternal.Validate())

	badConns := base
	badConns.MaxConnections = 0
	require.Error(t, badConns.Validate())

	badDelay := base
	badDelay.SettlingDelayMs = -1
	require.Error(t, badDelay.Validate())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ListenAddress = ":8000"`), 0o644))

	_, err := Load(path)
	require.Error(t, err) // no ExternalAddress
}
