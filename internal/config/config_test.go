package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
}

func TestLoadOverridesDefaults(t *testing.T) {
	conf, err := Load(writeConfig(t, `
dataDir: /var/lib/sync
logLevel: debug
encryption:
  passphraseEnv: SYNC_PASS
server:
  listen: 0.0.0.0:8080
  metrics: true
replication:
  batchSize: 50
  requestTimeout: 2s
  headers:
    X-Tenant: blue
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sync", conf.DataDir)
	assert.Equal(t, "SYNC_PASS", conf.Encryption.PassphraseEnv)
	assert.True(t, conf.Server.Metrics)
	assert.Equal(t, 50, conf.Replication.BatchSize)
	assert.Equal(t, 2*time.Second, conf.Replication.RequestTimeout)
	assert.Equal(t, 4, conf.Replication.MaxInFlight, "untouched values keep their default")
	assert.Equal(t, "blue", conf.Replication.Headers["X-Tenant"])
}

func TestLoadRejects(t *testing.T) {
	for name, content := range map[string]string{
		"unknown field": "colour: red\n",
		"bad level":     "logLevel: loud\n",
		"zero batch":    "replication:\n  batchSize: 0\n",
		"bad listen":    "server:\n  listen: nowhere\n",
		"two keys":      "encryption:\n  keyFile: k\n  passphraseEnv: P\n",
	} {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}
