package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "roxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
resolvers: ["1.1.1.1:53"]
dns:
  listen: "127.0.0.1:53"
upstream:
  provider:
    endpoint: "https://example.com/list"
thp:
  listen: ["127.0.0.1:8080"]
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, 10000, c.DNS.Cache.Size)
	assert.Equal(t, "best", c.Upstream.LoadBalance)
	assert.True(t, *c.Sniffing)
	assert.Greater(t, c.Worker, 0)
}

func TestLoadRejectsMissingResolvers(t *testing.T) {
	path := writeConfig(t, `
dns:
  listen: "127.0.0.1:53"
upstream:
  provider:
    endpoint: "https://example.com/list"
thp:
  listen: ["127.0.0.1:8080"]
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidLoadBalance(t *testing.T) {
	path := writeConfig(t, `
resolvers: ["1.1.1.1:53"]
dns:
  listen: "127.0.0.1:53"
upstream:
  load_balance: "round-robin"
  provider:
    endpoint: "https://example.com/list"
thp:
  listen: ["127.0.0.1:8080"]
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingThpListen(t *testing.T) {
	path := writeConfig(t, `
resolvers: ["1.1.1.1:53"]
dns:
  listen: "127.0.0.1:53"
upstream:
  provider:
    endpoint: "https://example.com/list"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
