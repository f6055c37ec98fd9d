package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fastpull/hashes"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.CacheInterval)
	assert.Equal(t, 200, cfg.Concurrency.Global)
	assert.Equal(t, 8, cfg.Concurrency.PerHost)
	assert.Contains(t, cfg.Scopes, cfg.DefaultScope)
}

func TestParse(t *testing.T) {
	t.Setenv("FASTPULL_TEST_ROOT", "/srv/distfiles")

	cfg, err := Parse([]byte(`
listen: ":9000"
cache_interval: 5m
timeout: 30s
retries: 2
concurrency:
  per_host: 4
  host_rate: 2.5
hashes: [sha512, blake3]
default_scope: prod
scopes:
  prod:
    root: ${FASTPULL_TEST_ROOT}/blos
    backend: sqlite
    index: ${FASTPULL_TEST_INDEX:-/srv/index.db}
  dev:
    root: /tmp/dev
mirror:
  repository: localhost:5000/distfiles
  plain_http: true
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 5*time.Minute, cfg.CacheInterval)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.Retries)
	assert.Equal(t, 200, cfg.Concurrency.Global, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Concurrency.PerHost)
	assert.InDelta(t, 2.5, cfg.Concurrency.HostRate, 0.0001)

	require.Len(t, cfg.Scopes, 2, "file scopes replace the default scope")
	assert.Equal(t, "/srv/distfiles/blos", cfg.Scopes["prod"].Root)
	assert.Equal(t, "/srv/index.db", cfg.Scopes["prod"].Index)
	assert.Equal(t, BackendSQLite, cfg.Scopes["prod"].Backend)
	assert.Equal(t, BackendDisk, cfg.Scopes["dev"].Backend)

	algs, err := cfg.Algorithms()
	require.NoError(t, err)
	assert.Equal(t, []hashes.Algorithm{hashes.SHA512, hashes.BLAKE3}, algs)

	assert.True(t, cfg.Mirror.PlainHTTP)
}

func TestParseKeepsDefaultScope(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("listen: \":1\"\n"))
	require.NoError(t, err)
	assert.Contains(t, cfg.Scopes, "local")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown default scope", "default_scope: nope\n", "default_scope"},
		{"bad backend", "scopes:\n  local:\n    root: /x\n    backend: etcd\n", "backend"},
		{"sqlite without index", "scopes:\n  local:\n    root: /x\n    backend: sqlite\n", "index is required"},
		{"redis without dsn", "scopes:\n  local:\n    root: /x\n    backend: redis\n", "dsn is required"},
		{"missing root", "scopes:\n  local:\n    backend: disk\n", "root is required"},
		{"bad hash", "hashes: [md5]\n", "hashes"},
		{"bad concurrency", "concurrency:\n  global: 0\n", "concurrency.global"},
		{"negative retries", "retries: -1\n", "retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":7070\"\n"), 0o600))

	t.Setenv(EnvVar, path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)

	t.Setenv(EnvVar, "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("listen: [unterminated\n"))
	require.Error(t, err)
}
