package main

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
temp_dir: %s
cache_interval: 0s
default_scope: local
scopes:
  local:
    root: %s
`, filepath.Join(dir, "tmp"), filepath.Join(dir, "blos"))
	path := filepath.Join(dir, "fastpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(context.Background(), &out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sha512Hex(data string) string {
	sum := sha512.Sum512([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestInsertAndAudit(t *testing.T) {
	cfg := writeConfig(t)
	src := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out, err := run(t, "--config", cfg, "insert", "--catpkg", "app-misc/hello", src)
	require.NoError(t, err)
	assert.Equal(t, sha512Hex("hello")+"  "+src+"\n", out)

	out, err = run(t, "--config", cfg, "audit", "--deep")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path == "/missing" {
			nethttp.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("distfile"))
	}))
	t.Cleanup(srv.Close)
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "fetch", srv.URL+"/a.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, sha512Hex("distfile")+"  "+srv.URL+"/a.tar.gz\n", out)

	out, err = run(t, "--config", cfg, "fetch", srv.URL+"/b.tar.gz", srv.URL+"/missing")
	require.Error(t, err)
	var cmdErr *commandError
	assert.True(t, errors.As(err, &cmdErr))
	assert.Contains(t, out, "FAILED  "+srv.URL+"/missing")

	_, err = run(t, "--config", cfg, "fetch", "--sha512", sha512Hex("other"), srv.URL+"/c.tar.gz")
	require.Error(t, err)
}

func TestFetchRejectsDigestsForManyURLs(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "fetch", "--sha512", sha512Hex("x"), "https://a.example/x", "https://b.example/x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "exactly one URL"))
}

func TestUnknownScope(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, "--config", cfg, "audit", "--scope", "nope")
	require.Error(t, err)
}
