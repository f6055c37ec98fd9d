//go:build integration

package integration

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/fastpull"
	"github.com/meigma/fastpull/config"
)

// --- Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error

	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

func skipWithoutDocker(tb testing.TB) {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
}

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// getRedis returns the shared Redis URL, starting the container if needed.
func getRedis(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	redisOnce.Do(func() {
		redisURL, redisErr = startRedisContainer(context.Background())
	})
	if redisErr != nil {
		tb.Fatalf("start redis container: %v", redisErr)
	}
	return redisURL
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}
	return endpoint(ctx, container, "5000/tcp")
}

// startRedisContainer starts a redis container and returns its redis:// URL.
func startRedisContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start redis container: %w", err)
	}
	addr, err := endpoint(ctx, container, "6379/tcp")
	if err != nil {
		return "", err
	}
	return "redis://" + addr + "/0", nil
}

// endpoint returns the host:port mapped to port. Container cleanup is
// handled by the testcontainers Reaper.
func endpoint(ctx context.Context, container testcontainers.Container, port string) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", fmt.Errorf("resolve container port: %w", err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Test Client Factory ---

// testConfig returns a configuration with one disk scope under a temp dir.
func testConfig(tb testing.TB) *config.Config {
	tb.Helper()
	dir := tb.TempDir()
	cfg := config.Default()
	cfg.TempDir = filepath.Join(dir, "tmp")
	cfg.CacheInterval = 0
	cfg.Scopes = map[string]config.ScopeConfig{
		"local": {Root: filepath.Join(dir, "blos"), Backend: config.BackendDisk},
	}
	return cfg
}

// newTestClient creates a client and closes it when the test ends.
func newTestClient(tb testing.TB, cfg *config.Config, opts ...fastpull.Option) *fastpull.Client {
	tb.Helper()
	c, err := fastpull.New(context.Background(), cfg, opts...)
	require.NoError(tb, err, "create test client")
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

// --- Test Data Helpers ---

// serveFiles serves files by path from an httptest server.
func serveFiles(tb testing.TB, files map[string][]byte) *httptest.Server {
	tb.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	tb.Cleanup(srv.Close)
	return srv
}

func sha512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// testRepository generates a unique repository for a test to avoid collisions.
func testRepository(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, testName)
}
