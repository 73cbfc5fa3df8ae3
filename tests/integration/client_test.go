package integration

import (
	"context"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/flipbook-mirror/internal/testutil"
	"github.com/Sternrassler/flipbook-mirror/pkg/cache"
	"github.com/Sternrassler/flipbook-mirror/pkg/client"
	"github.com/Sternrassler/flipbook-mirror/pkg/manifest"
	"github.com/Sternrassler/flipbook-mirror/pkg/mirror"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const docID = "ousy/stby"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

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
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newClient(t *testing.T, mock *testutil.MockFlipbook, rdb *redis.Client) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Redis = rdb
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

// TestFullMirrorFlow runs config → manifest → pages → PDF with the config cached in Redis.
func TestFullMirrorFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	refs := []string{"./files/large/p1.webp", "./files/large/p2.webp", "./files/large/p3.webp"}
	mock.SetConfig(docID, refs)
	mock.SetPage(docID, "p1", "jpg", testutil.JPEGBytes(60, 80))
	mock.SetPage(docID, "p2", "webp", testutil.PNGBytes(60, 80))
	mock.SetPage(docID, "p3", "jpg", testutil.JPEGBytes(60, 80))

	cfg := mirror.DefaultConfig()
	cfg.Client.BaseURL = mock.URL()
	cfg.Client.Redis = redisClient
	m, err := mirror.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	opts := mirror.Options{
		DocumentID:   docID,
		Folder:       filepath.Join(dir, "ousy-stby"),
		OutputPath:   filepath.Join(dir, "ousy-stby.pdf"),
		SkipExisting: true,
	}

	report, err := m.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Download.Saved != 3 {
		t.Errorf("saved = %d, want 3", report.Download.Saved)
	}

	count, err := api.PageCountFile(report.OutputPath)
	if err != nil {
		t.Fatalf("PageCountFile() error = %v", err)
	}
	if count != 3 {
		t.Errorf("pdf pages = %d, want 3", count)
	}

	// Second run: config from cache, pages skipped, no host traffic at all.
	mock.Reset()
	report, err = m.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Download.Skipped != 3 {
		t.Errorf("skipped = %d, want 3", report.Download.Skipped)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("host requests on resume = %d, want 0", mock.RequestCount())
	}
}

// TestConfigCacheHit checks a fresh cached config is served without a request.
func TestConfigCacheHit(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockFlipbook()
	defer mock.Close()
	mock.SetConfig(docID, []string{"a", "b"})

	c := newClient(t, mock, redisClient)
	resolver := manifest.NewResolver(c)
	ctx := context.Background()

	m1, err := resolver.Resolve(ctx, docID)
	if err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	m2, err := resolver.Resolve(ctx, docID)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if m1.Len() != 2 || m2.Len() != 2 {
		t.Errorf("manifest lengths = %d, %d; want 2, 2", m1.Len(), m2.Len())
	}
	if mock.RequestCount() != 1 {
		t.Errorf("host requests = %d, want 1", mock.RequestCount())
	}
}

// TestNotModified checks a 304 reply returns the cached config.
func TestNotModified(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	etag := `"config-v1"`
	body := testutil.ConfigJS([]string{"x1", "x2", "x3"})
	mock.SetHandler(testutil.ConfigPath(docID), testutil.NewConditionalHandler(etag, body))

	c := newClient(t, mock, redisClient)
	ctx := context.Background()

	first, err := c.FetchConfig(ctx, docID)
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	second, err := c.FetchConfig(ctx, docID)
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}

	if string(first) != body || string(second) != body {
		t.Error("both fetches must return the full config")
	}
	if mock.ConditionalCount() != 1 {
		t.Errorf("Conditional requests = %d, want 1", mock.ConditionalCount())
	}
}

// TestConfigCacheExpiration checks expired entries without validators are refetched.
func TestConfigCacheExpiration(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	mock.SetHandler(testutil.ConfigPath(docID), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Expires", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(testutil.ConfigJS([]string{"a"})))
	})

	c := newClient(t, mock, redisClient)
	ctx := context.Background()

	if _, err := c.FetchConfig(ctx, docID); err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	mgr := cache.NewManager(redisClient)
	if _, err := mgr.Get(ctx, cache.ConfigKey(docID)); err != nil {
		t.Fatalf("Cache lookup failed: %v", err)
	}

	time.Sleep(3500 * time.Millisecond)

	if _, err := mgr.Get(ctx, cache.ConfigKey(docID)); err != cache.ErrCacheMiss {
		t.Errorf("Expected cache miss after expiration, got: %v", err)
	}

	if _, err := c.FetchConfig(ctx, docID); err != nil {
		t.Fatalf("Third request failed: %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("host requests = %d, want 2", mock.RequestCount())
	}
}

// TestRetry5xxPage checks page requests are retried on server errors when enabled.
func TestRetry5xxPage(t *testing.T) {
	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	var calls atomic.Int32
	jpeg := testutil.JPEGBytes(10, 10)
	mock.SetHandler(testutil.PagePath(docID, "p1", "jpg"), func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(jpeg)
	})

	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.PageRetry = client.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	body, err := c.FetchPageImage(context.Background(), docID, "p1", "jpg")
	if err != nil {
		t.Fatalf("FetchPageImage() error = %v", err)
	}
	if len(body) != len(jpeg) {
		t.Errorf("body length = %d, want %d", len(body), len(jpeg))
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}
}

// TestNoRetry4xxPage checks client errors are never retried.
func TestNoRetry4xxPage(t *testing.T) {
	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.PageRetry.MaxAttempts = 3
	cfg.PageRetry.InitialBackoff = 10 * time.Millisecond
	c, err := client.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.FetchPageImage(context.Background(), docID, "missing", "jpg")
	if !client.IsNotFound(err) {
		t.Fatalf("error = %v, want 404", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.RequestCount())
	}
}

// TestThrottlePause checks a 429 with Retry-After delays the next request.
func TestThrottlePause(t *testing.T) {
	mock := testutil.NewMockFlipbook()
	defer mock.Close()

	mock.SetResponse(testutil.PagePath(docID, "busy", "jpg"), testutil.MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Headers:    map[string]string{"Retry-After": "1"},
	})
	mock.SetPage(docID, "ok", "jpg", testutil.JPEGBytes(4, 4))

	c := newClient(t, mock, nil)
	ctx := context.Background()

	if _, err := c.FetchPageImage(ctx, docID, "busy", "jpg"); err == nil {
		t.Fatal("expected throttled error")
	}
	if !c.ThrottleState().IsPaused() {
		t.Fatal("client should be paused after 429")
	}

	start := time.Now()
	if _, err := c.FetchPageImage(ctx, docID, "ok", "jpg"); err != nil {
		t.Fatalf("FetchPageImage() error = %v", err)
	}
	if waited := time.Since(start); waited < 500*time.Millisecond {
		t.Errorf("request after 429 waited %v, want about 1s", waited)
	}
}
