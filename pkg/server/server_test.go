package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mercator-hq/ipquota/internal/generator"
	"mercator-hq/ipquota/pkg/cache"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/config"
	"mercator-hq/ipquota/pkg/limits"
	"mercator-hq/ipquota/pkg/limits/storage"
	"mercator-hq/ipquota/pkg/telemetry/health"
	"mercator-hq/ipquota/pkg/telemetry/metrics"
)

const testIP = "203.0.113.5"

var errBoom = errors.New("disk I/O error")

// brokenStore fails every read and write.
type brokenStore struct {
	*storage.MemoryBackend
}

func (brokenStore) Load(context.Context, string) (*storage.UsageRecord, error) {
	return nil, errBoom
}

func (brokenStore) Increment(context.Context, string, int64, time.Duration, time.Time) (*storage.UsageRecord, bool, error) {
	return nil, false, errBoom
}

type testEnv struct {
	server *Server
	gen    *generator.Mock
	mr     *miniredis.Miniredis
}

type envOption func(*config.Config, *limits.Config, *[]limits.Option, *cache.Cache)

func withBrokenStoreAndNoCache() envOption {
	return func(_ *config.Config, _ *limits.Config, opts *[]limits.Option, c *cache.Cache) {
		*c = cache.NewNoop()
		*opts = append(*opts, limits.WithStore(brokenStore{storage.NewMemoryBackend()}))
	}
}

func withFailOpen(enabled bool) envOption {
	return func(cfg *config.Config, _ *limits.Config, _ *[]limits.Option, _ *cache.Cache) {
		cfg.Usage.FailOpen = &enabled
	}
}

func withMaxBodyBytes(n int64) envOption {
	return func(cfg *config.Config, _ *limits.Config, _ *[]limits.Option, _ *cache.Cache) {
		cfg.Server.MaxBodyBytes = n
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rc, err := cache.NewRedis(cache.Config{
		Address:          mr.Addr(),
		MaxRetries:       -1,
		OperationTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	cfg := config.Default()
	cfg.Telemetry.Metrics.Enabled = true
	usageCfg := limits.DefaultConfig()
	var usageOpts []limits.Option
	var c cache.Cache = rc
	for _, opt := range opts {
		opt(cfg, &usageCfg, &usageOpts, &c)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usageOpts = append(usageOpts, limits.WithLogger(logger))
	svc := limits.NewService(c, usageCfg, usageOpts...)
	t.Cleanup(func() { svc.Close() })

	gen := generator.NewMock("a generated reply")
	srv, err := NewServer(cfg, Deps{
		Usage:     svc,
		Resolver:  clientip.NewResolver(clientip.DefaultOptions()),
		Generator: gen,
		Collector: metrics.NewCollector(cfg.Telemetry.Metrics, nil, "test"),
		Checker:   health.New(time.Second),
		Logger:    logger,
		Version:   health.NewVersionInfo("test", "abc123", ""),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	return &testEnv{server: srv, gen: gen, mr: mr}
}

func (e *testEnv) do(method, path, body, ip string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) generate(ip string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, "/v1/generate", `{"prompt":"write a haiku"}`, ip)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Invalid error body %q: %v", w.Body.String(), err)
	}
	return resp.Error
}

// ============================================================================
// Construction
// ============================================================================

func TestNewServer_RequiresDependencies(t *testing.T) {
	cfg := config.Default()
	svc := limits.NewService(cache.NewNoop(), limits.DefaultConfig())
	defer svc.Close()
	resolver := clientip.NewResolver(clientip.DefaultOptions())
	gen := generator.NewEcho()

	tests := []struct {
		name string
		cfg  *config.Config
		deps Deps
	}{
		{"nil config", nil, Deps{Usage: svc, Resolver: resolver, Generator: gen}},
		{"missing usage", cfg, Deps{Resolver: resolver, Generator: gen}},
		{"missing resolver", cfg, Deps{Usage: svc, Generator: gen}},
		{"missing generator", cfg, Deps{Usage: svc, Resolver: resolver}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewServer(tt.cfg, tt.deps); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

// ============================================================================
// Generate
// ============================================================================

func TestGenerate_AllowsThreeUsesThenDenies(t *testing.T) {
	env := newTestEnv(t)

	for i := 1; i <= 3; i++ {
		w := env.generate(testIP)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: status = %d, body = %s", i, w.Code, w.Body.String())
		}

		var resp GenerateResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Invalid body: %v", err)
		}
		if resp.Text != "a generated reply" {
			t.Errorf("Text = %q", resp.Text)
		}
		if resp.Usage.UsageCount != int64(i) || resp.Usage.RemainingCount != int64(3-i) {
			t.Errorf("Request %d: usage = %+v", i, resp.Usage)
		}
		if got := w.Header().Get(HeaderRateLimitRemaining); got != strconv.Itoa(3-i) {
			t.Errorf("Request %d: %s = %q", i, HeaderRateLimitRemaining, got)
		}
		if got := w.Header().Get(HeaderRateLimitLimit); got != "3" {
			t.Errorf("%s = %q, want 3", HeaderRateLimitLimit, got)
		}
		if w.Header().Get(HeaderRateLimitReset) == "" {
			t.Errorf("Expected %s header", HeaderRateLimitReset)
		}
	}

	w := env.generate(testIP)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Fourth request: status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get(HeaderRetryAfter))
	if err != nil || retry < 1 || retry > int((24*time.Hour).Seconds()) {
		t.Errorf("Retry-After = %q", w.Header().Get(HeaderRetryAfter))
	}
	detail := decodeError(t, w)
	if detail.Code != CodeUsageLimitExceeded {
		t.Errorf("Code = %q, want %q", detail.Code, CodeUsageLimitExceeded)
	}
	if detail.ResetTime == nil {
		t.Error("Expected reset_time in error body")
	}

	if env.gen.Calls() != 3 {
		t.Errorf("Generator calls = %d, want 3", env.gen.Calls())
	}
}

func TestGenerate_KeysAreIndependent(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.generate(testIP)
	}
	if w := env.generate(testIP); w.Code != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want 429", w.Code)
	}
	if w := env.generate("198.51.100.7"); w.Code != http.StatusOK {
		t.Errorf("Other client: status = %d, want 200", w.Code)
	}
}

func TestGenerate_RollsBackOnProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.SetHealthy(false)

	w := env.generate(testIP)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", w.Code)
	}
	if detail := decodeError(t, w); detail.Code != CodeProviderError {
		t.Errorf("Code = %q, want %q", detail.Code, CodeProviderError)
	}
	if got := w.Header().Get(HeaderRateLimitRemaining); got != "3" {
		t.Errorf("%s = %q after rollback, want 3", HeaderRateLimitRemaining, got)
	}

	w = env.do(http.MethodGet, "/v1/usage", "", testIP)
	var usage UsageInfo
	if err := json.NewDecoder(w.Body).Decode(&usage); err != nil {
		t.Fatalf("Invalid body: %v", err)
	}
	if usage.UsageCount != 0 || !usage.CanUse {
		t.Errorf("Usage after rollback = %+v", usage)
	}
}

func TestGenerate_CacheOutageFailsOpen(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	w := env.generate(testIP)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200, body = %s", w.Code, w.Body.String())
	}

	var resp GenerateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Invalid body: %v", err)
	}
	if !resp.Usage.Degraded {
		t.Error("Expected degraded usage")
	}
}

func TestGenerate_DurableStoreFailure(t *testing.T) {
	tests := []struct {
		name       string
		failOpen   bool
		wantStatus int
		wantCalls  int
	}{
		{"fail open proceeds", true, http.StatusOK, 1},
		{"fail closed rejects", false, http.StatusServiceUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withBrokenStoreAndNoCache(), withFailOpen(tt.failOpen))

			w := env.generate(testIP)
			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if env.gen.Calls() != tt.wantCalls {
				t.Errorf("Generator calls = %d, want %d", env.gen.Calls(), tt.wantCalls)
			}
			if tt.wantStatus == http.StatusServiceUnavailable {
				if detail := decodeError(t, w); detail.Code != CodeDatabaseError {
					t.Errorf("Code = %q, want %q", detail.Code, CodeDatabaseError)
				}
			}
		})
	}
}

func TestGenerate_InvalidRequests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, CodeMethodNotAllowed},
		{"malformed JSON", http.MethodPost, `{"prompt":`, http.StatusBadRequest, CodeInvalidJSON},
		{"empty prompt", http.MethodPost, `{"prompt":"   "}`, http.StatusBadRequest, CodeInvalidRequest},
		{"body too large", http.MethodPost, `{"prompt":"` + strings.Repeat("x", 64) + `"}`, http.StatusRequestEntityTooLarge, CodeRequestTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, withMaxBodyBytes(32))

			w := env.do(tt.method, "/v1/generate", tt.body, testIP)
			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if detail := decodeError(t, w); detail.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", detail.Code, tt.wantCode)
			}
			if env.gen.Calls() != 0 {
				t.Error("Generator should not be called")
			}

			// Rejected requests consume nothing.
			w = env.do(http.MethodGet, "/v1/usage", "", testIP)
			var usage UsageInfo
			_ = json.NewDecoder(w.Body).Decode(&usage)
			if usage.UsageCount != 0 {
				t.Errorf("UsageCount = %d, want 0", usage.UsageCount)
			}
		})
	}
}

// ============================================================================
// Usage, health and metrics endpoints
// ============================================================================

func TestUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.generate(testIP)

	w := env.do(http.MethodGet, "/v1/usage", "", testIP)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}

	var usage UsageInfo
	if err := json.NewDecoder(w.Body).Decode(&usage); err != nil {
		t.Fatalf("Invalid body: %v", err)
	}
	if usage.Limit != 3 || usage.UsageCount != 1 || usage.RemainingCount != 2 || !usage.CanUse {
		t.Errorf("Usage = %+v", usage)
	}

	if w := env.do(http.MethodPost, "/v1/usage", "", testIP); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", w.Code)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.generate(testIP)

	tests := []struct {
		path     string
		wantBody string
	}{
		{"/health", `"status"`},
		{"/ready", `"status"`},
		{"/version", `"version":"test"`},
		{"/metrics", `ipquota_http_quota_decisions_total{outcome="allowed"} 1`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.path, "", "")
			if w.Code != http.StatusOK {
				t.Fatalf("Status = %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("Body does not contain %q:\n%s", tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	env := newTestEnv(t)

	w := env.generate(testIP)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestServer_StartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.server.config.Server.ListenAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for env.server.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + env.server.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d", resp.StatusCode)
	}
	if !env.server.IsRunning() {
		t.Error("Expected server to be running")
	}

	if err := env.server.Start(ctx); err == nil {
		t.Error("Expected error starting a running server")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not stop")
	}
	if env.server.IsRunning() {
		t.Error("Expected server to be stopped")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		reset time.Time
		want  int64
	}{
		{now.Add(90 * time.Second), 90},
		{now.Add(1500 * time.Millisecond), 2},
		{now, 1},
		{now.Add(-time.Minute), 1},
	}

	for _, tt := range tests {
		if got := retryAfterSeconds(tt.reset, now); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.reset.Sub(now), got, tt.want)
		}
	}
}
