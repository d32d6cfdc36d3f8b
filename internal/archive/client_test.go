package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"candleflow/config"
	"candleflow/internal/models"
	"candleflow/logger"
)

func testArchiveConfig(baseURL string) config.ArchiveConfig {
	return config.ArchiveConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			BurstSize:         10,
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func testDate(t *testing.T) time.Time {
	t.Helper()
	d, err := models.ParseDate("2024-01-02")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	return d
}

func TestFetchSuccess(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	c := NewClient(testArchiveConfig(srv.URL), logger.Logger())
	body, err := c.Fetch(context.Background(), models.DataTypeUM, "BTCUSDT", models.Timeframe1h, testDate(t))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "zip-bytes" {
		t.Errorf("unexpected body %q", body)
	}

	want := "/data/futures/um/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-01-02.zip"
	if gotPath != want {
		t.Errorf("requested path %q, want %q", gotPath, want)
	}
}

func TestFetchNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(testArchiveConfig(srv.URL), logger.Logger())
	_, err := c.Fetch(context.Background(), models.DataTypeUM, "BTCUSDT", models.Timeframe1h, testDate(t))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("missing file must not be retried, got %d calls", n)
	}
}

func TestFetchForbiddenIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(testArchiveConfig(srv.URL), logger.Logger())
	_, err := c.Fetch(context.Background(), models.DataTypeCM, "BTCUSD_PERP", models.Timeframe1d, testDate(t))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testArchiveConfig(srv.URL), logger.Logger())
	body, err := c.Fetch(context.Background(), models.DataTypeUM, "ETHUSDT", models.Timeframe5m, testDate(t))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body %q", body)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetchExhaustsAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testArchiveConfig(srv.URL), logger.Logger())
	_, err := c.Fetch(context.Background(), models.DataTypeUM, "ETHUSDT", models.Timeframe5m, testDate(t))
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetchSharesRateLimitAcrossCallers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testArchiveConfig(srv.URL)
	cfg.RateLimit.RequestsPerSecond = 100
	cfg.RateLimit.BurstSize = 1

	c := NewClient(cfg, logger.Logger())

	const requests = 6
	date := testDate(t)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Fetch(context.Background(), models.DataTypeUM, "BTCUSDT", models.Timeframe1h, date); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()

	// Burst 1 at 100 rps admits one request per 10ms, so the sixth cannot
	// start before 50ms.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("%d requests finished in %v, limiter not shared", requests, elapsed)
	}
}

func TestFetchContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testArchiveConfig(srv.URL)
	cfg.Retry.BaseDelay = time.Minute
	cfg.Retry.MaxDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient(cfg, logger.Logger())
	_, err := c.Fetch(ctx, models.DataTypeUM, "BTCUSDT", models.Timeframe1m, testDate(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStatusErrorTransience(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		got := isTransient(&statusError{code: tc.code})
		if got != tc.want {
			t.Errorf("status %d: transient=%v, want %v", tc.code, got, tc.want)
		}
	}
}
