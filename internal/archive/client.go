package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"candleflow/config"
	"candleflow/internal/models"
	"candleflow/logger"
)

// ErrNotFound reports that the archive has no file for the requested window.
// Days before a symbol's listing and days not yet published both surface as
// this error.
var ErrNotFound = errors.New("archive: file not found")

// Client downloads daily kline zip archives. All requests pass through a
// shared rate limiter so concurrent workers cannot exceed the configured
// request budget, and transient failures are retried with backoff.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
	log        *logger.Log
}

// NewClient builds an archive client from configuration. The limiter is owned
// by the client and shared across every goroutine that calls Fetch.
func NewClient(cfg config.ArchiveConfig, log *logger.Log) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		retry:   NewRetryPolicy(cfg.Retry),
		log:     log,
	}
}

// windowURL renders the archive path for one daily window, for example
// /data/futures/um/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-01-02.zip.
func (c *Client) windowURL(dataType, symbol string, tf models.Timeframe, date time.Time) string {
	name := fmt.Sprintf("%s-%s-%s.zip", symbol, tf, models.FormatDate(date))
	return fmt.Sprintf("%s/data/futures/%s/daily/klines/%s/%s/%s",
		c.baseURL, dataType, symbol, tf, name)
}

// Fetch downloads the zip archive for one symbol, timeframe and day. It
// returns ErrNotFound when the archive has no such file and retries transient
// failures up to the configured attempt budget.
func (c *Client) Fetch(ctx context.Context, dataType, symbol string, tf models.Timeframe, date time.Time) ([]byte, error) {
	url := c.windowURL(dataType, symbol, tf, date)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			logger.IncrementArchiveFetch()
			return body, nil
		}
		if errors.Is(err, ErrNotFound) || !isTransient(err) {
			return nil, err
		}
		lastErr = err

		delay, ok := c.retry.NextDelay(attempt)
		if !ok {
			return nil, fmt.Errorf("archive fetch failed after %d attempts: %w", attempt, lastErr)
		}

		c.log.WithComponent("archive_client").WithFields(logger.Fields{
			"url":     url,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("retrying archive fetch")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	// The archive answers missing files with 404 and sometimes 403
	// depending on the CDN edge. Both mean the window does not exist.
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode, url: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading archive body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("archive returned empty body for %s", url)
	}
	return body, nil
}

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("archive returned status %d for %s", e.code, e.url)
}

// isTransient reports whether an error is worth retrying: server-side
// statuses, rate limiting responses, timeouts and connection resets.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError || se.code == http.StatusTooManyRequests
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}
