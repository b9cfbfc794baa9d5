// Package fetcher downloads pages over HTTP with bounded, linear-backoff retries.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/site-crawler/internal/config"
	"github.com/user/site-crawler/internal/monitoring"
	"github.com/user/site-crawler/pkg/utils"
)

const (
	maxRedirects = 10

	// drainLimit bounds how much of an error body is read to keep the
	// connection reusable.
	drainLimit = 64 << 10
)

// ProxySelector hands out the proxy and user agent for each attempt.
type ProxySelector interface {
	Next() *url.URL
	UserAgent() string
}

// Fetcher issues GET requests and retries retryable failures.
type Fetcher struct {
	proxies      ProxySelector
	metrics      *monitoring.Metrics
	logger       *zap.Logger
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	maxBodyBytes int64

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL, "" for direct

	sleep func(ctx context.Context, d time.Duration) error
}

func NewFetcher(cfg *config.Config, proxies ProxySelector, m *monitoring.Metrics, l *zap.Logger) *Fetcher {
	return &Fetcher{
		proxies:      proxies,
		metrics:      m,
		logger:       l,
		timeout:      cfg.Timeout(),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay(),
		maxBodyBytes: cfg.MaxBodyBytes,
		clients:      make(map[string]*http.Client),
		sleep:        utils.Sleep,
	}
}

// Fetch returns the decoded body of rawURL. Referer is sent when non-empty.
//
// 403 and other 4xx responses (except 429) fail immediately with a
// *StatusError. 429, 5xx, refused connections and timeouts are retried up to
// MaxRetries times, waiting RetryDelay*(attempt+1) before each retry, and then
// fail with a *RetryError. Any other error is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, referer string) (string, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		body, err := f.do(ctx, rawURL, referer, attempt)
		if err == nil {
			f.metrics.ObserveFetchAttempt(monitoring.OutcomeSuccess, time.Since(start))
			return body, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		}

		retryable := IsRetryable(err)
		f.metrics.ObserveFetchAttempt(outcome(err, retryable), time.Since(start))

		if !retryable {
			if IsBlocked(err) {
				f.logger.Warn("Access forbidden, crawler may be blocked", zap.String("url", rawURL))
			}
			return "", err
		}
		if attempt >= f.maxRetries {
			return "", &RetryError{URL: rawURL, Attempts: attempt + 1, Err: err}
		}

		delay := f.retryDelay * time.Duration(attempt+1)
		f.logger.Warn("Request failed, retrying",
			zap.String("url", rawURL),
			zap.Int("retry", attempt+1),
			zap.Int("max_retries", f.maxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		f.metrics.IncFetchRetries()
		if err := f.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}
}

func outcome(err error, retryable bool) string {
	switch {
	case IsBlocked(err):
		return monitoring.OutcomeBlocked
	case retryable:
		return monitoring.OutcomeRetryable
	default:
		return monitoring.OutcomeTerminal
	}
}

// do performs a single attempt with a freshly selected proxy.
func (f *Fetcher) do(ctx context.Context, rawURL, referer string, attempt int) (string, error) {
	proxyURL := f.proxies.Next()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.proxies.UserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	f.logger.Debug("Fetching URL",
		zap.String("url", rawURL),
		zap.Bool("proxy", proxyURL != nil),
		zap.Int("retry", attempt),
	)

	resp, err := f.client(proxyURL).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	f.logger.Debug("Response received", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		return "", &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := readBody(resp, f.maxBodyBytes)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// client returns the cached client for proxyURL, building it on first use.
func (f *Fetcher) client(proxyURL *url.URL) *http.Client {
	key := ""
	if proxyURL != nil {
		key = proxyURL.String()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &http.Client{
		Timeout:   f.timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
	f.clients[key] = c
	return c
}

// CloseIdleConnections releases idle connections of every cached client.
func (f *Fetcher) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}
