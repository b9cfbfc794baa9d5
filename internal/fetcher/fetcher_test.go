package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/site-crawler/internal/config"
	"github.com/user/site-crawler/internal/monitoring"
)

type fakeProxies struct {
	calls int
	proxy *url.URL
}

func (p *fakeProxies) Next() *url.URL {
	p.calls++
	return p.proxy
}

func (p *fakeProxies) UserAgent() string { return "test-agent" }

type harness struct {
	fetcher *Fetcher
	proxies *fakeProxies
	metrics *monitoring.Metrics
	delays  []time.Duration
}

func newHarness(t *testing.T, mutate func(c *config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		MaxRetries:   3,
		RetryDelayMS: 100,
		TimeoutMS:    5000,
		MaxBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{proxies: &fakeProxies{}, metrics: monitoring.NewMetrics()}
	h.fetcher = NewFetcher(cfg, h.proxies, h.metrics, zap.NewNop())
	h.fetcher.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	return h
}

// statusServer answers every request with the next status in codes, repeating the last one.
func statusServer(t *testing.T, hits *int32, codes ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(hits, 1)) - 1
		if n >= len(codes) {
			n = len(codes) - 1
		}
		w.WriteHeader(codes[n])
		_, _ = io.WriteString(w, "<html><body>ok</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSuccess(t *testing.T) {
	var assert = require.New(t)
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, "<html>hello</html>")
	}))
	defer srv.Close()
	h := newHarness(t, nil)

	body, err := h.fetcher.Fetch(context.Background(), srv.URL+"/page", "https://example.com/prev")

	assert.NoError(err)
	assert.Equal("<html>hello</html>", body)
	assert.Equal("test-agent", got.Get("User-Agent"))
	assert.Equal("https://example.com/prev", got.Get("Referer"))
	assert.Equal("gzip, deflate, br", got.Get("Accept-Encoding"))
	assert.NotEmpty(got.Get("Accept"))
	assert.NotEmpty(got.Get("Accept-Language"))
	assert.Equal(1, h.proxies.calls)
	assert.Equal(1.0, testutil.ToFloat64(h.metrics.FetchAttempts.WithLabelValues(monitoring.OutcomeSuccess)))
}

func TestFetchWithoutReferer(t *testing.T) {
	var assert = require.New(t)
	var referer []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer = r.Header.Values("Referer")
	}))
	defer srv.Close()
	h := newHarness(t, nil)

	_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

	assert.NoError(err)
	assert.Empty(referer)
}

func TestFetchStatusPolicy(t *testing.T) {
	t.Run("403 is attempted once", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusForbidden)
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		var statusErr *StatusError
		assert.ErrorAs(err, &statusErr)
		assert.True(statusErr.Blocked())
		assert.True(IsBlocked(err))
		assert.Equal(int32(1), hits)
		assert.Empty(h.delays)
		assert.Equal(1.0, testutil.ToFloat64(h.metrics.FetchAttempts.WithLabelValues(monitoring.OutcomeBlocked)))
	})

	t.Run("404 is terminal", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusNotFound)
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		assert.Equal(http.StatusNotFound, StatusCode(err))
		assert.False(IsBlocked(err))
		assert.Equal(int32(1), hits)
	})

	t.Run("500 retries with linear backoff", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusInternalServerError)
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		var retryErr *RetryError
		assert.ErrorAs(err, &retryErr)
		assert.Equal(4, retryErr.Attempts)
		assert.Equal(http.StatusInternalServerError, StatusCode(err))
		assert.Equal(int32(4), hits)
		assert.Equal([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, h.delays)
		assert.Equal(4, h.proxies.calls, "a proxy is drawn per attempt")
		assert.Equal(4.0, testutil.ToFloat64(h.metrics.FetchAttempts.WithLabelValues(monitoring.OutcomeRetryable)))
		assert.Equal(3.0, testutil.ToFloat64(h.metrics.FetchRetries))
	})

	t.Run("429 then success", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusTooManyRequests, http.StatusOK)
		h := newHarness(t, nil)

		body, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		assert.NoError(err)
		assert.Contains(body, "ok")
		assert.Equal(int32(2), hits)
		assert.Equal([]time.Duration{100 * time.Millisecond}, h.delays)
	})

	t.Run("no retries configured", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusBadGateway)
		h := newHarness(t, func(c *config.Config) { c.MaxRetries = 0 })

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		var retryErr *RetryError
		assert.ErrorAs(err, &retryErr)
		assert.Equal(1, retryErr.Attempts)
		assert.Equal(int32(1), hits)
	})
}

func TestFetchTransportErrors(t *testing.T) {
	t.Run("connection refused is retried", func(t *testing.T) {
		var assert = require.New(t)
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()
		h := newHarness(t, func(c *config.Config) { c.MaxRetries = 2 })

		_, err := h.fetcher.Fetch(context.Background(), addr, "")

		var retryErr *RetryError
		assert.ErrorAs(err, &retryErr)
		assert.Equal(3, retryErr.Attempts)
		assert.True(errors.Is(err, syscall.ECONNREFUSED))
		assert.Len(h.delays, 2)
	})

	t.Run("timeout is retried", func(t *testing.T) {
		var assert = require.New(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		h := newHarness(t, func(c *config.Config) {
			c.MaxRetries = 1
			c.TimeoutMS = 50
		})

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		var retryErr *RetryError
		assert.ErrorAs(err, &retryErr)
		assert.Equal(2, retryErr.Attempts)
	})

	t.Run("malformed url is terminal", func(t *testing.T) {
		var assert = require.New(t)
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), "http://[::1", "")

		assert.Error(err)
		assert.False(IsRetryable(err))
		assert.Empty(h.delays)
	})

	t.Run("cancelled context stops", func(t *testing.T) {
		var assert = require.New(t)
		var hits int32
		srv := statusServer(t, &hits, http.StatusServiceUnavailable)
		h := newHarness(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		h.fetcher.sleep = func(context.Context, time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := h.fetcher.Fetch(ctx, srv.URL, "")

		assert.ErrorIs(err, context.Canceled)
		assert.Equal(int32(1), hits)
	})
}

func TestFetchReusesConnectionAfterErrorStatus(t *testing.T) {
	var assert = require.New(t)
	var hits, conns int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, strings.Repeat("busy ", 1024))
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	srv.Start()
	defer srv.Close()
	h := newHarness(t, nil)

	_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

	assert.Error(err)
	assert.Equal(int32(4), atomic.LoadInt32(&hits))
	assert.Equal(int32(1), atomic.LoadInt32(&conns))
}

func TestFetchRedirects(t *testing.T) {
	t.Run("followed", func(t *testing.T) {
		var assert = require.New(t)
		mux := http.NewServeMux()
		mux.Handle("/old", http.RedirectHandler("/new", http.StatusMovedPermanently))
		mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "moved")
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		h := newHarness(t, nil)

		body, err := h.fetcher.Fetch(context.Background(), srv.URL+"/old", "")

		assert.NoError(err)
		assert.Equal("moved", body)
	})

	// chain redirects /r0 -> /r1 -> ... -> /r<hops> and serves a body at the end.
	chain := func(t *testing.T, hops int) *httptest.Server {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r"))
			if err != nil {
				http.NotFound(w, r)
				return
			}
			if n < hops {
				http.Redirect(w, r, "/r"+strconv.Itoa(n+1), http.StatusFound)
				return
			}
			_, _ = io.WriteString(w, "end of chain")
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("ten hops are followed", func(t *testing.T) {
		var assert = require.New(t)
		srv := chain(t, 10)
		h := newHarness(t, nil)

		body, err := h.fetcher.Fetch(context.Background(), srv.URL+"/r0", "")

		assert.NoError(err)
		assert.Equal("end of chain", body)
	})

	t.Run("eleventh hop fails", func(t *testing.T) {
		var assert = require.New(t)
		srv := chain(t, 11)
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), srv.URL+"/r0", "")

		assert.ErrorIs(err, ErrTooManyRedirects)
		assert.Empty(h.delays)
	})

	t.Run("loop stops after ten hops", func(t *testing.T) {
		var assert = require.New(t)
		srv := httptest.NewServer(http.RedirectHandler("/loop", http.StatusFound))
		defer srv.Close()
		h := newHarness(t, nil)

		_, err := h.fetcher.Fetch(context.Background(), srv.URL+"/loop", "")

		assert.ErrorIs(err, ErrTooManyRedirects)
		assert.Empty(h.delays)
	})
}

func TestFetchDecoding(t *testing.T) {
	const page = "<html><body>compressed page</body></html>"

	encode := func(t *testing.T, encoding string) []byte {
		t.Helper()
		var buf bytes.Buffer
		var w io.WriteCloser
		switch encoding {
		case "gzip":
			w = gzip.NewWriter(&buf)
		case "br":
			w = brotli.NewWriter(&buf)
		case "deflate":
			w = zlib.NewWriter(&buf)
		case "raw-deflate":
			fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
			require.NoError(t, err)
			w = fw
		}
		_, err := io.WriteString(w, page)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		return buf.Bytes()
	}

	for _, encoding := range []string{"gzip", "br", "deflate", "raw-deflate"} {
		t.Run(encoding, func(t *testing.T) {
			var assert = require.New(t)
			payload := encode(t, encoding)
			header := encoding
			if encoding == "raw-deflate" {
				header = "deflate"
			}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", header)
				_, _ = w.Write(payload)
			}))
			defer srv.Close()
			h := newHarness(t, nil)

			body, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

			assert.NoError(err)
			assert.Equal(page, body)
		})
	}

	t.Run("body limit", func(t *testing.T) {
		var assert = require.New(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
		}))
		defer srv.Close()
		h := newHarness(t, func(c *config.Config) { c.MaxBodyBytes = 32 })

		_, err := h.fetcher.Fetch(context.Background(), srv.URL, "")

		assert.ErrorContains(err, "exceeds limit")
		assert.Empty(h.delays)
	})
}

func TestFetchThroughProxy(t *testing.T) {
	var assert = require.New(t)
	var proxied int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&proxied, 1)
		_, _ = io.WriteString(w, "via proxy "+r.URL.Host)
	}))
	defer proxySrv.Close()
	h := newHarness(t, nil)
	h.proxies.proxy, _ = url.Parse(proxySrv.URL)

	body, err := h.fetcher.Fetch(context.Background(), "http://target.test/page", "")

	assert.NoError(err)
	assert.Equal("via proxy target.test", body)
	assert.Equal(int32(1), proxied)
}
