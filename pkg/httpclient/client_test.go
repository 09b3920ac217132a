package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	return cfg
}

func TestClient_Get(t *testing.T) {
	t.Run("sets default headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, DefaultUserAgentHeader, r.Header.Get(HeaderUserAgent))
			assert.Equal(t, DefaultAcceptEncodingHeader, r.Header.Get(HeaderAcceptEncoding))
			w.Write([]byte(`{"status":"ok"}`))
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, `{"status":"ok"}`, string(body))
	})

	t.Run("4xx is returned without retry", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := New(fastConfig())
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
		assert.Equal(t, CircuitClosed, client.CircuitState())
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("success"))
		}))
		defer server.Close()

		var observed []int
		cfg := fastConfig()
		cfg.Name = "test"
		cfg.OnAttempt = func(name string, status int, err error) {
			assert.Equal(t, "test", name)
			observed = append(observed, status)
		}
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
		assert.Equal(t, []int{503, 503, 200}, observed)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 2
		cfg.CircuitThreshold = 10
		_, err := New(cfg).Get(context.Background(), server.URL)
		require.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("replays request body", func(t *testing.T) {
		var bodies []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			bodies = append(bodies, string(b))
			if len(bodies) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, bytes.NewReader([]byte(`{"a":1}`)))
		require.NoError(t, err)
		resp, err := New(fastConfig()).Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, []string{`{"a":1}`, `{"a":1}`}, bodies)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryDelay = time.Second
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := New(cfg).Get(ctx, server.URL)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

func TestClient_CircuitBreaker(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Hour
	client := New(cfg)

	for range 2 {
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, CircuitOpen, client.CircuitState())

	_, err := client.Get(context.Background(), server.URL)
	require.ErrorIs(t, err, ErrMaxRetries)
	assert.Contains(t, err.Error(), ErrCircuitOpen.Error())
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	client.ResetCircuit()
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestClient_Decompression(t *testing.T) {
	payload := strings.Repeat("converted output ", 64)

	t.Run("gzip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gz := gzip.NewWriter(w)
			gz.Write([]byte(payload))
			gz.Close()
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("brotli", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			bw := brotli.NewWriter(w)
			bw.Write([]byte(payload))
			bw.Close()
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("size limit applies after decompression", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gz := gzip.NewWriter(w)
			gz.Write([]byte(payload))
			gz.Close()
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.MaxResponseSize = 100
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, err = io.ReadAll(resp.Body)
		assert.ErrorIs(t, err, ErrResponseTooLarge)
	})
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, 1)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(time.Minute)
	assert.True(t, cb.Allow(), "probe allowed after timeout")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe in half-open")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Minute)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestRedactURL(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://user:pw@example.com/dl/file?token=secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/dl/file", redactURL(req))
}

func TestClient_RetryAfter(t *testing.T) {
	c := New(Config{RetryMaxDelay: time.Minute})

	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"absent", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"capped", "3600", time.Minute},
		{"garbage", "soon", 0},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set(HeaderRetryAfter, tt.header)
			}
			assert.Equal(t, tt.want, c.retryAfter(resp))
		})
	}
}

func TestClient_Backoff(t *testing.T) {
	c := New(Config{RetryDelay: 100 * time.Millisecond, RetryMaxDelay: time.Second, BackoffMultiplier: 3})
	assert.Equal(t, 100*time.Millisecond, c.backoff(1))
	assert.Equal(t, 300*time.Millisecond, c.backoff(2))
	assert.Equal(t, 900*time.Millisecond, c.backoff(3))
	assert.Equal(t, time.Second, c.backoff(4))
}

func TestClient_HonoursRetryAfter(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set(HeaderRetryAfter, "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.RetryMaxDelay = 200 * time.Millisecond
	start := time.Now()
	resp, err := New(cfg).Get(context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "Retry-After capped at the max delay replaces the 5ms backoff")
}
