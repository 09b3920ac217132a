package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/metrics"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/version"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

// NewHTTPClient returns the resilient client used for provider calls.
func NewHTTPClient(provider string, timeout time.Duration, logger *slog.Logger) *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.Name = provider
	cfg.OnAttempt = metrics.ObserveHTTPAttempt
	cfg.Timeout = defaultHTTPTimeout
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if logger != nil {
		cfg.Logger = logger
	}
	return httpclient.New(cfg)
}

// apiCall is one JSON request against a provider API.
type apiCall struct {
	provider  string
	operation string
	method    string
	url       string
	headers   map[string]string
	body      any
}

// errorDecoder extracts a provider message from a non-2xx body.
type errorDecoder func(body []byte) string

// doJSON sends call and decodes a 2xx JSON response into target. Non-2xx
// responses become RemoteProviderError carrying the provider's own message.
func doJSON(ctx context.Context, client *httpclient.Client, call apiCall, decodeErr errorDecoder, target any) (err error) {
	defer func() {
		metrics.RemoteRequests.WithLabelValues(call.provider, call.operation, metrics.Outcome(err)).Inc()
	}()

	var body io.Reader
	if call.body != nil {
		payload, err := json.Marshal(call.body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", call.operation, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(httpclient.HeaderUserAgent, version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.RemoteProviderError{Provider: call.provider, Message: fmt.Sprintf("%s request failed: %v", call.operation, err), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyReadSize))
		msg := ""
		if decodeErr != nil {
			msg = decodeErr(raw)
		}
		if msg == "" {
			msg = fmt.Sprintf("%s failed: %s", call.operation, bytes.TrimSpace(raw))
		}
		return &models.RemoteProviderError{Provider: call.provider, StatusCode: resp.StatusCode, Message: msg}
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &models.RemoteProviderError{Provider: call.provider, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding %s response: %v", call.operation, err)}
	}
	return nil
}

// download streams a result file URL into dst. Every failure is a
// *models.RemoteProviderError; only transport failures are transient.
func download(ctx context.Context, client *httpclient.Client, provider string, file File, dst io.Writer) (n int64, err error) {
	defer func() {
		metrics.RemoteRequests.WithLabelValues(provider, "download", metrics.Outcome(err)).Inc()
	}()

	if file.URL == "" {
		return 0, &models.RemoteProviderError{Provider: provider, Message: fmt.Sprintf("result %q has no download URL", file.Name)}
	}
	resp, err := client.Get(ctx, file.URL)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &models.RemoteProviderError{Provider: provider, Message: fmt.Sprintf("downloading result %q: %v", file.Name, err), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &models.RemoteProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: fmt.Sprintf("downloading result %q failed", file.Name)}
	}
	n, err = io.Copy(dst, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &models.RemoteProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: fmt.Sprintf("reading result %q: %v", file.Name, err), Transient: true}
	}
	return n, nil
}
