// Package httpadapter is the shared unary HTTP path for REST synthesis
// providers. Transport and status failures come back as
// *speech.SynthesisError so the fan-out can isolate them per language.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tiger/live-translation-relay/api/speech"
)

const defaultMaxResponseBytes = 16 << 20

type Config struct {
	ProviderID       string
	Endpoint         string
	APIKey           string
	APIKeyHeader     string
	QueryAPIKeyParam string
	StaticHeaders    map[string]string
	Timeout          time.Duration
	MaxResponseBytes int
}

// Client posts JSON requests to one provider endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("endpoint is required for %s", cfg.ProviderID)
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("endpoint for %s: %w", cfg.ProviderID, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResponseBytes < 1 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	return &Client{cfg: cfg, http: &http.Client{}}, nil
}

func (c *Client) ProviderID() string {
	return c.cfg.ProviderID
}

// PostJSON sends body to the endpoint, optionally extended by path, and
// returns the response payload of a 2xx reply.
func (c *Client) PostJSON(ctx context.Context, language string, path string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_request_encode_error", Err: err}
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/")
	if path != "" {
		endpoint += "/" + strings.TrimLeft(path, "/")
	}
	if c.cfg.APIKey != "" && c.cfg.QueryAPIKeyParam != "" {
		endpoint, err = WithQuery(endpoint, c.cfg.QueryAPIKeyParam, c.cfg.APIKey)
		if err != nil {
			return nil, &speech.SynthesisError{Language: language, Reason: "provider_config", Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_config", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" && c.cfg.APIKeyHeader != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	for k, v := range c.cfg.StaticHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NormalizeNetworkError(language, err)
	}
	defer resp.Body.Close()

	payload, truncated, err := ReadBodySample(resp.Body, c.cfg.MaxResponseBytes)
	if err != nil {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_response_read_error", Retryable: true, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NormalizeStatus(language, resp.StatusCode, resp.Header.Get("Retry-After"), payload)
	}
	if truncated {
		return nil, &speech.SynthesisError{Language: language, Reason: "provider_response_too_large"}
	}
	return payload, nil
}

// NormalizeNetworkError classifies a failed round trip.
func NormalizeNetworkError(language string, err error) *speech.SynthesisError {
	if errors.Is(err, context.Canceled) {
		return &speech.SynthesisError{Language: language, Reason: "provider_cancelled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &speech.SynthesisError{Language: language, Reason: "provider_timeout", Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &speech.SynthesisError{Language: language, Reason: "provider_timeout", Retryable: true, Err: err}
	}
	return &speech.SynthesisError{Language: language, Reason: "provider_transport_error", Retryable: true, Err: err}
}

// NormalizeStatus classifies a non-2xx reply. A short body sample is kept
// as the wrapped error for logs.
func NormalizeStatus(language string, status int, retryAfter string, body []byte) *speech.SynthesisError {
	detail := fmt.Errorf("http status %d: %s", status, sample(body))
	if strings.TrimSpace(retryAfter) != "" {
		detail = fmt.Errorf("%w (retry after %s)", detail, strings.TrimSpace(retryAfter))
	}
	out := &speech.SynthesisError{Language: language, Err: detail}
	switch {
	case status == http.StatusTooManyRequests:
		out.Reason = "provider_overload"
		out.Retryable = true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		out.Reason = "provider_timeout"
		out.Retryable = true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out.Reason = "provider_auth_or_policy_block"
	case status >= 400 && status <= 499:
		out.Reason = "provider_client_error"
	default:
		out.Reason = "provider_server_error"
		out.Retryable = true
	}
	return out
}

func sample(body []byte) string {
	const max = 256
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}

// WithQuery appends/overrides a query key on an endpoint URL.
func WithQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ReadBodySample reads at most maxBytes and reports whether more was available.
func ReadBodySample(reader io.Reader, maxBytes int) ([]byte, bool, error) {
	if maxBytes < 1 {
		maxBytes = defaultMaxResponseBytes
	}
	payload, err := io.ReadAll(io.LimitReader(reader, int64(maxBytes+1)))
	if err != nil {
		return nil, false, err
	}
	if len(payload) > maxBytes {
		return payload[:maxBytes], true, nil
	}
	return payload, false, nil
}
