// Package httpcall invokes a capability by POSTing the step request as JSON
// to a remote service.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/domain"
)

const maxResponseBytes = 2 << 20

type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	switch strings.ToUpper(strings.TrimSpace(c.Method)) {
	case "", http.MethodPost, http.MethodPut:
	default:
		return fmt.Errorf("unsupported method %q", c.Method)
	}
	if c.Timeout < 0 {
		return errors.New("timeout must be >= 0")
	}
	return nil
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("capability endpoint error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("capability endpoint error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	url     string
	method  string
	headers map[string]string
	http    *http.Client
}

var _ adapter.Handler = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Client{
		url:     strings.TrimSpace(cfg.URL),
		method:  method,
		headers: headers,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Invoke sends req and maps the response: 2xx is decoded as a result
// envelope, 408/429/5xx are retryable, other 4xx are permanent.
func (c *Client) Invoke(ctx context.Context, req adapter.Request) (adapter.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, c.method, c.url, bytes.NewReader(body))
	if err != nil {
		return adapter.Result{}, adapter.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", fmt.Sprintf("%s/%s/%d", req.RunID, req.StepID, req.Attempt))
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return adapter.Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return adapter.Result{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeResult(raw)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return adapter.Result{}, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	default:
		return adapter.Result{
			Outcome:   adapter.OutcomeFailure,
			Error:     (&APIError{StatusCode: resp.StatusCode, Body: string(raw)}).Error(),
			ErrorCode: domain.CodeStepFailure,
		}, nil
	}
}

// decodeResult accepts either a result envelope with an "outcome" field or
// a bare JSON object, which is taken as a successful payload.
func decodeResult(raw []byte) (adapter.Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return adapter.Result{Outcome: adapter.OutcomeSuccess, Payload: domain.Metadata{}}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if _, ok := fields["outcome"]; ok {
		var res adapter.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return adapter.Result{}, adapter.Permanent(fmt.Errorf("decode result: %w", err))
		}
		return res, nil
	}
	var payload domain.Metadata
	if err := json.Unmarshal(raw, &payload); err != nil {
		return adapter.Result{}, adapter.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	return adapter.Result{Outcome: adapter.OutcomeSuccess, Payload: payload}, nil
}
