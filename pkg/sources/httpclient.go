package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
)

const maxFetchAttempts = 3

// portalClient wraps an http.Client with the retry policy shared by all
// adapters: exponential backoff on transient failures, Retry-After respected
// on 429, never retry on auth or validation rejections.
type portalClient struct {
	source string
	http   *http.Client
}

func newPortalClient(source string, timeout time.Duration) *portalClient {
	return &portalClient{
		source: source,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// getJSON performs a GET with the adapter retry policy and decodes the JSON
// body into out.
func (c *portalClient) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	full := rawURL
	if len(params) > 0 {
		full = rawURL + "?" + params.Encode()
	}

	var body []byte
	err := retry.Do(
		func() error {
			b, err := c.doOnce(ctx, full)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxFetchAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ParseError{Source: c.source, Field: "body", Value: fmt.Sprintf("%.80s", body)}
	}
	return nil
}

func (c *portalClient) doOnce(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &TimeoutError{Source: c.source, Elapsed: time.Since(start)}
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Source: c.source, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Source: c.source, RetryAfter: parseRetryAfter(resp)}
	default:
		return nil, &APIError{Source: c.source, Status: resp.StatusCode, Body: string(body)}
	}
}

// isRetryable implements the adapter error taxonomy: transient errors retry,
// AuthError and ParseError never do, 4xx API errors never do.
func isRetryable(err error) bool {
	var authErr *AuthError
	var parseErr *ParseError
	if errors.As(err, &authErr) || errors.As(err, &parseErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		// One extra attempt after the advertised wait, bounded by ctx.
		if rlErr.RetryAfter > 0 && rlErr.RetryAfter < 10*time.Second {
			time.Sleep(rlErr.RetryAfter)
			return true
		}
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func (c *portalClient) close() {
	c.http.CloseIdleConnections()
}
