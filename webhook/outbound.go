package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/relaychat/automation"
)

// maxResponseBytes caps how much of a target's response is retained in
// delivery snapshots
const maxResponseBytes = 64 * 1024

// Client is the SSRF-guarded HTTP client used for webhook deliveries
// and http_request workflow steps. The policy is applied twice: on the
// URL before the request and on the literal IP at dial time.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given per-request timeout
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: DialControl,
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects could bounce a vetted URL to a blocked address;
			// the dial-time check catches that, but not following them
			// at all keeps delivery semantics simple
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Call performs one outbound HTTP request and snapshots the response
func (c *Client) Call(
	ctx context.Context,
	method, url string,
	headers map[string]string,
	body []byte,
) (*automation.ResponseSnapshot, error) {
	if err := CheckTargetURL(ctx, url); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &automation.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
	}, nil
}
