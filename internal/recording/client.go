// Package recording proxies requests to the call recording service. The
// orchestrator never interprets recorder payloads; it forwards them opaquely
// and maps transport failures to stable errors.
package recording

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
)

// ErrUnavailable indicates the recorder could not be reached.
var ErrUnavailable = errors.New("recording service unavailable")

// ErrTimeout indicates the recorder did not respond in time.
var ErrTimeout = errors.New("recording service timed out")

// Response carries the recorder's reply back to the caller unmodified.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Client is an HTTP client for the recording service.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a recorder client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Post forwards a JSON body to the recorder path and returns its response.
func (c *Client) Post(ctx context.Context, path string, body json.RawMessage) (*Response, error) {
	if body == nil {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("recording: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Get forwards a query to the recorder path and returns its response.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("recording: building request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, ErrUnavailable
	}
	if len(body) == 0 || !json.Valid(body) {
		// Non-JSON recorder replies are wrapped so callers always get JSON.
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		body = wrapped
	}

	return &Response{Status: resp.StatusCode, Body: body}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
