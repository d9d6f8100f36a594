package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient talks to a running agent's local admin API
type AdminClient struct {
	base string
	http *http.Client
}

// NewAdminClient targets addr, which may omit the scheme
func NewAdminClient(addr string) *AdminClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &AdminClient{
		base: strings.TrimRight(addr, "/") + "/api/v1",
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Get fetches path and decodes the JSON body into out
func (c *AdminClient) Get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, u, out)
}

// Post sends an empty POST to path and decodes the JSON body into out
func (c *AdminClient) Post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, c.base+path, out)
}

func (c *AdminClient) do(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("agent returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
