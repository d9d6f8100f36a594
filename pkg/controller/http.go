package controller

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

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

const (
	registerPath    = "/api/v1/nodes/register"
	heartbeatPath   = "/api/v1/nodes/heartbeat"
	nextCommandPath = "/api/v1/nodes/%s/commands/next"
	commandAckPath  = "/api/v1/commands/%s/ack"
	commandResPath  = "/api/v1/commands/%s/result"
	streamPath      = "/api/v1/nodes/%s/stream"

	// RelayedByHeader names the node that forwarded a record on behalf of
	// another node.
	RelayedByHeader = "X-Relayed-By"
	// RelayPathHeader carries the comma-separated mesh path of a relayed record
	RelayPathHeader = "X-Relay-Path"
)

// StatusError is a non-success HTTP response other than a credential
// rejection.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("controller returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("controller returned HTTP %d: %s", e.Code, e.Body)
}

// retryable reports whether another attempt could succeed. Client errors
// other than 408 and 429 are final.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests:
			return true
		case se.Code >= 400 && se.Code < 500:
			return false
		}
	}
	return !errors.Is(err, ErrRejected)
}

// relayInfo marks a request forwarded on behalf of another node
type relayInfo struct {
	by   string
	path []string
}

func (c *Client) do(ctx context.Context, method, base, path string, in, out any, relay *relayInfo) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := observability.GetRequestID(ctx); id != "" {
		req.Header.Set(observability.RequestIDHeader, id)
	}
	if relay != nil {
		req.Header.Set(RelayedByHeader, relay.by)
		req.Header.Set(RelayPathHeader, strings.Join(relay.path, ","))
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("%w (HTTP %d)", ErrRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// Register submits the node identity and stores the returned credential
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	err := c.call(ctx, "register", func(ctx context.Context, base string) error {
		resp = api.RegisterResponse{}
		_, err := c.do(ctx, http.MethodPost, base, registerPath, req, &resp, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp.AuthToken == "" {
		return nil, fmt.Errorf("controller accepted registration without issuing a token")
	}
	c.SetToken(resp.AuthToken)
	return &resp, nil
}

// Heartbeat delivers one heartbeat record
func (c *Client) Heartbeat(ctx context.Context, rec api.HeartbeatRecord) (*api.HeartbeatAck, error) {
	return c.heartbeat(ctx, rec, nil)
}

// ForwardHeartbeat delivers a heartbeat that reached this node over the mesh
func (c *Client) ForwardHeartbeat(ctx context.Context, rec api.HeartbeatRecord, by string, path []string) (*api.HeartbeatAck, error) {
	return c.heartbeat(ctx, rec, &relayInfo{by: by, path: path})
}

func (c *Client) heartbeat(ctx context.Context, rec api.HeartbeatRecord, relay *relayInfo) (*api.HeartbeatAck, error) {
	var ack api.HeartbeatAck
	err := c.call(ctx, "heartbeat", func(ctx context.Context, base string) error {
		ack = api.HeartbeatAck{}
		_, err := c.do(ctx, http.MethodPost, base, heartbeatPath, rec, &ack, relay)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// NextCommand fetches the next queued command for nodeID. It returns nil
// when the queue is empty.
func (c *Client) NextCommand(ctx context.Context, nodeID string) (*api.Command, error) {
	var cmd *api.Command
	err := c.call(ctx, "poll", func(ctx context.Context, base string) error {
		var got api.Command
		status, err := c.do(ctx, http.MethodGet, base, fmt.Sprintf(nextCommandPath, url.PathEscape(nodeID)), nil, &got, nil)
		if err != nil {
			return err
		}
		cmd = nil
		if status != http.StatusNoContent && got.ID != "" {
			cmd = &got
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// AckCommand tells the controller a command was received
func (c *Client) AckCommand(ctx context.Context, commandID string) error {
	return c.call(ctx, "ack", func(ctx context.Context, base string) error {
		_, err := c.do(ctx, http.MethodPost, base, fmt.Sprintf(commandAckPath, url.PathEscape(commandID)), nil, nil, nil)
		return err
	})
}

// ReportResult delivers a command outcome
func (c *Client) ReportResult(ctx context.Context, rep api.CommandReport) error {
	return c.report(ctx, rep, nil)
}

// ForwardResult delivers a command outcome relayed from another node
func (c *Client) ForwardResult(ctx context.Context, rep api.CommandReport, by string, path []string) error {
	return c.report(ctx, rep, &relayInfo{by: by, path: path})
}

func (c *Client) report(ctx context.Context, rep api.CommandReport, relay *relayInfo) error {
	return c.call(ctx, "result", func(ctx context.Context, base string) error {
		_, err := c.do(ctx, http.MethodPost, base, fmt.Sprintf(commandResPath, url.PathEscape(rep.CommandID)), rep, nil, relay)
		return err
	})
}
