package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// streamURL converts an http(s) endpoint into the node's command stream URL
func streamURL(base, nodeID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf(streamPath, nodeID)
	return u.String(), nil
}

// StreamCommands keeps a websocket open to the highest-priority reachable
// endpoint and sends every pushed command to out. It reconnects with backoff
// until ctx is cancelled. Polling remains the fallback while no stream is up.
func (c *Client) StreamCommands(ctx context.Context, nodeID string, out chan<- api.Command) error {
	retry := c.opts.newBackOff()
	logger := c.logger.With(zap.String("node_id", nodeID))

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected := false
		for _, ep := range c.order() {
			conn, err := c.dialStream(ctx, ep.URL, nodeID)
			if err != nil {
				logger.Debug("Command stream dial failed", zap.String("endpoint", ep.URL), zap.Error(err))
				continue
			}
			connected = true
			retry.Reset()
			logger.Info("Command stream connected", zap.String("endpoint", ep.URL))
			c.readStream(ctx, conn, out, logger)
			logger.Info("Command stream disconnected", zap.String("endpoint", ep.URL))
			break
		}
		if connected {
			continue
		}

		if err := c.sleep(ctx, retry.NextBackOff()); err != nil {
			return nil
		}
	}
}

func (c *Client) dialStream(ctx context.Context, base, nodeID string) (*websocket.Conn, error) {
	target, err := streamURL(base, nodeID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.opts.AttemptTimeout
	conn, resp, err := dialer.DialContext(dctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w (HTTP %d)", ErrRejected, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) readStream(ctx context.Context, conn *websocket.Conn, out chan<- api.Command, logger *zap.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				logger.Debug("Command stream read failed", zap.Error(err))
			}
			return
		}
		if msg.Type != api.StreamCommand || msg.Command == nil {
			continue
		}
		select {
		case out <- *msg.Command:
		case <-ctx.Done():
			return
		}
	}
}
