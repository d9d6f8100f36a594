package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()

	eps := make([]Endpoint, 0, len(endpoints))
	for i, u := range endpoints {
		eps = append(eps, Endpoint{URL: u, Priority: i})
	}
	c, err := NewClient(Options{
		Endpoints:           eps,
		AttemptTimeout:      50 * time.Millisecond,
		AttemptsPerEndpoint: 3,
		BackoffBase:         time.Millisecond,
		BackoffMax:          5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func hangingServer(hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
}

func heartbeatServer(hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		var rec api.HeartbeatRecord
		json.NewDecoder(r.Body).Decode(&rec)
		json.NewEncoder(w).Encode(api.HeartbeatAck{Received: true, Sequence: rec.Sequence})
	}))
}

func TestClient_FailoverAfterPrimaryTimeouts(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := hangingServer(&primaryHits)
	defer primary.Close()
	secondary := heartbeatServer(&secondaryHits)
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)

	ack, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1", Sequence: 7})
	require.NoError(t, err)
	assert.True(t, ack.Received)
	assert.Equal(t, uint64(7), ack.Sequence)

	assert.Equal(t, int32(3), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondaryHits))
	assert.Equal(t, secondary.URL, c.ActiveEndpoint())
}

func TestClient_StopsBeforeAttemptPastDeadline(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := hangingServer(&primaryHits)
	defer primary.Close()
	secondary := hangingServer(&secondaryHits)
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Heartbeat(ctx, api.HeartbeatRecord{NodeID: "n1"})
	require.ErrorIs(t, err, ErrUnavailable)

	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Zero(t, atomic.LoadInt32(&secondaryHits), "an attempt that cannot finish in time is not started")
	assert.Less(t, time.Since(start), 80*time.Millisecond, "the call returns with budget to spare")
}

func TestClient_CoolingEndpointTriedLast(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := hangingServer(&primaryHits)
	defer primary.Close()
	secondary := heartbeatServer(&secondaryHits)
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)
	frozen := time.Now()
	c.now = func() time.Time { return frozen }

	_, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1", Sequence: 1})
	require.NoError(t, err)

	// The primary is cooling down, so the next call goes straight to the
	// secondary.
	_, err = c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1", Sequence: 2})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(2), atomic.LoadInt32(&secondaryHits))
}

func TestClient_AllEndpointsDown(t *testing.T) {
	var hitsA, hitsB int32
	a := hangingServer(&hitsA)
	defer a.Close()
	b := hangingServer(&hitsB)
	defer b.Close()

	c := newTestClient(t, a.URL, b.URL)

	_, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hitsA))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hitsB))
}

func TestClient_RejectedIsNotRetried(t *testing.T) {
	var primaryHits, secondaryHits int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer primary.Close()
	secondary := heartbeatServer(&secondaryHits)
	defer secondary.Close()

	c := newTestClient(t, primary.URL, secondary.URL)
	c.SetToken("stale")

	_, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, OutcomeRejected, OutcomeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondaryHits))
}

func TestClient_ServerErrorsRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(api.HeartbeatAck{Received: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClient_ClientErrorIsFinal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad record", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1"})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "bad record", se.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestClient_RegisterStoresToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case registerPath:
			var req api.RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "n1", req.NodeID)
			json.NewEncoder(w).Encode(api.RegisterResponse{NodeID: req.NodeID, AuthToken: "tok-1"})
		case heartbeatPath:
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(api.HeartbeatAck{Received: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Register(context.Background(), api.RegisterRequest{NodeID: "n1", NodeType: api.NodeTypeVehicle})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.AuthToken)
	assert.Equal(t, "tok-1", c.Token())

	_, err = c.Heartbeat(context.Background(), api.HeartbeatRecord{NodeID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestClient_NextCommand(t *testing.T) {
	queued := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/nodes/n1/commands/next", r.URL.Path)
		if !queued {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		queued = false
		json.NewEncoder(w).Encode(api.Command{ID: "c1", TargetNodeID: "n1", Type: api.CommandPing})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	cmd, err := c.NextCommand(context.Background(), "n1")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "c1", cmd.ID)
	assert.Equal(t, api.CommandPing, cmd.Type)

	cmd, err = c.NextCommand(context.Background(), "n1")
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestClient_ForwardResultCarriesRelayHeaders(t *testing.T) {
	var relayedBy, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/commands/c9/result", r.URL.Path)
		relayedBy = r.Header.Get(RelayedByHeader)
		path = r.Header.Get(RelayPathHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ForwardResult(context.Background(),
		api.CommandReport{CommandID: "c9", NodeID: "c", Status: api.CommandCompleted},
		"a", []string{"c", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", relayedBy)
	assert.Equal(t, "c,b,a", path)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeOf(nil))
	assert.Equal(t, OutcomeRejected, OutcomeOf(ErrRejected))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(ErrUnavailable))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(context.DeadlineExceeded))
}

func TestTokenPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", ".auth_token")

	tok, err := LoadToken(path)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, SaveToken(path, "secret\n"))
	tok, err = LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)

	require.NoError(t, RemoveToken(path))
	require.NoError(t, RemoveToken(path))
	tok, err = LoadToken(path)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	sign := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "n1", "exp": exp.Unix()})
		s, err := tok.SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	assert.False(t, TokenExpired(sign(now.Add(time.Hour)), now, time.Minute))
	assert.True(t, TokenExpired(sign(now.Add(30*time.Second)), now, time.Minute))
	assert.True(t, TokenExpired(sign(now.Add(-time.Hour)), now, 0))
	assert.False(t, TokenExpired("opaque-token", now, time.Minute))
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("https://ctl.example:8443", "node 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://ctl.example:8443/api/v1/nodes/node%201/stream", u)

	u, err = streamURL("http://10.0.0.1:8000", "n1")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.1:8000/api/v1/nodes/n1/stream", u)
}
