package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer_FollowsState(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", zap.NewNop())
	require.NoError(t, hs.Start())
	t.Cleanup(hs.Stop)

	conn, err := grpc.NewClient(hs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	hs.SetState(StateRegistered)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	hs.SetState(StateDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	hs.SetState(StateDisconnected)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
