package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestCheckAggregatesProbes(t *testing.T) {
	c := NewChecker(time.Second, zap.NewNop())
	c.Add("redis", func(context.Context) error { return nil })
	c.Add("database", func(context.Context) error { return errors.New("connection refused") })

	results := c.Check(context.Background())
	assert.False(t, Healthy(results))
	assert.Equal(t, map[string]string{"database": "connection refused", "redis": "ok"}, Summary(results))
	assert.Equal(t, results, c.Last())
}

func TestProbeTimeout(t *testing.T) {
	c := NewChecker(20*time.Millisecond, zap.NewNop())
	c.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	results := c.Check(context.Background())
	assert.ErrorIs(t, results["slow"], context.DeadlineExceeded)
}

func TestServeReportsStatusOverGRPC(t *testing.T) {
	healthy := true
	c := NewChecker(time.Second, zap.NewNop())
	c.Add("redis", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})
	c.Check(context.Background())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Serve(ctx, lis) }()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	healthy = false
	c.Check(context.Background())
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
