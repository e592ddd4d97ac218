package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startTransport(t *testing.T, id string, handler Handler) *GRPCTransport {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tr := NewGRPCTransport(id, handler, log.NewNopLogger())
	tr.Serve(ln)
	t.Cleanup(tr.Stop)
	return tr
}

func TestBroadcastDelivers(t *testing.T) {
	received := make(chan []byte, 1)
	b := startTransport(t, "b", func(payload []byte) { received <- payload })
	a := startTransport(t, "a", nil)

	require.NoError(t, a.AddPeer("b", b.Addr().String()))
	assert.Equal(t, 1, a.PeerCount())
	assert.Equal(t, []string{"b"}, a.Peers())

	require.NoError(t, a.Broadcast(context.Background(), []byte("hello")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("payload not delivered")
	}

	require.NoError(t, a.Send(context.Background(), "b", []byte("direct")))
	assert.Equal(t, []byte("direct"), <-received)
	assert.Error(t, a.Send(context.Background(), "nobody", nil))
}

func TestBroadcastToDeadPeerFails(t *testing.T) {
	a := startTransport(t, "a", nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	require.NoError(t, a.AddPeer("dead", dead))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, a.Broadcast(ctx, []byte("x")))

	a.RemovePeer("dead")
	assert.Zero(t, a.PeerCount())
}

func TestHealthService(t *testing.T) {
	a := startTransport(t, "a", nil)

	conn, err := grpc.NewClient(a.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStoppedTransport(t *testing.T) {
	a := startTransport(t, "a", nil)
	a.Stop()
	a.Stop()
	assert.ErrorIs(t, a.Broadcast(context.Background(), []byte("x")), ErrNotRunning)
}
