// Package transport provides gRPC-based gossip between consensus nodes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	maxMsgSize  = 64 * 1024 * 1024 // 64MB
	sendTimeout = 5 * time.Second
)

// Handler receives the payload of every message delivered by a peer.
type Handler func(payload []byte)

// ErrNotRunning is returned when sending through a stopped transport.
var ErrNotRunning = errors.New("transport is not running")

// GRPCTransport exchanges opaque payloads with peers over gRPC.
type GRPCTransport struct {
	mu sync.RWMutex

	nodeID   string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   log.Logger

	// Peer connections
	peers map[string]*peerConn

	handler Handler

	running bool
}

// peerConn represents a connection to a peer node.
type peerConn struct {
	id   string
	addr string
	conn *grpc.ClientConn
}

// NewGRPCTransport creates a transport delivering incoming payloads to handler.
func NewGRPCTransport(nodeID string, handler Handler, logger log.Logger) *GRPCTransport {
	return &GRPCTransport{
		nodeID:  nodeID,
		handler: handler,
		logger:  logger.With("module", "transport"),
		peers:   make(map[string]*peerConn),
	}
}

// Serve starts serving on an already bound listener.
func (t *GRPCTransport) Serve(listener net.Listener) {
	t.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	t.server.RegisterService(&gossipServiceDesc, t)

	t.health = health.NewServer()
	healthpb.RegisterHealthServer(t.server, t.health)
	t.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	t.mu.Lock()
	t.listener = listener
	t.running = true
	t.mu.Unlock()

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()
			if running {
				t.logger.Error("Server error", "err", err)
			}
		}
	}()

	t.logger.Info("Gossip transport started", "addr", listener.Addr().String())
}

// Addr returns the address the transport listens on.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop stops the server and closes all peer connections.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, peer := range peers {
		peer.conn.Close()
	}
	if t.health != nil {
		t.health.Shutdown()
	}
	if t.server != nil {
		t.server.Stop()
	}

	t.logger.Info("Gossip transport stopped")
}

// AddPeer registers a peer. The connection is established lazily, so the
// peer does not have to be up yet.
func (t *GRPCTransport) AddPeer(nodeID, address string) error {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMsgSize)),
	)
	if err != nil {
		return fmt.Errorf("failed to create client for peer %s at %s: %w", nodeID, address, err)
	}

	t.mu.Lock()
	if old, ok := t.peers[nodeID]; ok {
		old.conn.Close()
	}
	t.peers[nodeID] = &peerConn{id: nodeID, addr: address, conn: conn}
	t.mu.Unlock()

	t.logger.Info("Added peer", "peer", nodeID, "addr", address)
	return nil
}

// RemovePeer disconnects from a peer.
func (t *GRPCTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peer, exists := t.peers[nodeID]; exists {
		peer.conn.Close()
		delete(t.peers, nodeID)
		t.logger.Info("Removed peer", "peer", nodeID)
	}
}

// Broadcast sends payload to all peers and waits for every send to finish.
// It returns the last send error, if any.
func (t *GRPCTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	peers := make([]*peerConn, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.RUnlock()

	msg := wrapperspb.Bytes(payload)

	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		lastErr error
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(p *peerConn) {
			defer wg.Done()
			if err := t.deliver(ctx, p, msg); err != nil {
				errMu.Lock()
				lastErr = err
				errMu.Unlock()
				t.logger.Debug("Broadcast failed", "peer", p.id, "err", err)
			}
		}(peer)
	}
	wg.Wait()

	return lastErr
}

// Send sends payload to one peer.
func (t *GRPCTransport) Send(ctx context.Context, nodeID string, payload []byte) error {
	t.mu.RLock()
	peer, exists := t.peers[nodeID]
	t.mu.RUnlock()

	if !exists {
		return fmt.Errorf("peer %s not found", nodeID)
	}
	return t.deliver(ctx, peer, wrapperspb.Bytes(payload))
}

func (t *GRPCTransport) deliver(ctx context.Context, p *peerConn, msg *wrapperspb.BytesValue) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return p.conn.Invoke(ctx, deliverMethod, msg, new(emptypb.Empty))
}

// Peers returns the registered peer IDs.
func (t *GRPCTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	return peers
}

// PeerCount returns the number of registered peers.
func (t *GRPCTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Deliver handles a payload sent by a peer.
func (t *GRPCTransport) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	if t.handler != nil {
		t.handler(in.GetValue())
	}
	return &emptypb.Empty{}, nil
}
