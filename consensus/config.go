package consensus

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// EngineConfig configures the consensus engine.
type EngineConfig struct {
	// 체인/애플리케이션 식별자
	AppID string
	// 노드 이름 (로그, 메트릭용)
	NodeID string
	// gossip listen address, host:port
	ListenAddr string

	// 피어 목록 ("id@host:port" 또는 "host:port")
	Peers []string

	// 제안자가 블록을 제안하기 전 대기 시간
	BlockInterval time.Duration
	// 커밋 없이 라운드가 끝나는 시간
	RoundTimeout time.Duration
}

// NewEngineConfig returns a config with default timings.
func NewEngineConfig(appID, nodeID, listenAddr string) EngineConfig {
	return EngineConfig{
		AppID:         appID,
		NodeID:        nodeID,
		ListenAddr:    listenAddr,
		BlockInterval: time.Second,
		RoundTimeout:  5 * time.Second,
	}
}

// Validate checks the config without binding any socket.
func (c EngineConfig) Validate() error {
	if c.AppID == "" {
		return ErrEmptyAppID
	}
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if err := validateHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidListenAddr, c.ListenAddr, err)
	}
	for _, p := range c.Peers {
		if _, err := ParsePeer(p); err != nil {
			return err
		}
	}
	if c.BlockInterval < 0 {
		return ErrInvalidTimeout
	}
	if c.RoundTimeout <= c.BlockInterval {
		return ErrInvalidTimeout
	}
	return nil
}

func validateHostPort(addr string) error {
	if addr == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" && net.ParseIP(host) == nil && strings.ContainsAny(host, " /") {
		return fmt.Errorf("invalid host %q", host)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return err
	}
	return nil
}

// Peer is a gossip peer.
type Peer struct {
	ID   string
	Addr string
}

// ParsePeer parses "id@host:port" or "host:port". Without an id the
// address doubles as the id.
func ParsePeer(s string) (Peer, error) {
	id, addr := s, s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		id, addr = s[:i], s[i+1:]
	}
	if id == "" {
		return Peer{}, fmt.Errorf("%w %q: empty id", ErrInvalidPeer, s)
	}
	if err := validateHostPort(addr); err != nil {
		return Peer{}, fmt.Errorf("%w %q: %v", ErrInvalidPeer, s, err)
	}
	return Peer{ID: id, Addr: addr}, nil
}

// Custom errors
type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrEmptyAppID        = configError("app id is required")
	ErrEmptyNodeID       = configError("node id is required")
	ErrInvalidListenAddr = configError("invalid listen address")
	ErrInvalidPeer       = configError("invalid peer")
	ErrInvalidTimeout    = configError("round timeout must exceed a non-negative block interval")
)
