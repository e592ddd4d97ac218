// Package consensus runs the consensus engine driving an Application.
package consensus

import (
	"context"

	"github.com/ahwlsqja/pbft-bridge/types"
)

// AppInfo is what the engine needs to know about the application at start.
type AppInfo struct {
	ChainID    string
	Address    types.Address // zero for a non-validating node
	Validators *types.ValidatorSet

	// 마지막으로 결정된 블록
	Height        uint64
	LastBlockHash []byte
}

// Application is the capability surface the engine drives. Calls are
// synchronous and made from the engine loop only.
type Application interface {
	// Info reports chain identity, validators and the last decided block.
	Info(ctx context.Context) (AppInfo, error)

	// ProposeBlock builds the block this node proposes at height/round.
	ProposeBlock(ctx context.Context, height, round uint64) (*types.Block, error)

	// ValidateBlock returns nil if block may be voted for.
	ValidateBlock(ctx context.Context, block *types.Block) error

	// CommitBlock applies a decided block. An error halts the engine.
	CommitBlock(ctx context.Context, block *types.Block, cert *types.CommitCertificate) error
}
