package app

import (
	"context"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-bridge/execution"
	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

// newExecutionState launches an in-memory execution node and builds the
// State over it.
func newExecutionState(t *testing.T) (*State, *execution.Node) {
	t.Helper()
	g := testGenesis()
	cfg := execution.NodeConfig{Genesis: g, DB: dbm.NewMemDB(), Pool: execution.DefaultPoolConfig()}

	nh, err := execution.NewBuilder(cfg, log.NewNopLogger()).
		Apply(func(lctx *execution.LaunchContext) error {
			return store.CreateTablesFor(lctx.DB(), store.Tables)
		}).
		Launch(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nh.Node.Stop() })

	s, err := FromProvider(context.Background(), testContext(), NewConfig(), g, validatorAddr, nh.Node, nh.Node.Handle())
	require.NoError(t, err)
	return s, nh.Node
}

func certFor(block *types.Block) *types.CommitCertificate {
	return &types.CommitCertificate{
		Height:    block.Header.Height,
		Round:     block.Header.Round,
		BlockHash: block.Hash,
		Votes: []types.Vote{{
			Height:    block.Header.Height,
			Round:     block.Header.Round,
			BlockHash: block.Hash,
			Validator: validatorAddr,
		}},
	}
}

func TestProposeValidateCommit(t *testing.T) {
	ctx := context.Background()
	s, node := newExecutionState(t)

	require.NoError(t, node.SubmitTx(ctx, []byte(`{"type":"set","key":"a","value":"1"}`)))

	for h := uint64(1); h <= 3; h++ {
		block, err := s.ProposeBlock(ctx, h, 0)
		require.NoError(t, err)
		require.NoError(t, s.ValidateBlock(ctx, block))
		require.NoError(t, s.CommitBlock(ctx, block, certFor(block)))

		info, err := s.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, h, info.Height)
		assert.Equal(t, block.Hash, info.LastBlockHash)
	}

	head, err := node.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Height)

	decided, hash, err := s.Store().LatestHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), decided)
	assert.Equal(t, head.Hash, hash)

	first, err := s.Store().LoadBlock(1)
	require.NoError(t, err)
	require.Len(t, first.Txs, 1)
}

func TestValidateBlockRejections(t *testing.T) {
	ctx := context.Background()
	s, _ := newExecutionState(t)
	head := s.Head()

	tests := []struct {
		name  string
		block *types.Block
	}{
		{"nil", nil},
		{"wrong chain", types.NewBlock("other", 1, 0, head.Hash, validatorAddr, s.ctx.Now(), nil)},
		{"wrong height", types.NewBlock("bridge-test", 2, 0, head.Hash, validatorAddr, s.ctx.Now(), nil)},
		{"wrong prev hash", types.NewBlock("bridge-test", 1, 0, []byte{1}, validatorAddr, s.ctx.Now(), nil)},
		{"wrong proposer", types.NewBlock("bridge-test", 1, 0, head.Hash, types.Address{9}, s.ctx.Now(), nil)},
		{"execution rejects tx", types.NewBlock("bridge-test", 1, 0, head.Hash, validatorAddr, s.ctx.Now(), [][]byte{[]byte("junk")})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, s.ValidateBlock(ctx, tc.block), ErrInvalidBlock)
		})
	}

	tampered := types.NewBlock("bridge-test", 1, 0, head.Hash, validatorAddr, s.ctx.Now(), nil)
	tampered.Txs = [][]byte{[]byte("extra")}
	assert.ErrorIs(t, s.ValidateBlock(ctx, tampered), ErrInvalidBlock)
}

func TestCommitBlockRequiresQuorum(t *testing.T) {
	ctx := context.Background()
	s, _ := newExecutionState(t)

	block, err := s.ProposeBlock(ctx, 1, 0)
	require.NoError(t, err)
	require.NoError(t, s.ValidateBlock(ctx, block))

	noVotes := &types.CommitCertificate{Height: 1, BlockHash: block.Hash}
	assert.ErrorIs(t, s.CommitBlock(ctx, block, noVotes), ErrInsufficientQuorum)

	wrongBlock := certFor(block)
	wrongBlock.BlockHash = []byte{1}
	assert.ErrorIs(t, s.CommitBlock(ctx, block, wrongBlock), ErrInvalidBlock)

	require.NoError(t, s.CommitBlock(ctx, block, certFor(block)))
}

func TestCommitUnvalidatedBlockIsExecutionError(t *testing.T) {
	ctx := context.Background()
	s, _ := newExecutionState(t)

	block, err := s.ProposeBlock(ctx, 1, 0)
	require.NoError(t, err)

	err = s.CommitBlock(ctx, block, certFor(block))
	assert.True(t, execution.IsExecutionError(err))
	assert.Zero(t, s.Head().Height)
}

func TestProposeBlockChecks(t *testing.T) {
	ctx := context.Background()
	s, node := newExecutionState(t)

	_, err := s.ProposeBlock(ctx, 2, 0)
	assert.Error(t, err)

	observer, err := FromProvider(ctx, testContext(), NewConfig(), testGenesis(), types.Address{}, node, node.Handle())
	require.NoError(t, err)
	_, err = observer.ProposeBlock(ctx, 1, 0)
	assert.ErrorIs(t, err, ErrNotProposer)
}
