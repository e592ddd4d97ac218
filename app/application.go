package app

import (
	"bytes"
	"context"
	"fmt"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"

	"github.com/ahwlsqja/pbft-bridge/consensus"
	"github.com/ahwlsqja/pbft-bridge/execution"
	"github.com/ahwlsqja/pbft-bridge/types"
)

/*
================================================================================
                        합의 엔진 ↔ 실행 계층 흐름
================================================================================

  Engine                 State                   SubmissionHandle
    │  ProposeBlock        │                           │
    │─────────────────────►│  BuildPayload             │
    │                      │──────────────────────────►│
    │  ValidateBlock       │                           │
    │─────────────────────►│  NewPayload               │
    │                      │──────────────────────────►│
    │  CommitBlock         │                           │
    │─────────────────────►│  ForkchoiceUpdated        │
    │                      │──────────────────────────►│
    │                      │  SaveDecided (store)      │

================================================================================
*/

// Info implements consensus.Application.
func (s *State) Info(context.Context) (consensus.AppInfo, error) {
	head := s.Head()
	return consensus.AppInfo{
		ChainID:       s.genesis.ChainID,
		Address:       s.address,
		Validators:    s.validators,
		Height:        head.Height,
		LastBlockHash: head.Hash,
	}, nil
}

// ProposeBlock implements consensus.Application.
func (s *State) ProposeBlock(ctx context.Context, height, round uint64) (*types.Block, error) {
	head := s.Head()
	if height != head.Height+1 {
		return nil, fmt.Errorf("cannot propose height %d: head is %d", height, head.Height)
	}
	proposer := s.validators.Proposer(height, round)
	if proposer == nil || proposer.Address != s.address {
		return nil, fmt.Errorf("%w at %d/%d", ErrNotProposer, height, round)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	now := s.ctx.Now()
	txs, err := s.handle.BuildPayload(ctx, execution.PayloadAttributes{
		Height:    height,
		Timestamp: now,
		Proposer:  s.address,
		MaxBytes:  s.cfg.MaxBlockBytes,
		MaxTxs:    s.cfg.MaxBlockTxs,
	})
	if err != nil {
		s.ctx.Metrics.IncrementExecutionErrors("build_payload")
		return nil, err
	}

	block := types.NewBlock(s.genesis.ChainID, height, round, head.Hash, s.address, now, txs)
	s.ctx.Metrics.IncrementProposals()
	s.ctx.Logger.Debug("Proposed block", "module", "state", "height", height, "round", round,
		"txs", len(txs), "hash", block.HashString())
	return block, nil
}

// ValidateBlock implements consensus.Application. Structural checks run
// first; the block is then handed to execution. Any execution failure is a
// rejection.
func (s *State) ValidateBlock(ctx context.Context, block *types.Block) error {
	if err := s.checkBlock(block); err != nil {
		s.ctx.Metrics.RecordValidation(false)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	status, err := s.handle.NewPayload(ctx, block)
	if err != nil {
		s.ctx.Metrics.IncrementExecutionErrors("new_payload")
		s.ctx.Metrics.RecordValidation(false)
		return err
	}
	if status != execution.PayloadValid {
		s.ctx.Metrics.RecordValidation(false)
		return fmt.Errorf("%w: execution returned %s for %s", ErrInvalidBlock, status, block.HashString())
	}
	s.ctx.Metrics.RecordValidation(true)
	return nil
}

func (s *State) checkBlock(block *types.Block) error {
	if block == nil {
		return fmt.Errorf("%w: nil block", ErrInvalidBlock)
	}
	h := block.Header
	head := s.Head()

	if h.ChainID != s.genesis.ChainID {
		return fmt.Errorf("%w: chain id %q", ErrInvalidBlock, h.ChainID)
	}
	if h.Height != head.Height+1 {
		return fmt.Errorf("%w: height %d, expected %d", ErrInvalidBlock, h.Height, head.Height+1)
	}
	if !bytes.Equal(h.PrevHash, head.Hash) {
		return fmt.Errorf("%w: prev hash %s, expected %s", ErrInvalidBlock,
			cmtbytes.HexBytes(h.PrevHash), cmtbytes.HexBytes(head.Hash))
	}
	if err := block.VerifyHash(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	proposer := s.validators.Proposer(h.Height, h.Round)
	if proposer == nil || proposer.Address != h.Proposer {
		return fmt.Errorf("%w: unexpected proposer %s", ErrInvalidBlock, h.Proposer)
	}
	if len(block.Txs) > s.cfg.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs exceed limit %d", ErrInvalidBlock, len(block.Txs), s.cfg.MaxBlockTxs)
	}
	return nil
}

// CommitBlock implements consensus.Application. The block must carry a
// certificate with quorum power. It is made canonical on the execution
// layer, then recorded in the consensus tables.
func (s *State) CommitBlock(ctx context.Context, block *types.Block, cert *types.CommitCertificate) error {
	if block == nil || cert == nil {
		return fmt.Errorf("%w: nil block or certificate", ErrInvalidBlock)
	}
	if cert.Height != block.Header.Height || !bytes.Equal(cert.BlockHash, block.Hash) {
		return fmt.Errorf("%w: certificate for %d/%s does not match block %d/%s", ErrInvalidBlock,
			cert.Height, cmtbytes.HexBytes(cert.BlockHash), block.Header.Height, block.HashString())
	}
	if power, quorum := cert.SignedPower(s.validators), s.validators.QuorumPower(); power < quorum {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientQuorum, power, quorum)
	}

	start := s.ctx.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	head, err := s.handle.ForkchoiceUpdated(ctx, execution.ForkchoiceState{HeadHash: block.Hash})
	if err != nil {
		s.ctx.Metrics.IncrementExecutionErrors("forkchoice_updated")
		return err
	}
	if err := s.store.SaveDecided(block, cert); err != nil {
		return fmt.Errorf("failed to record decision at height %d: %w", block.Header.Height, err)
	}

	s.mu.Lock()
	s.head = head
	s.mu.Unlock()

	s.ctx.Metrics.RecordCommit(head.Height, len(block.Txs), s.ctx.Now().Sub(start))
	s.ctx.Logger.Info("Committed block", "module", "state", "height", head.Height,
		"hash", block.HashString(), "txs", len(block.Txs))
	return nil
}
