package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	abcicli "github.com/cometbft/cometbft/abci/client"
	abci "github.com/cometbft/cometbft/abci/types"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

// EngineHandle implements SubmissionHandle on top of an ABCI client.
// Submissions are serialised: the ABCI connection sees one block at a time.
type EngineHandle struct {
	mu sync.Mutex

	client abcicli.Client
	pool   *TxPool
	meta   store.Table
	logger log.Logger

	head Head
	// ProcessProposal을 통과한 블록 (해시 → 블록)
	accepted map[string]*types.Block
}

var _ SubmissionHandle = (*EngineHandle)(nil)

func newEngineHandle(client abcicli.Client, pool *TxPool, meta store.Table, head Head, logger log.Logger) *EngineHandle {
	return &EngineHandle{
		client:   client,
		pool:     pool,
		meta:     meta,
		logger:   logger,
		head:     head,
		accepted: make(map[string]*types.Block),
	}
}

// Head returns the current canonical head.
func (h *EngineHandle) Head() Head {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}

// BuildPayload reaps the pool and lets the application order and filter
// the transactions.
func (h *EngineHandle) BuildPayload(ctx context.Context, attrs PayloadAttributes) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if attrs.Height != h.head.Height+1 {
		return nil, &ExecutionError{
			Op:     "build_payload",
			Height: attrs.Height,
			Err:    fmt.Errorf("%w: head is %d", ErrHeightMismatch, h.head.Height),
		}
	}

	txs := h.pool.Reap(attrs.MaxTxs, attrs.MaxBytes)
	resp, err := h.client.PrepareProposal(ctx, &abci.RequestPrepareProposal{
		MaxTxBytes:      attrs.MaxBytes,
		Txs:             txs,
		Height:          int64(attrs.Height),
		Time:            attrs.Timestamp,
		ProposerAddress: attrs.Proposer.Bytes(),
	})
	if err != nil {
		return nil, &ExecutionError{Op: "build_payload", Height: attrs.Height, Err: err}
	}
	return resp.Txs, nil
}

// NewPayload runs ProcessProposal on block. Accepted blocks are kept until
// they are made canonical or superseded.
func (h *EngineHandle) NewPayload(ctx context.Context, block *types.Block) (PayloadStatus, error) {
	if block == nil {
		return PayloadInvalid, &ExecutionError{Op: "new_payload", Err: fmt.Errorf("block is nil")}
	}
	height := block.Header.Height

	h.mu.Lock()
	defer h.mu.Unlock()

	if height != h.head.Height+1 {
		return PayloadInvalid, &ExecutionError{
			Op:     "new_payload",
			Height: height,
			Err:    fmt.Errorf("%w: head is %d", ErrHeightMismatch, h.head.Height),
		}
	}

	resp, err := h.client.ProcessProposal(ctx, &abci.RequestProcessProposal{
		Txs:             block.Txs,
		Hash:            block.Hash,
		Height:          int64(height),
		Time:            block.Header.Timestamp,
		ProposerAddress: block.Header.Proposer.Bytes(),
	})
	if err != nil {
		return PayloadInvalid, &ExecutionError{Op: "new_payload", Height: height, Err: err}
	}
	if resp.Status != abci.ResponseProcessProposal_ACCEPT {
		h.logger.Debug("Payload rejected", "height", height, "hash", block.HashString(), "status", resp.Status)
		return PayloadInvalid, nil
	}

	h.accepted[string(block.Hash)] = block
	return PayloadValid, nil
}

// ForkchoiceUpdated finalises and commits the accepted payload named by
// state, persists the new head and prunes the pool.
func (h *EngineHandle) ForkchoiceUpdated(ctx context.Context, state ForkchoiceState) (Head, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	block, ok := h.accepted[string(state.HeadHash)]
	if !ok {
		return h.head, &ExecutionError{
			Op:     "forkchoice_updated",
			Height: h.head.Height + 1,
			Err:    fmt.Errorf("%w: %s", ErrUnknownPayload, cmtbytes.HexBytes(state.HeadHash)),
		}
	}
	height := block.Header.Height

	// 앱 Commit과 head 기록 사이 크래시 복구용
	if err := writeJSON(h.meta, pendingKey, Head{Height: height, Hash: block.Hash}); err != nil {
		return h.head, &ExecutionError{Op: "finalize_block", Height: height, Err: err}
	}

	resp, err := h.client.FinalizeBlock(ctx, &abci.RequestFinalizeBlock{
		Txs:             block.Txs,
		Hash:            block.Hash,
		Height:          int64(height),
		Time:            block.Header.Timestamp,
		ProposerAddress: block.Header.Proposer.Bytes(),
	})
	if err != nil {
		return h.head, &ExecutionError{Op: "finalize_block", Height: height, Err: err}
	}
	if _, err := h.client.Commit(ctx, &abci.RequestCommit{}); err != nil {
		return h.head, &ExecutionError{Op: "commit", Height: height, Err: err}
	}

	newHead := Head{Height: height, Hash: block.Hash, AppHash: resp.AppHash}
	if err := writeJSON(h.meta, headKey, newHead); err != nil {
		return h.head, &ExecutionError{Op: "commit", Height: height, Err: err}
	}
	h.head = newHead

	for hash, b := range h.accepted {
		if b.Header.Height <= height {
			delete(h.accepted, hash)
		}
	}
	h.pool.Update(height, block.Txs)

	failed := 0
	for _, r := range resp.TxResults {
		if r.Code != abci.CodeTypeOK {
			failed++
		}
	}
	h.logger.Info("Block executed", "height", height, "txs", len(block.Txs), "failed", failed,
		"app_hash", cmtbytes.HexBytes(resp.AppHash))
	return newHead, nil
}

func writeJSON(t store.Table, k []byte, v interface{}) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.SetSync(k, bz)
}
